package routes

import (
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	controller "leadflow/controllers"
	"leadflow/engine"
	"leadflow/middleware"
)

// SetupRoutes wires the HTTP surface: provider webhooks (secret-authed,
// rate limited) and the tenant API (JWT-authed).
func SetupRoutes(app *fiber.App, db *gorm.DB, eng *engine.TransitionEngine, sched *engine.Scheduler, logger *logrus.Logger) {
	leadCtrl := controller.NewLeadController(db, eng, sched, logger)
	campaignCtrl := controller.NewCampaignController(db, logger)
	webhookCtrl := controller.NewWebhookController(db, eng, logger)
	workspaceCtrl := controller.NewWorkspaceController(db, eng, logger)

	// Provider webhooks: per-team secret, not JWT. Providers retry on
	// non-2xx, so these endpoints answer fast and lean on receipt dedup.
	webhooks := app.Group("/webhooks",
		fiberlogger.New(fiberlogger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		}),
		middleware.WebhookRateLimiter(300),
	)
	webhooks.Post("/:teamId/inbound", webhookCtrl.HandleInbound)
	webhooks.Post("/:teamId/status", webhookCtrl.HandleStatus)

	// Tenant API
	api := app.Group("/api/v1", middleware.Protected())

	leads := api.Group("/leads")
	leads.Post("/", leadCtrl.CreateLead)
	leads.Post("/import", leadCtrl.ImportLeads)
	leads.Get("/", leadCtrl.ListLeads)
	leads.Get("/:id", leadCtrl.GetLead)
	leads.Get("/:id/events", workspaceCtrl.GetLeadEvents)
	leads.Post("/:id/enroll", leadCtrl.EnrollLead)
	leads.Post("/:id/reset", leadCtrl.ResetLead)
	leads.Post("/:id/opt-out", leadCtrl.OptOutLead)

	campaigns := api.Group("/campaigns")
	campaigns.Post("/", campaignCtrl.CreateCampaign)
	campaigns.Get("/", campaignCtrl.ListCampaigns)
	campaigns.Get("/:id", campaignCtrl.GetCampaign)
	campaigns.Patch("/:id/status", campaignCtrl.UpdateCampaignStatus)
	campaigns.Patch("/:id/steps/:stepId", campaignCtrl.UpdateStep)

	api.Get("/workspaces/counts", workspaceCtrl.GetCounts)
	api.Post("/sweep", workspaceCtrl.TriggerSweep)

	logger.Info("Routes initialized successfully")
}
