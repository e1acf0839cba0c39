package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadflow/engine"
	"leadflow/middleware"
	"leadflow/store"
	"leadflow/utils"
)

// WorkspaceController serves the derived funnel views: per-workspace lead
// counts and the per-lead event timeline. All values are computed from
// canonical state at read time.
type WorkspaceController struct {
	DB     *gorm.DB
	Leads  *store.LeadStore
	Events *store.EventStore
	Engine *engine.TransitionEngine
	Logger *logrus.Logger
}

func NewWorkspaceController(db *gorm.DB, eng *engine.TransitionEngine, logger *logrus.Logger) *WorkspaceController {
	return &WorkspaceController{
		DB:     db,
		Leads:  store.NewLeadStore(db),
		Events: store.NewEventStore(db),
		Engine: eng,
		Logger: logger,
	}
}

// GetCounts returns lead counts per workspace
func (wc *WorkspaceController) GetCounts(c *fiber.Ctx) error {
	teamID := middleware.TeamID(c)

	snapshots, err := wc.Leads.StateSnapshots(c.Context(), teamID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Snapshot query failed", err)
	}
	counts := engine.WorkspaceCounts(snapshots, time.Now().UTC())

	// Zero-fill so every workspace always appears in the response.
	all := []engine.Workspace{
		engine.WorkspaceInitialMessage,
		engine.WorkspaceRetarget,
		engine.WorkspaceNudgeEngine,
		engine.WorkspaceEngage,
		engine.WorkspaceContent,
		engine.WorkspaceCalendar,
		engine.WorkspaceCallQueue,
		engine.WorkspaceClosed,
	}
	out := make(map[engine.Workspace]int64, len(all))
	for _, ws := range all {
		out[ws] = counts[ws]
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"workspaces": out,
		"total":      len(snapshots),
	}))
}

// GetLeadEvents returns the audit timeline for one lead, newest first
func (wc *WorkspaceController) GetLeadEvents(c *fiber.Ctx) error {
	teamID := middleware.TeamID(c)
	id, err := utils.ParseUint(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead id", err)
	}
	lead, err := wc.Leads.Get(c.Context(), id)
	if err != nil || lead.TeamID != teamID {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
	}

	limit := c.QueryInt("limit", 100)
	if limit > 500 {
		limit = 500
	}
	events, err := wc.Events.ForLead(c.Context(), id, limit)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Event query failed", err)
	}
	return c.JSON(utils.SuccessResponse(events))
}

// TriggerSweep runs one sweep pass on demand (ops tooling)
func (wc *WorkspaceController) TriggerSweep(c *fiber.Ctx) error {
	advanced, err := wc.Engine.Sweep(c.Context(), time.Now().UTC())
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Sweep failed", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"advanced": advanced}))
}
