package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"leadflow/engine"
	"leadflow/models"
	"leadflow/store"
	"leadflow/utils"
)

// WebhookController receives provider callbacks: inbound replies and
// delivery status updates. Providers deliver at-least-once, so every
// payload is claimed against the receipt table before processing.
type WebhookController struct {
	DB       *gorm.DB
	Leads    *store.LeadStore
	Receipts *store.ReceiptStore
	Engine   *engine.TransitionEngine
	Logger   *logrus.Logger
}

func NewWebhookController(db *gorm.DB, eng *engine.TransitionEngine, logger *logrus.Logger) *WebhookController {
	return &WebhookController{
		DB:       db,
		Leads:    store.NewLeadStore(db),
		Receipts: store.NewReceiptStore(db),
		Engine:   eng,
		Logger:   logger,
	}
}

// authenticate resolves the team from the route and checks the shared
// webhook secret.
func (wc *WebhookController) authenticate(c *fiber.Ctx) (*models.Team, error) {
	teamID, err := utils.ParseUint(c.Params("teamId"))
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "invalid team id")
	}
	var team models.Team
	if err := wc.DB.WithContext(c.Context()).First(&team, teamID).Error; err != nil {
		return nil, fiber.NewError(fiber.StatusUnauthorized, "unknown team")
	}
	if !team.IsActive {
		return nil, fiber.NewError(fiber.StatusForbidden, "team is not active")
	}
	secret := c.Get("X-Webhook-Secret")
	if secret == "" {
		return nil, fiber.NewError(fiber.StatusUnauthorized, "missing webhook secret")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(team.WebhookSecretHash), []byte(secret)); err != nil {
		return nil, fiber.NewError(fiber.StatusUnauthorized, "invalid webhook secret")
	}
	return &team, nil
}

type inboundPayload struct {
	MessageID string `json:"message_id" validate:"required"`
	From      string `json:"from" validate:"required"`
	Text      string `json:"text" validate:"required"`
	Channel   string `json:"channel" validate:"omitempty,oneof=sms email voice"`
}

// HandleInbound processes a reply webhook
func (wc *WebhookController) HandleInbound(c *fiber.Ctx) error {
	team, err := wc.authenticate(c)
	if err != nil {
		ferr := err.(*fiber.Error)
		return utils.ErrorResponse(c, ferr.Code, ferr.Message, nil)
	}

	var payload inboundPayload
	if err := c.BodyParser(&payload); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid payload", err)
	}
	if err := utils.ValidateStruct(payload); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	channel := models.Channel(payload.Channel)
	if channel == "" {
		channel = models.ChannelSMS
	}

	receipt, claimed, err := wc.Receipts.Claim(c.Context(), team.ID, payload.MessageID, "inbound", "reply")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Receipt claim failed", err)
	}
	if !claimed {
		// Duplicate delivery: acknowledge so the provider stops retrying.
		return c.JSON(utils.SuccessResponse(fiber.Map{"duplicate": true}))
	}

	now := time.Now().UTC()
	lead, err := wc.Leads.ByPhone(c.Context(), team.ID, utils.NormalizePhone(payload.From))
	if err != nil {
		wc.finish(c, receipt, "failed", err.Error(), now)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Lead lookup failed", err)
	}
	if lead == nil {
		// Unknown sender: acknowledged but not processed.
		wc.finish(c, receipt, "skipped", "no matching lead", now)
		return c.Status(fiber.StatusAccepted).JSON(utils.SuccessResponse(fiber.Map{"matched": false}))
	}

	result, err := wc.Engine.OnInboundMessage(c.Context(), lead.ID, payload.Text, channel, payload.MessageID)
	if err != nil {
		wc.finish(c, receipt, "failed", err.Error(), now)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Processing failed", err)
	}
	wc.finish(c, receipt, "success", "", now)

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"matched":        true,
		"label":          result.Label,
		"previous_state": result.PreviousState,
		"new_state":      result.NewState,
	}))
}

type statusPayload struct {
	MessageID string `json:"message_id" validate:"required"`
	Status    string `json:"status" validate:"required,oneof=delivered failed"`
	Reason    string `json:"reason"`
}

// HandleStatus processes a delivery status webhook
func (wc *WebhookController) HandleStatus(c *fiber.Ctx) error {
	team, err := wc.authenticate(c)
	if err != nil {
		ferr := err.(*fiber.Error)
		return utils.ErrorResponse(c, ferr.Code, ferr.Message, nil)
	}

	var payload statusPayload
	if err := c.BodyParser(&payload); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid payload", err)
	}
	if err := utils.ValidateStruct(payload); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	// Status webhooks for the same message can legitimately arrive twice
	// with different statuses; key the receipt on both.
	receipt, claimed, err := wc.Receipts.Claim(c.Context(), team.ID, payload.MessageID+":"+payload.Status, "status", payload.Status)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Receipt claim failed", err)
	}
	if !claimed {
		return c.JSON(utils.SuccessResponse(fiber.Map{"duplicate": true}))
	}

	now := time.Now().UTC()
	if err := wc.Engine.OnDeliveryStatus(c.Context(), payload.MessageID, payload.Status, payload.Reason); err != nil {
		wc.finish(c, receipt, "failed", err.Error(), now)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Processing failed", err)
	}
	wc.finish(c, receipt, "success", "", now)
	return c.JSON(utils.SuccessResponse(fiber.Map{"processed": true}))
}

func (wc *WebhookController) finish(c *fiber.Ctx, receipt *models.WebhookReceipt, result, errMsg string, now time.Time) {
	if err := wc.Receipts.Finish(c.Context(), receipt, result, errMsg, now); err != nil {
		wc.Logger.WithError(err).Warn("receipt finish failed")
	}
}
