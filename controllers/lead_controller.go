package controller

import (
	"errors"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadflow/engine"
	"leadflow/middleware"
	"leadflow/models"
	"leadflow/store"
	"leadflow/utils"
)

type LeadController struct {
	DB        *gorm.DB
	Leads     *store.LeadStore
	Campaigns *store.CampaignStore
	Engine    *engine.TransitionEngine
	Scheduler *engine.Scheduler
	Logger    *logrus.Logger
}

func NewLeadController(db *gorm.DB, eng *engine.TransitionEngine, sched *engine.Scheduler, logger *logrus.Logger) *LeadController {
	return &LeadController{
		DB:        db,
		Leads:     store.NewLeadStore(db),
		Campaigns: store.NewCampaignStore(db),
		Engine:    eng,
		Scheduler: sched,
		Logger:    logger,
	}
}

type leadInput struct {
	FirstName string `json:"first_name" validate:"omitempty,max=100"`
	LastName  string `json:"last_name" validate:"omitempty,max=100"`
	Company   string `json:"company" validate:"omitempty,max=200"`
	Phone     string `json:"phone" validate:"required,max=20"`
	Email     string `json:"email" validate:"omitempty,email"`
	Source    string `json:"source" validate:"omitempty,max=100"`
	Score     int    `json:"score" validate:"gte=0,lte=100"`
}

func (lc *LeadController) buildLead(teamID uint, input leadInput, now time.Time) (*models.Lead, error) {
	if input.Email != "" {
		if err := checkmail.ValidateFormat(input.Email); err != nil {
			return nil, err
		}
	}
	phone := utils.NormalizePhone(input.Phone)
	if phone == "" {
		return nil, errors.New("phone is empty after normalization")
	}
	return &models.Lead{
		TeamID:         teamID,
		FirstName:      input.FirstName,
		LastName:       input.LastName,
		Company:        input.Company,
		Phone:          phone,
		Email:          strings.ToLower(input.Email),
		Source:         input.Source,
		Score:          input.Score,
		CanonicalState: models.StateNew,
		EnteredStateAt: now,
		SequenceStatus: models.SequencePending,
	}, nil
}

// CreateLead creates a new lead in the new state
func (lc *LeadController) CreateLead(c *fiber.Ctx) error {
	teamID := middleware.TeamID(c)

	var input leadInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	lead, err := lc.buildLead(teamID, input, time.Now().UTC())
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead", err)
	}

	existing, err := lc.Leads.ByPhone(c.Context(), teamID, lead.Phone)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Lookup failed", err)
	}
	if existing != nil {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Lead with this phone already exists", nil)
	}

	if err := lc.Leads.Create(c.Context(), lead); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create lead", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(lead))
}

// ImportLeads bulk-creates leads, skipping duplicates instead of failing
// the whole batch.
func (lc *LeadController) ImportLeads(c *fiber.Ctx) error {
	teamID := middleware.TeamID(c)

	var input struct {
		Leads []leadInput `json:"leads" validate:"required,min=1,max=1000"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	now := time.Now().UTC()
	created, skipped := 0, 0
	for _, item := range input.Leads {
		lead, err := lc.buildLead(teamID, item, now)
		if err != nil {
			skipped++
			continue
		}
		existing, err := lc.Leads.ByPhone(c.Context(), teamID, lead.Phone)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Lookup failed", err)
		}
		if existing != nil {
			skipped++
			continue
		}
		if err := lc.Leads.Create(c.Context(), lead); err != nil {
			lc.Logger.WithError(err).WithField("phone", lead.Phone).Warn("import: create failed")
			skipped++
			continue
		}
		created++
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"created": created,
		"skipped": skipped,
	}))
}

// GetLead returns one lead with its tags
func (lc *LeadController) GetLead(c *fiber.Ctx) error {
	teamID := middleware.TeamID(c)
	id, err := utils.ParseUint(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead id", err)
	}

	lead, err := lc.Leads.Get(c.Context(), id)
	if err != nil || lead.TeamID != teamID {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
	}
	return c.JSON(utils.SuccessResponse(lead))
}

// ListLeads returns a team's leads, optionally filtered by state
func (lc *LeadController) ListLeads(c *fiber.Ctx) error {
	teamID := middleware.TeamID(c)
	state := models.LeadState(c.Query("state"))
	limit := c.QueryInt("limit", 50)
	if limit > 200 {
		limit = 200
	}
	offset := c.QueryInt("offset", 0)

	leads, err := lc.Leads.List(c.Context(), teamID, state, limit, offset)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list leads", err)
	}
	return c.JSON(utils.SuccessResponse(leads))
}

// EnrollLead attaches a lead to a campaign and schedules its first step
func (lc *LeadController) EnrollLead(c *fiber.Ctx) error {
	teamID := middleware.TeamID(c)
	id, err := utils.ParseUint(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead id", err)
	}

	var input struct {
		CampaignID uint `json:"campaign_id" validate:"required"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	lead, err := lc.Leads.Get(c.Context(), id)
	if err != nil || lead.TeamID != teamID {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
	}
	campaign, err := lc.Campaigns.Get(c.Context(), input.CampaignID)
	if err != nil || campaign.TeamID != teamID {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}

	if err := lc.Scheduler.Enroll(c.Context(), lead, campaign, time.Now().UTC()); err != nil {
		switch {
		case errors.Is(err, engine.ErrLeadSuppressed):
			return utils.ErrorResponse(c, fiber.StatusConflict, "Lead is in a terminal state", nil)
		case errors.Is(err, engine.ErrNotEligible):
			return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Lead not eligible for campaign", err)
		default:
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Enrollment failed", err)
		}
	}
	if err := lc.Leads.Save(c.Context(), lead); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to save lead", err)
	}
	if err := lc.Campaigns.IncrementEnrolled(c.Context(), campaign.ID); err != nil {
		lc.Logger.WithError(err).Warn("enrolled counter update failed")
	}
	return c.JSON(utils.SuccessResponse(lead))
}

// ResetLead re-arms a lead whose sequence failed (manual triage)
func (lc *LeadController) ResetLead(c *fiber.Ctx) error {
	teamID := middleware.TeamID(c)
	id, err := utils.ParseUint(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead id", err)
	}
	lead, err := lc.Leads.Get(c.Context(), id)
	if err != nil || lead.TeamID != teamID {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
	}

	if err := lc.Engine.ResetSequence(c.Context(), id); err != nil {
		if errors.Is(err, engine.ErrLeadSuppressed) {
			return utils.ErrorResponse(c, fiber.StatusConflict, "Lead is in a terminal state", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Reset failed", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"reset": true}))
}

// OptOutLead suppresses a lead manually (compliance requests outside the
// keyword path, e.g. email or a phone call)
func (lc *LeadController) OptOutLead(c *fiber.Ctx) error {
	teamID := middleware.TeamID(c)
	id, err := utils.ParseUint(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead id", err)
	}
	lead, err := lc.Leads.Get(c.Context(), id)
	if err != nil || lead.TeamID != teamID {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
	}

	if err := lc.Engine.OnOptOut(c.Context(), id); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Opt-out failed", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"suppressed": true}))
}
