package controller

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadflow/middleware"
	"leadflow/models"
	"leadflow/store"
	"leadflow/utils"
)

type CampaignController struct {
	DB        *gorm.DB
	Campaigns *store.CampaignStore
	Logger    *logrus.Logger
}

func NewCampaignController(db *gorm.DB, logger *logrus.Logger) *CampaignController {
	return &CampaignController{
		DB:        db,
		Campaigns: store.NewCampaignStore(db),
		Logger:    logger,
	}
}

type stepInput struct {
	Position   int    `json:"position" validate:"required,min=1"`
	Channel    string `json:"channel" validate:"required,oneof=sms email voice"`
	DelayDays  int    `json:"delay_days" validate:"gte=0"`
	DelayHours int    `json:"delay_hours" validate:"gte=0,lte=23"`
	TemplateID string `json:"template_id" validate:"required"`
}

// validateSteps enforces contiguous 1-based positions.
func validateSteps(steps []stepInput) error {
	seen := make(map[int]bool, len(steps))
	for _, s := range steps {
		if seen[s.Position] {
			return fmt.Errorf("duplicate position %d", s.Position)
		}
		seen[s.Position] = true
	}
	for i := 1; i <= len(steps); i++ {
		if !seen[i] {
			return fmt.Errorf("positions must be contiguous from 1; missing %d", i)
		}
	}
	return nil
}

// CreateCampaign creates a campaign with its ordered steps
func (cc *CampaignController) CreateCampaign(c *fiber.Ctx) error {
	teamID := middleware.TeamID(c)

	var input struct {
		Name        string      `json:"name" validate:"required,max=200"`
		Description string      `json:"description" validate:"omitempty,max=1000"`
		MinScore    int         `json:"min_score" validate:"gte=0,lte=100"`
		MaxScore    int         `json:"max_score" validate:"gte=0,lte=100"`
		Steps       []stepInput `json:"steps" validate:"required,min=1,dive"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if input.MaxScore == 0 {
		input.MaxScore = 100
	}
	if input.MinScore > input.MaxScore {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "min_score exceeds max_score", nil)
	}
	if err := validateSteps(input.Steps); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid steps", err)
	}

	campaign := &models.Campaign{
		TeamID:      teamID,
		Name:        input.Name,
		Description: input.Description,
		Status:      models.CampaignDraft,
		MinScore:    input.MinScore,
		MaxScore:    input.MaxScore,
	}
	for _, s := range input.Steps {
		campaign.Steps = append(campaign.Steps, models.SequenceStep{
			Position:   s.Position,
			Channel:    models.Channel(s.Channel),
			DelayDays:  s.DelayDays,
			DelayHours: s.DelayHours,
			TemplateID: s.TemplateID,
		})
	}
	if err := cc.Campaigns.Create(c.Context(), campaign); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create campaign", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(campaign))
}

// ListCampaigns returns the team's campaigns with their steps
func (cc *CampaignController) ListCampaigns(c *fiber.Ctx) error {
	teamID := middleware.TeamID(c)
	campaigns, err := cc.Campaigns.List(c.Context(), teamID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list campaigns", err)
	}
	return c.JSON(utils.SuccessResponse(campaigns))
}

// GetCampaign returns one campaign
func (cc *CampaignController) GetCampaign(c *fiber.Ctx) error {
	teamID := middleware.TeamID(c)
	id, err := utils.ParseUint(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", err)
	}
	campaign, err := cc.Campaigns.Get(c.Context(), id)
	if err != nil || campaign.TeamID != teamID {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}
	return c.JSON(utils.SuccessResponse(campaign))
}

// UpdateCampaignStatus moves a campaign between draft, active, paused and
// ended
func (cc *CampaignController) UpdateCampaignStatus(c *fiber.Ctx) error {
	teamID := middleware.TeamID(c)
	id, err := utils.ParseUint(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", err)
	}

	var input struct {
		Status string `json:"status" validate:"required,oneof=draft active paused ended"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	campaign, err := cc.Campaigns.Get(c.Context(), id)
	if err != nil || campaign.TeamID != teamID {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}
	if campaign.Status == models.CampaignEnded {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Ended campaigns cannot be reopened", nil)
	}

	campaign.Status = models.CampaignStatus(input.Status)
	if err := cc.Campaigns.Save(c.Context(), campaign); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update campaign", err)
	}
	return c.JSON(utils.SuccessResponse(campaign))
}

// UpdateStep edits a sequence step. Steps that any lead already executed
// are immutable.
func (cc *CampaignController) UpdateStep(c *fiber.Ctx) error {
	teamID := middleware.TeamID(c)
	campaignID, err := utils.ParseUint(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", err)
	}
	stepID, err := utils.ParseUint(c.Params("stepId"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid step id", err)
	}

	var input struct {
		DelayDays  int    `json:"delay_days" validate:"gte=0"`
		DelayHours int    `json:"delay_hours" validate:"gte=0,lte=23"`
		TemplateID string `json:"template_id" validate:"required"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	campaign, err := cc.Campaigns.Get(c.Context(), campaignID)
	if err != nil || campaign.TeamID != teamID {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
	}
	var step *models.SequenceStep
	for i := range campaign.Steps {
		if campaign.Steps[i].ID == stepID {
			step = &campaign.Steps[i]
			break
		}
	}
	if step == nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Step not found", nil)
	}

	executed, err := cc.Campaigns.StepExecuted(c.Context(), stepID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Execution check failed", err)
	}
	if executed {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Step already executed by at least one lead and cannot be edited", nil)
	}

	step.DelayDays = input.DelayDays
	step.DelayHours = input.DelayHours
	step.TemplateID = input.TemplateID
	if err := cc.DB.WithContext(c.Context()).Save(step).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update step", err)
	}
	return c.JSON(utils.SuccessResponse(step))
}
