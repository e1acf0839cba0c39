package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"leadflow/config"
	"leadflow/models"
	"leadflow/utils"
)

// Protected authenticates the request's team token and stores the team id
// in c.Locals("teamID"). Every tenant-scoped route sits behind it.
func Protected() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authorization required",
			})
		}
		tokenParts := strings.Split(authHeader, " ")
		if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid authorization format",
			})
		}

		claims, err := utils.ParseJWTToken(tokenParts[1])
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		var team models.Team
		if err := config.DB.First(&team, claims.TeamID).Error; err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Team not found",
			})
		}
		if !team.IsActive {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Team is not active",
			})
		}

		c.Locals("teamID", team.ID)
		c.Locals("team", &team)
		return c.Next()
	}
}

// TeamID reads the authenticated team id set by Protected.
func TeamID(c *fiber.Ctx) uint {
	if id, ok := c.Locals("teamID").(uint); ok {
		return id
	}
	return 0
}
