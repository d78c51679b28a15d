package handlers

import (
	"github.com/gofiber/fiber/v2"

	"lucky-packet-engine/middleware"
	"lucky-packet-engine/services"
)

// SetupAchievementRoutes mounts the achievement endpoints. The catalog and
// aggregate counts are public; per-user reads and the manual check require
// the caller's bearer token.
func SetupAchievementRoutes(app *fiber.App, achievements *services.AchievementService, authSecret string) {
	app.Get("/api/achievements/all", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"achievements": achievements.Definitions()})
	})

	app.Get("/api/achievements/stats", func(c *fiber.Ctx) error {
		counts, err := achievements.UnlockCounts()
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":     "failed to count unlocks",
				"cause":     err.Error(),
				"retryable": true,
			})
		}
		return c.JSON(fiber.Map{"unlockCounts": counts})
	})

	secured := app.Group("/api/achievements", middleware.BearerAuthMiddleware(authSecret))

	secured.Get("/", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)
		unlocks, err := achievements.UnlocksFor(userID)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":     "failed to fetch unlocks",
				"cause":     err.Error(),
				"retryable": true,
			})
		}
		return c.JSON(fiber.Map{"unlocks": unlocks})
	})

	// Manual trigger of achievement evaluation for the calling user.
	secured.Post("/check", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)
		newlyUnlocked, err := achievements.Evaluate(c.Context(), userID)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":     "achievement evaluation failed",
				"cause":     err.Error(),
				"retryable": true,
			})
		}
		return c.JSON(fiber.Map{"newlyUnlocked": newlyUnlocked})
	})
}
