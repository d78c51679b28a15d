package handlers

import (
	"github.com/gofiber/fiber/v2"

	"lucky-packet-engine/services"
)

// SetupStatsRoutes mounts the cached aggregate statistics endpoint.
func SetupStatsRoutes(app *fiber.App, cache *services.StatsCache) {
	app.Get("/api/v1/stats", func(c *fiber.Ctx) error {
		payload, err := cache.Get(services.GlobalStatsKey)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":     "failed to compute stats",
				"cause":     err.Error(),
				"retryable": true,
			})
		}
		// Cached bytes are sent verbatim so repeat hits within the TTL are
		// byte-identical.
		c.Set("Content-Type", "application/json")
		return c.Send(payload)
	})
}
