package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"lucky-packet-engine/models"
)

// SetupPacketRoutes mounts the packet read model. Reconnecting websocket
// clients re-fetch current state here before resubscribing.
func SetupPacketRoutes(app *fiber.App, db *gorm.DB) {
	app.Get("/api/v1/packets/:id", func(c *fiber.Ctx) error {
		var packet models.Packet
		err := db.Preload("Claims").First(&packet, "id = ?", c.Params("id")).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error":     "packet not found",
				"retryable": false,
			})
		}
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":     "failed to load packet",
				"cause":     err.Error(),
				"retryable": true,
			})
		}

		resp := fiber.Map{"packet": packet}

		// Surface a delayed randomness wait as a retryable condition, never
		// a hard failure: the packet stays claimable once VRF lands.
		if packet.State == models.PacketStatePendingRandomness {
			var vrf models.VRFRequest
			if db.First(&vrf, "packet_id = ?", packet.ID).Error == nil {
				resp["vrfDelayed"] = vrf.DelayedSince != nil
				resp["vrfRequestedAt"] = vrf.RequestedAt
			}
		}
		return c.JSON(resp)
	})
}
