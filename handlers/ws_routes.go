package handlers

import (
	"encoding/json"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"lucky-packet-engine/middleware"
	"lucky-packet-engine/services"
)

// wsRequest is one client → server frame.
type wsRequest struct {
	Event string `json:"event"`
	Data  string `json:"data,omitempty"`
}

// SetupWebSocketRoutes mounts the realtime packet-update feed. The bearer
// token is checked at upgrade time; unauthenticated connections are refused.
func SetupWebSocketRoutes(app *fiber.App, broadcaster *services.Broadcaster, authSecret string) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		token := c.Query("token")
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing token",
			})
		}
		userID, ok := middleware.VerifyToken(token, authSecret)
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid token",
			})
		}
		c.Locals("user_id", userID)
		return c.Next()
	})

	app.Get("/ws", websocket.New(func(conn *websocket.Conn) {
		userID, _ := conn.Locals("user_id").(string)
		clientID := userID + "/" + uuid.NewString()

		client := services.NewBroadcastClient(clientID, func(msg []byte) error {
			return conn.WriteMessage(websocket.TextMessage, msg)
		})
		defer broadcaster.Drop(client)

		log.Printf("🔌 [ws] client connected: %s", clientID)

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				log.Printf("🔌 [ws] client disconnected: %s", clientID)
				return
			}

			var req wsRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				sendError(conn, "invalid message")
				continue
			}

			switch req.Event {
			case "ping":
				ack, _ := json.Marshal(fiber.Map{"event": "pong"})
				_ = conn.WriteMessage(websocket.TextMessage, ack)

			case "subscribe:packet":
				if req.Data == "" {
					sendError(conn, "packet id required")
					continue
				}
				broadcaster.Subscribe(client, req.Data)
				ack, _ := json.Marshal(fiber.Map{"event": "subscribed", "packetId": req.Data})
				_ = conn.WriteMessage(websocket.TextMessage, ack)

			case "unsubscribe:packet":
				if req.Data == "" {
					sendError(conn, "packet id required")
					continue
				}
				broadcaster.Unsubscribe(client, req.Data)
				ack, _ := json.Marshal(fiber.Map{"event": "unsubscribed", "packetId": req.Data})
				_ = conn.WriteMessage(websocket.TextMessage, ack)

			default:
				sendError(conn, "unknown event")
			}
		}
	}))
}

func sendError(conn *websocket.Conn, msg string) {
	payload, _ := json.Marshal(fiber.Map{"event": "error", "error": msg})
	_ = conn.WriteMessage(websocket.TextMessage, payload)
}
