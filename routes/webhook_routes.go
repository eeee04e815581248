package routes

import (
	"github.com/anjiri1684/settlement_core/handlers"
	"github.com/gofiber/fiber/v2"
)

// Webhook endpoints stay outside the JWT group: providers authenticate with
// payload signatures, not sessions.
func WebhookRoutes(app *fiber.App, h *handlers.WebhookHandler) {
	api := app.Group("/api/v1")

	api.Post("/webhooks/:providerId", h.HandleProviderWebhook)
}
