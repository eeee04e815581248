package handlers

import (
	"errors"

	"github.com/anjiri1684/settlement_core/services"
	"github.com/gofiber/fiber/v2"
)

type WebhookHandler struct {
	ingestor *services.WebhookService
}

func NewWebhookHandler(ingestor *services.WebhookService) *WebhookHandler {
	return &WebhookHandler{ingestor: ingestor}
}

// HandleProviderWebhook acknowledges or rejects one provider callback. The
// response body never includes payment details.
func (h *WebhookHandler) HandleProviderWebhook(c *fiber.Ctx) error {
	providerID := c.Params("providerId")
	signature := c.Get("X-Signature")

	err := h.ingestor.Ingest(c.Context(), providerID, c.Body(), signature)
	if err != nil {
		if errors.Is(err, services.ErrUnknownProvider) || errors.Is(err, services.ErrVerificationFailed) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": "rejected"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": "retry later"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"message": "acknowledged"})
}
