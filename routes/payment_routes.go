package routes

import (
	"github.com/anjiri1684/settlement_core/handlers"
	"github.com/anjiri1684/settlement_core/middleware"
	"github.com/gofiber/fiber/v2"
)

func PaymentRoutes(app *fiber.App, h *handlers.PaymentHandler) {
	api := app.Group("/api/v1")

	payments := api.Group("/payments", middleware.Protected())
	payments.Post("/", h.CreatePayment)
	payments.Get("/:id", h.GetPayment)
	payments.Post("/:id/refunds", h.CreateRefund)
	payments.Post("/:id/reconcile", middleware.OperatorRequired(), h.ReconcilePayment)
}
