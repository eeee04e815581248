package handlers

import (
	"errors"

	"github.com/anjiri1684/settlement_core/ledger"
	"github.com/anjiri1684/settlement_core/models"
	"github.com/anjiri1684/settlement_core/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

var validate = validator.New()

type PaymentHandler struct {
	settlements *services.SettlementService
	refunds     *services.RefundService
	reconciler  *services.ReconcileService
	store       *ledger.Store
}

func NewPaymentHandler(settlements *services.SettlementService, refunds *services.RefundService, reconciler *services.ReconcileService, store *ledger.Store) *PaymentHandler {
	return &PaymentHandler{settlements: settlements, refunds: refunds, reconciler: reconciler, store: store}
}

type CreatePaymentRequest struct {
	Amount        float64 `json:"amount" validate:"required,gt=0"`
	Currency      string  `json:"currency" validate:"required,oneof=USD KES"`
	Method        string  `json:"method" validate:"required,oneof=card debit bank_transfer"`
	AppointmentID string  `json:"appointment_id,omitempty" validate:"omitempty,uuid"`
	PackageID     string  `json:"package_id,omitempty" validate:"omitempty,uuid"`
	Description   string  `json:"description,omitempty" validate:"max=500"`
}

func (h *PaymentHandler) CreatePayment(c *fiber.Ctx) error {
	tenantID, clientID, err := callerIdentity(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token claims"})
	}

	var req CreatePaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse JSON"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	}

	subjectKind, subjectID, err := subjectReference(req.AppointmentID, req.PackageID)
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	}

	entry, created, err := h.settlements.Settle(c.Context(), services.SettleInput{
		TenantID:    tenantID,
		ClientID:    clientID,
		SubjectKind: subjectKind,
		SubjectID:   subjectID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Method:      req.Method,
		Description: req.Description,
	})
	if err != nil {
		if services.IsValidationError(err) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
		}
		if errors.Is(err, services.ErrProviderUnavailable) {
			// Retryable: resubmitting the same request is safe, the
			// idempotency key collapses it onto this entry.
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":           "payment provider unavailable, please retry",
				"ledger_entry_id": entry.ID,
				"status":          entry.Status,
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process payment"})
	}

	status := fiber.StatusCreated
	if !created {
		status = fiber.StatusConflict
	}
	return c.Status(status).JSON(entryResponse(entry))
}

func (h *PaymentHandler) GetPayment(c *fiber.Ctx) error {
	tenantID, _, err := callerIdentity(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token claims"})
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid payment ID format"})
	}

	entry, err := h.store.GetByIDWithRefunds(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Database error"})
	}
	if entry == nil || entry.TenantID != tenantID {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Payment not found"})
	}
	return c.JSON(entry)
}

type CreateRefundRequest struct {
	Amount       *float64 `json:"amount,omitempty" validate:"omitempty,gt=0"`
	RequestNonce string   `json:"request_nonce" validate:"required,min=8,max=64"`
}

func (h *PaymentHandler) CreateRefund(c *fiber.Ctx) error {
	tenantID, _, err := callerIdentity(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token claims"})
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid payment ID format"})
	}

	var req CreateRefundRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse JSON"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	}

	entry, err := h.store.GetByID(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Database error"})
	}
	if entry == nil || entry.TenantID != tenantID {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Payment not found"})
	}

	result, err := h.refunds.Refund(c.Context(), services.RefundInput{
		LedgerEntryID: id,
		Amount:        req.Amount,
		RequestNonce:  req.RequestNonce,
	})
	if err != nil {
		switch {
		case services.IsValidationError(err):
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, services.ErrRefundExceedsBalance):
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, services.ErrNotRefundable):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, services.ErrEntryNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Payment not found"})
		case errors.Is(err, services.ErrProviderUnavailable):
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "refund provider unavailable, please retry"})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process refund"})
		}
	}
	return c.Status(fiber.StatusCreated).JSON(result)
}

func (h *PaymentHandler) ReconcilePayment(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid payment ID format"})
	}

	entry, err := h.reconciler.ReconcileEntry(c.Context(), id)
	if err != nil {
		if errors.Is(err, services.ErrEntryNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Payment not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to reconcile payment"})
	}
	return c.JSON(entryResponse(entry))
}

func entryResponse(entry *models.LedgerEntry) fiber.Map {
	resp := fiber.Map{
		"ledger_entry_id": entry.ID,
		"status":          entry.Status,
		"amount":          entry.Amount,
		"currency":        entry.Currency,
		"refunded_amount": entry.RefundedAmount,
	}
	if entry.ProviderReference != nil {
		resp["provider_reference"] = *entry.ProviderReference
	}
	if entry.FailureReason != nil {
		resp["failure_reason"] = *entry.FailureReason
	}
	if entry.RefundStatus != nil {
		resp["refund_status"] = *entry.RefundStatus
	}
	return resp
}

func callerIdentity(c *fiber.Ctx) (tenantID string, clientID uuid.UUID, err error) {
	token, ok := c.Locals("user").(*jwt.Token)
	if !ok {
		return "", uuid.Nil, errors.New("missing token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", uuid.Nil, errors.New("missing claims")
	}

	tenantID, _ = claims["tenant_id"].(string)
	rawUser, _ := claims["user_id"].(string)
	clientID, parseErr := uuid.Parse(rawUser)
	if tenantID == "" || parseErr != nil {
		return "", uuid.Nil, errors.New("incomplete claims")
	}
	return tenantID, clientID, nil
}

func subjectReference(appointmentID, packageID string) (string, uuid.UUID, error) {
	if (appointmentID == "") == (packageID == "") {
		return "", uuid.Nil, errors.New("exactly one of appointment_id or package_id is required")
	}
	if appointmentID != "" {
		id, err := uuid.Parse(appointmentID)
		return models.SubjectAppointment, id, err
	}
	id, err := uuid.Parse(packageID)
	return models.SubjectPackage, id, err
}
