package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/anjiri1684/settlement_core/utils"
)

// BankTransfer never settles synchronously: every accepted charge comes back
// pending and completion arrives minutes later via webhook or a sweeper
// query. KES only.
type BankTransfer struct {
	baseURL       string
	accountNumber string
	apiKey        string
	webhookSecret string
	settleWindow  time.Duration
	client        *http.Client
}

func NewBankTransfer(baseURL, accountNumber, apiKey, webhookSecret string, settleWindow, timeout time.Duration) *BankTransfer {
	return &BankTransfer{
		baseURL:       baseURL,
		accountNumber: accountNumber,
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
		settleWindow:  settleWindow,
		client:        &http.Client{Timeout: timeout},
	}
}

func (bt *BankTransfer) ID() string { return ProviderBankTransfer }

func (bt *BankTransfer) Supports(method, currency string) bool {
	return method == "bank_transfer" && currency == "KES"
}

type bankTransferRequest struct {
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	AccountNumber string `json:"accountNumber"`
	InvoiceNumber string `json:"invoiceNumber"`
	Description   string `json:"transactionDescription,omitempty"`
}

type bankTransferResponse struct {
	TransferID   string `json:"transferId"`
	ResponseCode string `json:"responseCode"`
	ResponseDesc string `json:"responseDescription"`
}

func (bt *BankTransfer) Charge(ctx context.Context, req ChargeRequest) (*ProviderResult, error) {
	payload := bankTransferRequest{
		Amount:        fmt.Sprintf("%.2f", req.Amount),
		Currency:      req.Currency,
		AccountNumber: bt.accountNumber,
		InvoiceNumber: fmt.Sprintf("%s-%s", bt.accountNumber, req.SubjectReference),
		Description:   req.Description,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", bt.baseURL+"/transfers", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("messageId", req.IdempotencyKey)
	httpReq.Header.Set("traceId", utils.GenerateReference(16))
	httpReq.Header.Set("Authorization", "Bearer "+bt.apiKey)

	resp, err := bt.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send transfer request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read transfer response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		log.Printf("Bank transfer API error: %s", string(respBody))
		return nil, fmt.Errorf("bank transfer API returned status %d", resp.StatusCode)
	}

	var transferResp bankTransferResponse
	if err := json.Unmarshal(respBody, &transferResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transfer response: %w", err)
	}

	if transferResp.ResponseCode != "0" {
		return &ProviderResult{Outcome: OutcomeDeclined, DeclineReason: transferResp.ResponseDesc}, nil
	}

	return &ProviderResult{
		Outcome:           OutcomePending,
		ProviderReference: transferResp.TransferID,
		EstimatedSettleBy: time.Now().UTC().Add(bt.settleWindow),
	}, nil
}

type bankWebhookPayload struct {
	EventID    string `json:"eventId"`
	ResultCode int    `json:"resultCode"`
	ResultDesc string `json:"resultDesc"`
	TransferID string `json:"transferId"`
	OccurredAt string `json:"occurredAt"`
}

func (bt *BankTransfer) VerifyWebhook(rawPayload []byte, signatureHeader string) (*ProviderEvent, error) {
	if !verifySignature(bt.webhookSecret, rawPayload, signatureHeader) {
		return nil, ErrVerificationFailed
	}

	var payload bankWebhookPayload
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return nil, fmt.Errorf("cannot parse bank webhook payload: %w", err)
	}
	if payload.EventID == "" || payload.TransferID == "" {
		return nil, fmt.Errorf("bank webhook payload missing eventId or transferId")
	}

	event := &ProviderEvent{
		EventID:           payload.EventID,
		ProviderReference: payload.TransferID,
		OccurredAt:        time.Now().UTC(),
	}
	if t, err := time.Parse(time.RFC3339, payload.OccurredAt); err == nil {
		event.OccurredAt = t
	}

	if payload.ResultCode == 0 {
		event.EventType = EventSettled
	} else {
		event.EventType = EventFailed
	}
	return event, nil
}

func (bt *BankTransfer) Refund(ctx context.Context, providerReference string, amount float64, idempotencyKey string) (*ProviderRefundResult, error) {
	payload := map[string]string{"amount": fmt.Sprintf("%.2f", amount)}
	body, _ := json.Marshal(payload)

	httpReq, err := http.NewRequestWithContext(ctx, "POST",
		fmt.Sprintf("%s/transfers/%s/reversals", bt.baseURL, providerReference), bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("messageId", idempotencyKey)
	httpReq.Header.Set("Authorization", "Bearer "+bt.apiKey)

	resp, err := bt.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send reversal request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bank transfer reversal failed: %s", string(respBody))
	}

	var reversal struct {
		ReversalID string `json:"reversalId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reversal); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reversal response: %w", err)
	}
	return &ProviderRefundResult{RefundID: reversal.ReversalID}, nil
}

func (bt *BankTransfer) Query(ctx context.Context, providerReference string) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/transfers/%s", bt.baseURL, providerReference), nil)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+bt.apiKey)

	resp, err := bt.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to query transfer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bank transfer query returned status %d", resp.StatusCode)
	}

	var queryResp struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&queryResp); err != nil {
		return "", err
	}

	switch queryResp.Status {
	case "settled", "completed":
		return QuerySettled, nil
	case "failed", "reversed":
		return QueryFailed, nil
	default:
		return QueryPending, nil
	}
}
