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
)

// CardNetwork charges synchronously. The idempotency key is forwarded as a
// request-level token so a client-side timeout cannot make the network
// itself double-charge.
type CardNetwork struct {
	baseURL       string
	webhookSecret string
	tokens        *TokenSource
	client        *http.Client
}

func NewCardNetwork(baseURL, webhookSecret string, tokens *TokenSource, timeout time.Duration) *CardNetwork {
	return &CardNetwork{
		baseURL:       baseURL,
		webhookSecret: webhookSecret,
		tokens:        tokens,
		client:        &http.Client{Timeout: timeout},
	}
}

func (cn *CardNetwork) ID() string { return ProviderCardNetwork }

func (cn *CardNetwork) Supports(method, currency string) bool {
	if method != "card" && method != "debit" {
		return false
	}
	return currency == "USD" || currency == "KES"
}

type cardChargeRequest struct {
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Method      string `json:"method"`
	Reference   string `json:"reference"`
	Description string `json:"description,omitempty"`
}

type cardChargeResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	DeclineReason string `json:"decline_reason,omitempty"`
}

func (cn *CardNetwork) Charge(ctx context.Context, req ChargeRequest) (*ProviderResult, error) {
	accessToken, err := cn.tokens.AccessToken()
	if err != nil {
		return nil, fmt.Errorf("failed to get card network access token: %w", err)
	}

	payload := cardChargeRequest{
		Amount:      fmt.Sprintf("%.2f", req.Amount),
		Currency:    req.Currency,
		Method:      req.Method,
		Reference:   req.SubjectReference,
		Description: req.Description,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal charge payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", cn.baseURL+"/charges", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create charge request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := cn.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send charge request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read charge response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		log.Printf("Card network API error: %s", string(respBody))
		return nil, fmt.Errorf("card network returned status %d", resp.StatusCode)
	}

	var chargeResp cardChargeResponse
	if err := json.Unmarshal(respBody, &chargeResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal charge response: %w", err)
	}

	switch chargeResp.Status {
	case "succeeded":
		return &ProviderResult{Outcome: OutcomeSucceeded, ProviderReference: chargeResp.ID}, nil
	case "declined":
		return &ProviderResult{
			Outcome:           OutcomeDeclined,
			ProviderReference: chargeResp.ID,
			DeclineReason:     chargeResp.DeclineReason,
		}, nil
	default:
		return nil, fmt.Errorf("card network returned unknown charge status %q", chargeResp.Status)
	}
}

type cardWebhookPayload struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	ChargeID   string `json:"charge_id"`
	OccurredAt string `json:"occurred_at"`
}

func (cn *CardNetwork) VerifyWebhook(rawPayload []byte, signatureHeader string) (*ProviderEvent, error) {
	if !verifySignature(cn.webhookSecret, rawPayload, signatureHeader) {
		return nil, ErrVerificationFailed
	}

	var payload cardWebhookPayload
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return nil, fmt.Errorf("cannot parse card webhook payload: %w", err)
	}
	if payload.EventID == "" || payload.ChargeID == "" {
		return nil, fmt.Errorf("card webhook payload missing event_id or charge_id")
	}

	event := &ProviderEvent{
		EventID:           payload.EventID,
		ProviderReference: payload.ChargeID,
		OccurredAt:        time.Now().UTC(),
	}
	if t, err := time.Parse(time.RFC3339, payload.OccurredAt); err == nil {
		event.OccurredAt = t
	}

	switch payload.EventType {
	case "charge.settled":
		event.EventType = EventSettled
	case "charge.failed":
		event.EventType = EventFailed
	default:
		return nil, fmt.Errorf("unknown card webhook event type %q", payload.EventType)
	}
	return event, nil
}

type cardRefundResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (cn *CardNetwork) Refund(ctx context.Context, providerReference string, amount float64, idempotencyKey string) (*ProviderRefundResult, error) {
	accessToken, err := cn.tokens.AccessToken()
	if err != nil {
		return nil, fmt.Errorf("failed to get card network access token: %w", err)
	}

	payload := map[string]string{"amount": fmt.Sprintf("%.2f", amount)}
	body, _ := json.Marshal(payload)

	httpReq, err := http.NewRequestWithContext(ctx, "POST",
		fmt.Sprintf("%s/charges/%s/refunds", cn.baseURL, providerReference), bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := cn.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send refund request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("card network refund failed: %s", string(respBody))
	}

	var refundResp cardRefundResponse
	if err := json.NewDecoder(resp.Body).Decode(&refundResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refund response: %w", err)
	}
	return &ProviderRefundResult{RefundID: refundResp.ID}, nil
}

type cardQueryResponse struct {
	Status string `json:"status"`
}

func (cn *CardNetwork) Query(ctx context.Context, providerReference string) (string, error) {
	accessToken, err := cn.tokens.AccessToken()
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/charges/%s", cn.baseURL, providerReference), nil)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := cn.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to query charge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("card network query returned status %d", resp.StatusCode)
	}

	var queryResp cardQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&queryResp); err != nil {
		return "", err
	}

	switch queryResp.Status {
	case "succeeded":
		return QuerySettled, nil
	case "declined", "failed":
		return QueryFailed, nil
	default:
		return QueryPending, nil
	}
}
