package payments

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// TokenSource caches the card network's OAuth client-credentials token and
// refreshes it shortly before expiry.
type TokenSource struct {
	tokenURL  string
	apiKey    string
	apiSecret string

	mu     sync.RWMutex
	token  string
	expiry time.Time
}

func NewTokenSource(tokenURL, apiKey, apiSecret string) *TokenSource {
	return &TokenSource{tokenURL: tokenURL, apiKey: apiKey, apiSecret: apiSecret}
}

func (ts *TokenSource) AccessToken() (string, error) {
	ts.mu.RLock()
	if ts.token != "" && time.Now().Before(ts.expiry) {
		token := ts.token
		ts.mu.RUnlock()
		return token, nil
	}
	ts.mu.RUnlock()

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && time.Now().Before(ts.expiry) {
		return ts.token, nil
	}

	log.Println("Fetching new card network access token...")
	reqBody := strings.NewReader("grant_type=client_credentials")
	req, err := http.NewRequest("POST", ts.tokenURL, reqBody)
	if err != nil {
		return "", err
	}

	req.SetBasicAuth(ts.apiKey, ts.apiSecret)
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token API returned non-200 status: %s", resp.Status)
	}

	var tokenResp TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", err
	}

	ts.token = tokenResp.AccessToken
	ts.expiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn-300) * time.Second)

	return ts.token, nil
}
