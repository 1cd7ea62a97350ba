// Package guard holds the narrow clients for the limit/KYC service and the
// authentication validator. Denials come back as stable rejection codes;
// transport failures stay internal errors so callers can retry.
package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/shopspring/decimal"
)

type HTTPLimitChecker struct {
	baseURL string
	client  *http.Client
}

func NewHTTPLimitChecker(baseURL string, timeout time.Duration) *HTTPLimitChecker {
	return &HTTPLimitChecker{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

func (c *HTTPLimitChecker) Check(ctx context.Context, userID int64, asset string, amountUSD decimal.Decimal) error {
	payload, _ := json.Marshal(map[string]any{
		"user_id":    userID,
		"asset":      asset,
		"amount_usd": amountUSD.String(),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/limits/check", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("limit check request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("limit service unavailable: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Allowed bool   `json:"allowed"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("limit service response: %w", err)
	}
	if !out.Allowed {
		msg := out.Reason
		if msg == "" {
			msg = "limit exceeded"
		}
		return domain.Reject(domain.ReasonLimitExceeded, msg)
	}
	return nil
}

type HTTPAuthVerifier struct {
	baseURL string
	client  *http.Client
}

func NewHTTPAuthVerifier(baseURL string, timeout time.Duration) *HTTPAuthVerifier {
	return &HTTPAuthVerifier{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

func (c *HTTPAuthVerifier) Verify(ctx context.Context, userID int64, secondFactor, transactionPIN string) error {
	payload, _ := json.Marshal(map[string]any{
		"user_id":         userID,
		"second_factor":   secondFactor,
		"transaction_pin": transactionPIN,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/auth/verify", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("auth verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("auth service unavailable: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("auth service response: %w", err)
	}
	if !out.OK {
		return domain.Reject(domain.ReasonAuthDenied, "second factor or PIN rejected")
	}
	return nil
}
