package rail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/punchamoorthee/settleops/internal/domain"
	"go.uber.org/zap"
)

// HTTPAdapter talks to the payout provider's REST API.
type HTTPAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

func NewHTTPAdapter(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *HTTPAdapter {
	return &HTTPAdapter{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type payoutRequest struct {
	Reference   string `json:"reference"`
	Asset       string `json:"asset"`
	Amount      int64  `json:"amount"`
	Destination string `json:"destination"`
	Narrative   string `json:"narrative"`
}

type payoutResponse struct {
	Status         string `json:"status"`
	ProviderRef    string `json:"provider_ref"`
	DeclineCode    string `json:"decline_code"`
	DeclineMessage string `json:"decline_message"`
}

func (a *HTTPAdapter) Submit(ctx context.Context, op *domain.Operation) (*Receipt, error) {
	payload := payoutRequest{
		Reference:   Token(op.ID),
		Asset:       op.Asset,
		Amount:      op.Amount,
		Destination: op.Destination,
		Narrative:   "Withdrawal",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("payout payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/payouts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("payout request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		// Timeout or transport failure: the provider may still have
		// executed the payout.
		a.logger.Warn("payout submit outcome unknown",
			zap.String("operation_id", op.ID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnknownOutcome, err)
	}
	defer resp.Body.Close()

	return a.decode(resp, op.ID)
}

func (a *HTTPAdapter) Status(ctx context.Context, op *domain.Operation) (*Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/payouts/"+Token(op.ID), nil)
	if err != nil {
		return nil, fmt.Errorf("status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownOutcome, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Provider never saw this token, so the payout was never
		// executed. Safe to treat as declined.
		return nil, &DeclinedError{Code: "NOT_FOUND", Message: "payout unknown to provider"}
	}
	return a.decode(resp, op.ID)
}

func (a *HTTPAdapter) decode(resp *http.Response, operationID string) (*Receipt, error) {
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: provider returned %d", ErrUnknownOutcome, resp.StatusCode)
	}

	var out payoutResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: undecodable provider response", ErrUnknownOutcome)
	}

	switch out.Status {
	case "accepted", "settled":
		return &Receipt{ProviderRef: out.ProviderRef, Outcome: OutcomeSettled}, nil
	case "pending", "processing":
		return &Receipt{ProviderRef: out.ProviderRef, Outcome: OutcomePending}, nil
	case "declined", "rejected":
		code := out.DeclineCode
		if code == "" {
			code = "DECLINED"
		}
		return nil, &DeclinedError{Code: code, Message: out.DeclineMessage}
	default:
		a.logger.Warn("unrecognized provider status",
			zap.String("operation_id", operationID), zap.String("status", out.Status))
		return nil, fmt.Errorf("%w: status %q", ErrUnknownOutcome, out.Status)
	}
}
