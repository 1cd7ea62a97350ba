package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/idempotency"
	"github.com/punchamoorthee/settleops/internal/rail"
	"github.com/punchamoorthee/settleops/internal/settlement"
	"go.uber.org/zap"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settleops_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settleops_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Settlements is the slice of the settlement service the HTTP layer drives.
type Settlements interface {
	Withdraw(ctx context.Context, req settlement.WithdrawRequest) (*settlement.Outcome, error)
	Swap(ctx context.Context, req settlement.SwapRequest) (*settlement.Outcome, error)
	HandleProviderEvent(ctx context.Context, ev settlement.ProviderEvent) (*domain.Operation, error)
	Get(ctx context.Context, id string) (*domain.Operation, error)
	Credit(ctx context.Context, userID int64, asset string, amount int64) error
	Balance(ctx context.Context, userID int64, asset string) (*domain.Balance, error)
}

type Handler struct {
	svc    Settlements
	logger *zap.Logger
}

func NewHandler(svc Settlements, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Register mounts all v1 routes plus the health endpoint on the router.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/settlements", h.CreateSettlementHandler).Methods(http.MethodPost)
	v1.HandleFunc("/settlements/{id}", h.GetSettlementHandler).Methods(http.MethodGet)
	v1.HandleFunc("/settlements/{id}/events", h.ProviderEventHandler).Methods(http.MethodPost)
	v1.HandleFunc("/swaps", h.CreateSwapHandler).Methods(http.MethodPost)
	v1.HandleFunc("/balances/{user}/{asset}", h.GetBalanceHandler).Methods(http.MethodGet)
	v1.HandleFunc("/balances/{user}/{asset}/credits", h.CreditHandler).Methods(http.MethodPost)
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type settlementRequest struct {
	UserID         int64  `json:"user_id"`
	Asset          string `json:"asset"`
	Amount         int64  `json:"amount"`
	Destination    string `json:"destination"`
	SecondFactor   string `json:"second_factor"`
	TransactionPIN string `json:"transaction_pin"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (h *Handler) CreateSettlementHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/settlements"))
	defer timer.ObserveDuration()

	var req settlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/settlements")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	if req.IdempotencyKey == "" {
		h.respondError(w, http.StatusBadRequest, "Missing idempotency key", "POST", "/settlements")
		return
	}

	out, err := h.svc.Withdraw(r.Context(), settlement.WithdrawRequest{
		UserID:         req.UserID,
		Asset:          req.Asset,
		Amount:         req.Amount,
		Destination:    req.Destination,
		SecondFactor:   req.SecondFactor,
		TransactionPIN: req.TransactionPIN,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.respondOutcomeError(w, err, "POST", "/settlements")
		return
	}
	h.respondOutcome(w, out, "POST", "/settlements")
}

func (h *Handler) GetSettlementHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	op, err := h.svc.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrOperationNotFound) {
			h.respondError(w, http.StatusNotFound, "Settlement not found", "GET", "/settlements/{id}")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "GET", "/settlements/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, op, "GET", "/settlements/{id}")
}

type providerEventRequest struct {
	Outcome     string `json:"outcome"`
	ProviderRef string `json:"provider_ref"`
	Reason      string `json:"reason"`
}

func (h *Handler) ProviderEventHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req providerEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/settlements/{id}/events")
		return
	}

	op, err := h.svc.HandleProviderEvent(r.Context(), settlement.ProviderEvent{
		OperationID: id,
		Outcome:     rail.Outcome(req.Outcome),
		ProviderRef: req.ProviderRef,
		Reason:      req.Reason,
	})
	if err != nil {
		if errors.Is(err, domain.ErrOperationNotFound) {
			h.respondError(w, http.StatusNotFound, "Settlement not found", "POST", "/settlements/{id}/events")
			return
		}
		h.logger.Error("provider event failed", zap.String("operation_id", id), zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", "/settlements/{id}/events")
		return
	}
	h.respondJSON(w, http.StatusOK, op, "POST", "/settlements/{id}/events")
}

type swapRequest struct {
	UserID         int64  `json:"user_id"`
	FromAsset      string `json:"from_asset"`
	ToAsset        string `json:"to_asset"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (h *Handler) CreateSwapHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/swaps"))
	defer timer.ObserveDuration()

	var req swapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/swaps")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	if req.IdempotencyKey == "" {
		h.respondError(w, http.StatusBadRequest, "Missing idempotency key", "POST", "/swaps")
		return
	}

	out, err := h.svc.Swap(r.Context(), settlement.SwapRequest{
		UserID:         req.UserID,
		FromAsset:      req.FromAsset,
		ToAsset:        req.ToAsset,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.respondOutcomeError(w, err, "POST", "/swaps")
		return
	}
	h.respondOutcome(w, out, "POST", "/swaps")
}

func (h *Handler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID, err := strconv.ParseInt(vars["user"], 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid user id", "GET", "/balances/{user}/{asset}")
		return
	}

	bal, err := h.svc.Balance(r.Context(), userID, vars["asset"])
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			h.respondError(w, http.StatusNotFound, "Balance not found", "GET", "/balances/{user}/{asset}")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "GET", "/balances/{user}/{asset}")
		return
	}
	h.respondJSON(w, http.StatusOK, bal, "GET", "/balances/{user}/{asset}")
}

type creditRequest struct {
	Amount int64 `json:"amount"`
}

func (h *Handler) CreditHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID, err := strconv.ParseInt(vars["user"], 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid user id", "POST", "/balances/{user}/{asset}/credits")
		return
	}

	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/balances/{user}/{asset}/credits")
		return
	}

	if err := h.svc.Credit(r.Context(), userID, vars["asset"], req.Amount); err != nil {
		if rej, ok := domain.AsRejection(err); ok {
			h.respondRejection(w, rej, "POST", "/balances/{user}/{asset}/credits")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", "/balances/{user}/{asset}/credits")
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]string{"status": "credited"}, "POST", "/balances/{user}/{asset}/credits")
}

// respondOutcome writes either the replayed stored response, byte for byte,
// or the fresh operation snapshot.
func (h *Handler) respondOutcome(w http.ResponseWriter, out *settlement.Outcome, method, endpoint string) {
	if out.Replay != nil {
		httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(out.Replay.HTTPStatus)).Inc()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(out.Replay.HTTPStatus)
		w.Write(out.Replay.Body)
		return
	}
	h.respondJSON(w, out.HTTPStatus, out.Op, method, endpoint)
}

func (h *Handler) respondOutcomeError(w http.ResponseWriter, err error, method, endpoint string) {
	switch {
	case errors.Is(err, idempotency.ErrMalformedKey):
		h.respondError(w, http.StatusBadRequest, "Malformed idempotency key", method, endpoint)
	case errors.Is(err, idempotency.ErrInProgress):
		h.respondError(w, http.StatusConflict, "Request processing in progress", method, endpoint)
	case errors.Is(err, idempotency.ErrPayloadMismatch):
		h.respondError(w, http.StatusUnprocessableEntity, "Key reuse with mismatched payload", method, endpoint)
	default:
		if rej, ok := domain.AsRejection(err); ok {
			h.respondRejection(w, rej, method, endpoint)
			return
		}
		h.logger.Error("settlement request failed", zap.String("endpoint", endpoint), zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", method, endpoint)
	}
}

func (h *Handler) respondRejection(w http.ResponseWriter, rej *domain.RejectionError, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, "422").Inc()
	respondWithJSON(w, http.StatusUnprocessableEntity, map[string]string{
		"error": rej.Message,
		"code":  rej.Code,
	})
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	respondWithJSON(w, code, payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, message, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
