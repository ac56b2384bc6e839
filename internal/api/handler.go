package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/rewardops/internal/models"
	"github.com/punchamoorthee/rewardops/internal/rules"
	"github.com/punchamoorthee/rewardops/internal/service"
	"github.com/punchamoorthee/rewardops/internal/settlement"
	"github.com/punchamoorthee/rewardops/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reward_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reward_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 10, 60},
	}, []string{"method", "endpoint"})
)

// Rewarder is the orchestration surface the handlers call into.
type Rewarder interface {
	ProcessReward(ctx context.Context, req models.RewardRequest) (*models.RewardReceipt, error)
	GetAttempt(ctx context.Context, wallet, eventKind, occurrenceID string) (*models.RewardAttempt, error)
}

type Handler struct {
	service Rewarder
}

func NewHandler(svc Rewarder) *Handler {
	return &Handler{service: svc}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RewardUserHandler is the event intake: POST /api/reward-user.
func (h *Handler) RewardUserHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/api/reward-user"))
	defer timer.ObserveDuration()
	count := func(status string) { httpRequestsTotal.WithLabelValues("POST", "/api/reward-user", status).Inc() }

	var req models.RewardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		count("400")
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	receipt, err := h.service.ProcessReward(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, rules.ErrUnknownEventKind):
			count("400")
			respondWithError(w, http.StatusBadRequest, "Unknown event type")
		case errors.Is(err, service.ErrInvalidWalletAddress):
			count("400")
			respondWithError(w, http.StatusBadRequest, "Invalid wallet address")
		case errors.Is(err, settlement.ErrInsufficientFunds):
			count("400")
			respondWithError(w, http.StatusBadRequest, "Insufficient funds")
		case errors.Is(err, service.ErrPreviouslyFailed):
			count("400")
			respondWithError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrSettlementPending):
			// Definitive outcome not known yet; the caller polls the read
			// path. Never a response that could be mistaken for "maybe paid".
			count("202")
			respondWithJSON(w, http.StatusAccepted, map[string]string{"status": string(models.StatusPending)})
		default:
			count("500")
			respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		}
		return
	}

	count("200")
	respondWithJSON(w, http.StatusOK, receipt)
}

// GetAttemptHandler is the idempotent read path:
// GET /api/reward-attempts?wallet=&event=&occurrence=.
func (h *Handler) GetAttemptHandler(w http.ResponseWriter, r *http.Request) {
	count := func(status string) { httpRequestsTotal.WithLabelValues("GET", "/api/reward-attempts", status).Inc() }

	query := r.URL.Query()
	wallet := query.Get("wallet")
	event := query.Get("event")
	occurrence := query.Get("occurrence")
	if wallet == "" || event == "" || occurrence == "" {
		count("400")
		respondWithError(w, http.StatusBadRequest, "wallet, event and occurrence query parameters are required")
		return
	}

	attempt, err := h.service.GetAttempt(r.Context(), wallet, event, occurrence)
	if err != nil {
		if errors.Is(err, store.ErrAttemptNotFound) {
			count("404")
			respondWithError(w, http.StatusNotFound, "Attempt not found")
			return
		}
		count("500")
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	count("200")
	respondWithJSON(w, http.StatusOK, attempt)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
