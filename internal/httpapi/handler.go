package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"driver_verification/internal/model"
	"driver_verification/internal/scoring"
	"driver_verification/internal/service"
)

const maxBodyBytes = 1 << 20

// Service is the verification workflow as seen by the HTTP layer.
type Service interface {
	Verify(ctx context.Context, subjectID string, requestedTypes []model.VerificationType, contextData map[string]string) (*model.AggregateResult, error)
	Records(ctx context.Context, subjectID string) ([]*model.VerificationRecord, error)
}

type Scorer interface {
	Compute(in scoring.Input) (*scoring.Result, error)
}

type Handler struct {
	service  Service
	scorer   Scorer
	gatherer prometheus.Gatherer
	timeout  time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// New builds the handler. A nil gatherer serves the default registry.
func New(svc Service, scorer Scorer, gatherer prometheus.Gatherer, logger *zap.Logger) *Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		service:  svc,
		scorer:   scorer,
		gatherer: gatherer,
		timeout:  5 * time.Minute,
		now:      time.Now,
		logger:   logger,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	r.Route("/subjects/{subjectID}/verifications", func(r chi.Router) {
		r.Use(middleware.Timeout(h.timeout))
		r.Post("/", h.handleVerify)
		r.Get("/", h.handleListRecords)
	})
	r.Post("/scoring/compute", h.handleComputeScore)
	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote_addr", r.RemoteAddr))
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type verifyRequest struct {
	Types   []string          `json:"types"`
	Context map[string]string `json:"context"`
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")

	var req verifyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	requested := make([]model.VerificationType, 0, len(req.Types))
	for _, raw := range req.Types {
		t, err := model.ParseVerificationType(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		requested = append(requested, t)
	}

	result, err := h.service.Verify(r.Context(), subjectID, requested, req.Context)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, service.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrSuperseded):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "result": result})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "verification interrupted")
	default:
		h.logger.Error("verification failed", zap.String("subject_id", subjectID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "verification failed")
	}
}

type recordView struct {
	ID                        string                 `json:"id"`
	Type                      model.VerificationType `json:"type"`
	Source                    string                 `json:"source"`
	Status                    model.Status           `json:"status"`
	Reason                    string                 `json:"reason,omitempty"`
	Attempts                  int                    `json:"attempts"`
	Score                     *scoring.Result        `json:"score,omitempty"`
	ResponseTimestamp         *time.Time             `json:"response_timestamp,omitempty"`
	ResponseLatencyMs         int64                  `json:"response_latency_ms"`
	ExpiresAt                 *time.Time             `json:"expires_at,omitempty"`
	RequiresReverification    bool                   `json:"requires_reverification"`
	LastReverificationCheckAt *time.Time             `json:"last_reverification_check_at,omitempty"`
	CreatedAt                 time.Time              `json:"created_at"`
}

func newRecordView(r *model.VerificationRecord, now time.Time) recordView {
	return recordView{
		ID:                        r.ID,
		Type:                      r.Type,
		Source:                    r.Source,
		Status:                    r.EffectiveStatus(now),
		Reason:                    r.Audit.Reason,
		Attempts:                  r.Audit.Attempts,
		Score:                     r.Audit.Score,
		ResponseTimestamp:         r.ResponseTimestamp,
		ResponseLatencyMs:         r.ResponseLatencyMs,
		ExpiresAt:                 r.ExpiresAt,
		RequiresReverification:    r.RequiresReverification,
		LastReverificationCheckAt: r.LastReverificationCheckAt,
		CreatedAt:                 r.CreatedAt,
	}
}

func (h *Handler) handleListRecords(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")

	records, err := h.service.Records(r.Context(), subjectID)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("failed to list verification records", zap.String("subject_id", subjectID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list verification records")
		return
	}

	now := h.now()
	views := make([]recordView, 0, len(records))
	for _, rec := range records {
		views = append(views, newRecordView(rec, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{"subject_id": subjectID, "records": views})
}

func (h *Handler) handleComputeScore(w http.ResponseWriter, r *http.Request) {
	var in scoring.Input
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := h.scorer.Compute(in)
	if err != nil {
		if errors.Is(err, scoring.ErrInvalidInput) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.logger.Error("failed to compute score", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute score")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
