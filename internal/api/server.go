package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"channel-pipeline/internal/api/middleware"
	"channel-pipeline/internal/models"
	"channel-pipeline/internal/pipeline"
	"channel-pipeline/internal/ratelimit"
	"channel-pipeline/internal/store"
	"channel-pipeline/internal/telemetry"
)

const maxBodyBytes = 64 << 10

// Submitter is the submission stage as seen by the ingress.
type Submitter interface {
	Submit(ctx context.Context, req pipeline.SubmitRequest) (models.Job, error)
}

// Limiter admits or rejects a submission from client.
type Limiter interface {
	Admit(ctx context.Context, client string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the ingress API.
type Server struct {
	submitter Submitter
	store     store.JobStore
	limiter   Limiter
	proxies   []netip.Prefix
	logger    *zap.Logger
}

// New constructs the API server. limiter may be nil to disable admission
// control.
func New(sub Submitter, st store.JobStore, limiter Limiter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		submitter: sub,
		store:     st,
		limiter:   limiter,
		logger:    logger,
	}
}

// TrustProxies makes the server take the client address from forwarding
// headers, but only on requests arriving from one of proxies.
func (s *Server) TrustProxies(proxies []netip.Prefix) *Server {
	s.proxies = proxies
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.TrustedRealIP(s.proxies))
	r.Use(middleware.CorrelationID)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.With(chimw.RequestSize(maxBodyBytes), s.admit).Post("/submit", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleGetJob)
	return r
}

type submitResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobID"`
	Message string `json:"message"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req pipeline.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		telemetry.SubmissionsRejected.WithLabelValues("decode").Inc()
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	job, err := s.submitter.Submit(r.Context(), req)
	if err != nil {
		s.mapError(w, r, err, "Failed to submit job")
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{
		Success: true,
		JobID:   job.JobID,
		Message: "Job submitted successfully",
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.mapError(w, r, err, "Failed to load job")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, models.ErrJobNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// admit applies the per-client token bucket.
func (s *Server) admit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.limiter.Admit(r.Context(), clientKey(r))
		if err != nil {
			s.logger.Error("rate limiter failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			if d.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			}
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// mapError translates pipeline errors to HTTP status codes. Validation
// errors are shown to the caller; everything else is a 500 with msg.
func (s *Server) mapError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case models.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, msg)
	}
}

func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
