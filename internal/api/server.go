// Package api exposes the HTTP interface for the crawl engine: the
// webhook ingest endpoint the async provider calls back, manual site
// triggering, and the schedule audit.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jobsift/crawler/internal/metrics"
	"github.com/jobsift/crawler/internal/schedule"
	"github.com/jobsift/crawler/internal/scrape"
)

// Config controls the HTTP server.
type Config struct {
	// WebhookSecret, when set, must match the X-Webhook-Secret header
	// on provider callbacks.
	WebhookSecret string
	// APIKey, when set, gates the management routes.
	APIKey  string
	Timeout time.Duration
}

// Server wires HTTP handlers to the store and auditor.
type Server struct {
	router  chi.Router
	store   scrape.Store
	auditor *schedule.Auditor
	clock   scrape.Clock
	cfg     Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(store scrape.Store, auditor *schedule.Auditor, clock scrape.Clock, cfg Config, logger *zap.Logger) *Server {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	s := &Server{
		store:   store,
		auditor: auditor,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(cfg.Timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(s.webhookSecretMiddleware).Post("/webhooks/{provider}", s.ingestWebhook)

		r.Group(func(r chi.Router) {
			if cfg.APIKey != "" {
				r.Use(apiKeyMiddleware(cfg.APIKey))
			}
			r.Get("/sites", s.listSites)
			r.Post("/sites/{site_id}/trigger", s.triggerSite)
			r.Get("/schedule/audit", s.scheduleAudit)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ListSchedules(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type webhookBody struct {
	JobID    string                  `json:"job_id"`
	Event    string                  `json:"event"`
	Status   string                  `json:"status"`
	Metadata *scrape.WebhookMetadata `json:"metadata,omitempty"`
}

// ingestWebhook persists a provider callback for the ingest loop. The
// handler stays write-only: all processing happens asynchronously so
// the provider gets its 202 fast and never retries into a timeout.
func (s *Server) ingestWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var body webhookBody
	if err := json.Unmarshal(raw, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.JobID == "" || body.Event == "" {
		s.writeError(w, http.StatusBadRequest, "job_id and event are required")
		return
	}

	ev := scrape.WebhookEvent{
		JobID:      body.JobID,
		Event:      body.Event,
		Status:     body.Status,
		Payload:    raw,
		ReceivedAt: s.clock.Now(),
	}
	if body.Metadata != nil {
		ev.Metadata = *body.Metadata
	} else if placeholder, err := s.store.WebhookForJob(r.Context(), body.JobID); err == nil && placeholder != nil {
		ev.Metadata = placeholder.Metadata
	}

	id, err := s.store.InsertWebhookEvent(r.Context(), ev)
	if err != nil {
		s.logger.Error("insert webhook event failed",
			zap.String("job_id", body.JobID),
			zap.Error(err),
		)
		s.writeError(w, http.StatusInternalServerError, "store write failed")
		return
	}
	s.logger.Info("webhook received",
		zap.String("provider", chi.URLParam(r, "provider")),
		zap.String("job_id", body.JobID),
		zap.String("event", body.Event),
	)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"event_id": id})
}

func (s *Server) listSites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.store.ListSites(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "list sites failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sites": sites})
}

func (s *Server) triggerSite(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "site_id")
	at := s.clock.Now()
	if err := s.store.TriggerSite(r.Context(), siteID, at); err != nil {
		s.writeError(w, http.StatusNotFound, "site not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"site_id":      siteID,
		"triggered_at": at.Format(time.RFC3339),
	})
}

func (s *Server) scheduleAudit(w http.ResponseWriter, r *http.Request) {
	verdicts, err := s.auditor.Report(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "audit failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sites": verdicts})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		metrics.ObserveHTTPRequest(r.Method, r.URL.Path, ww.status, time.Since(start))
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) webhookSecretMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.WebhookSecret != "" {
			got := r.Header.Get("X-Webhook-Secret")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.WebhookSecret)) != 1 {
				s.writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeJSONStatic(w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSONStatic(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
