package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-swarm/internal/controller"
	"github.com/JakeFAU/crawl-swarm/internal/metrics"
	"github.com/JakeFAU/crawl-swarm/internal/progress"
	"github.com/JakeFAU/crawl-swarm/internal/swarm"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxBodyBytes          = 4 << 20
)

// Controller is the slice of controller.Controller the API drives.
type Controller interface {
	Start(ctx context.Context, targets []swarm.Target) (controller.Status, controller.AddResult, error)
	AddTargets(ctx context.Context, targets []swarm.Target) (controller.AddResult, error)
	BeginStop() <-chan struct{}
	Status() controller.Status
	Recent(limit int) []swarm.CrawlOutcome
}

// EventSource hands out event subscriptions.
type EventSource interface {
	Subscribe(name string, buffer int) *progress.Subscription
}

// Options tunes the server.
type Options struct {
	// RequestTimeout bounds non-streaming routes (default 30s).
	RequestTimeout time.Duration
	// EventBuffer sizes each WebSocket listener (hub default when zero).
	EventBuffer int
	// Metrics serves /metrics; defaults to the process registry.
	Metrics http.Handler
	// Ready reports readiness; nil means always ready.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the swarm controller.
type Server struct {
	router  chi.Router
	ctl     Controller
	events  EventSource
	results *ResultsHandler
	opts    Options
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. events and
// results may be nil, which disables the stream and archive routes.
func NewServer(ctl Controller, events EventSource, results *ResultsHandler, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Handler()
	}
	metrics.Init()
	if results == nil {
		results = NewResultsHandler(ctl, nil, logger)
	}
	s := &Server{
		ctl:     ctl,
		events:  events,
		results: results,
		opts:    opts,
		logger:  logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", opts.Metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/swarm/events", s.streamEvents)
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(opts.RequestTimeout))
			r.Route("/swarm", func(r chi.Router) {
				r.Post("/start", s.start)
				r.Post("/targets", s.addTargets)
				r.Post("/stop", s.stop)
				r.Get("/status", s.status)
				r.Get("/results", s.results.Recent)
			})
			r.Get("/outcomes", s.results.Archived)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type targetsRequest struct {
	Targets []swarm.Target `json:"targets"`
}

type startResponse struct {
	Status   controller.Status      `json:"status"`
	Accepted []swarm.TargetID       `json:"accepted"`
	Rejected []controller.Rejection `json:"rejected"`
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	var req targetsRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	status, result, err := s.ctl.Start(r.Context(), req.Targets)
	if err != nil {
		if errors.Is(err, controller.ErrStopping) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("start swarm failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start swarm")
		return
	}
	writeJSON(w, http.StatusOK, startResponse{
		Status:   status,
		Accepted: nonNil(result.Accepted),
		Rejected: nonNil(result.Rejected),
	})
}

func (s *Server) addTargets(w http.ResponseWriter, r *http.Request) {
	var req targetsRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	result, err := s.ctl.AddTargets(r.Context(), req.Targets)
	if err != nil {
		if errors.Is(err, controller.ErrNotRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("add targets failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to add targets")
		return
	}
	writeJSON(w, http.StatusAccepted, controller.AddResult{
		Accepted: nonNil(result.Accepted),
		Rejected: nonNil(result.Rejected),
	})
}

func (s *Server) stop(w http.ResponseWriter, _ *http.Request) {
	s.ctl.BeginStop()
	writeJSON(w, http.StatusAccepted, map[string]controller.State{"state": s.ctl.Status().State})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	st := s.ctl.Status()
	st.Workers = nonNil(st.Workers)
	writeJSON(w, http.StatusOK, st)
}

// decodeBody reads a JSON body. When allowEmpty is set an empty body decodes
// to the zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
