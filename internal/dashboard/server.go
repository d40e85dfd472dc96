// Package dashboard serves a read-only JSON API over stored runs.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/eddiefleurent/scranton_ledger/internal/backtest"
	"github.com/eddiefleurent/scranton_ledger/internal/logging"
	"github.com/eddiefleurent/scranton_ledger/internal/reconcile"
	"github.com/eddiefleurent/scranton_ledger/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

type Server struct {
	router    *chi.Mux
	server    *http.Server
	storage   storage.Interface
	logger    logrus.FieldLogger
	now       func() time.Time
	addr      string
	authToken string
}

type Config struct {
	Addr      string
	AuthToken string
}

// RunDetail is a stored run without its bulky trade and event lists
type RunDetail struct {
	storage.RunSummary
	PnLDiscrepancy string `json:"pnl_discrepancy"`
	SkippedTicks   int    `json:"skipped_ticks"`
	Ticks          int    `json:"ticks"`
	OpenPositions  int    `json:"open_positions"`
}

func NewServer(cfg Config, store storage.Interface, logger logrus.FieldLogger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		storage:   store,
		logger:    logging.OrDiscard(logger),
		now:       time.Now,
		addr:      cfg.Addr,
		authToken: cfg.AuthToken,
	}

	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Route("/api/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Get("/trades", s.handleGetTrades)
			r.Get("/balance", s.handleGetBalance)
			r.Get("/statistics", s.handleGetStatistics)
			r.Get("/audit", s.handleAudit)
		})
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := s.now()
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("Dashboard request")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on %s", s.addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.now().Unix(),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.storage.ListRuns(r.Context())
	if err != nil {
		s.fail(w, err, "Failed to list runs")
		return
	}
	s.writeJSON(w, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, RunDetail{
		RunSummary:     storage.Summarize(run, time.Time{}),
		PnLDiscrepancy: run.PnLDiscrepancy.String(),
		SkippedTicks:   run.SkippedTicks,
		Ticks:          run.Ticks,
		OpenPositions:  run.OpenPositions,
	})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, run.Trades)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, run.BalanceLog)
}

func (s *Server) handleGetStatistics(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, run.Statistics)
}

// handleAudit replays the stored events against the stored positions
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	events, err := s.storage.GetEvents(r.Context(), run.RunID)
	if err != nil {
		s.fail(w, err, "Failed to load events")
		return
	}
	s.writeJSON(w, reconcile.Audit(run.InitialBalance, events, run.Positions))
}

func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (*backtest.RunResult, bool) {
	id := chi.URLParam(r, "id")
	run, err := s.storage.GetRun(r.Context(), id)
	if err != nil {
		s.fail(w, err, "Failed to load run")
		return nil, false
	}
	return run, true
}

func (s *Server) fail(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	s.logger.WithError(err).Error(msg)
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
