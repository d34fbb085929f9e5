// Package api serves the webhook relay, operational endpoints and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"certsync/internal/chain"
	"certsync/internal/listener"
	"certsync/internal/queue"
)

// Listeners is the registry surface the admin endpoints need.
type Listeners interface {
	ActiveListeners() []listener.Listener
	Resubscribe(addr common.Address) error
	ResubscribeAll() error
}

// Jobs is the operator surface of the ingestion queue.
type Jobs interface {
	Failed(ctx context.Context, limit int) ([]queue.Job, error)
	Retry(ctx context.Context, key string) error
}

// Contract reports the health of one contract binding.
type Contract interface {
	Name() string
	Address() common.Address
	Healthy() bool
}

// Pinger is a dependency checked by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Listen          string
	RateLimit       float64
	RateBurst       int
	ShutdownTimeout time.Duration
	// AdminPassword is the basic auth password of AdminUser. Empty leaves /admin unmounted.
	AdminPassword string
}

// AdminUser is the basic auth user of the /admin routes.
const AdminUser = "admin"

// Deps are the components the server reports on and drives.
type Deps struct {
	Connection interface{ Status() chain.Status }
	Contracts  []Contract
	Listeners  Listeners
	Jobs       Jobs
	Store      Pinger
	Webhook    interface{ Routes(r chi.Router) }
	Gatherer   prometheus.Gatherer
}

type Server struct {
	cfg     Config
	deps    Deps
	logger  *zap.Logger
	router  *chi.Mux
	limiter *RateLimiter
	server  *http.Server
}

func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("api"),
		router: chi.NewRouter(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealth)
	if s.deps.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	if s.deps.Webhook != nil {
		s.router.Group(func(r chi.Router) {
			if s.cfg.RateLimit > 0 {
				s.limiter = NewRateLimiter(s.cfg.RateLimit, s.cfg.RateBurst)
				r.Use(s.limiter.Middleware(s.logger))
			}
			s.deps.Webhook.Routes(r)
		})
	}

	if s.cfg.AdminPassword == "" {
		s.logger.Warn("admin password not set, admin routes disabled")
		return
	}
	s.router.Route("/admin", func(r chi.Router) {
		r.Use(middleware.BasicAuth("certsync", map[string]string{AdminUser: s.cfg.AdminPassword}))
		r.Get("/listeners", s.handleListeners)
		r.Post("/resubscribe", s.handleResubscribeAll)
		r.Post("/resubscribe/{address}", s.handleResubscribe)
		r.Get("/jobs/failed", s.handleFailedJobs)
		r.Post("/jobs/{key}/retry", s.handleRetryJob)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.cfg.Listen))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	var cleanup <-chan time.Time
	if s.limiter != nil {
		ticker := time.NewTicker(s.limiter.cleanupTTL)
		defer ticker.Stop()
		cleanup = ticker.C
	}

	for {
		select {
		case err := <-errCh:
			return err
		case <-cleanup:
			s.limiter.Cleanup()
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
			defer cancel()
			if err := s.server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http shutdown: %w", err)
			}
			return <-errCh
		}
	}
}

type contractHealth struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Healthy bool   `json:"healthy"`
}

type healthResponse struct {
	Status     string           `json:"status"`
	Timestamp  string           `json:"timestamp"`
	Connection *chain.Status    `json:"connection,omitempty"`
	Contracts  []contractHealth `json:"contracts"`
	Store      string           `json:"store,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Contracts: make([]contractHealth, 0, len(s.deps.Contracts)),
	}

	if s.deps.Connection != nil {
		st := s.deps.Connection.Status()
		resp.Connection = &st
		if st.State != chain.StateConnected.String() {
			resp.Status = "degraded"
		}
	}
	for _, c := range s.deps.Contracts {
		healthy := c.Healthy()
		resp.Contracts = append(resp.Contracts, contractHealth{Name: c.Name(), Address: c.Address().Hex(), Healthy: healthy})
		if !healthy {
			resp.Status = "degraded"
		}
	}
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			resp.Store = err.Error()
			resp.Status = "degraded"
		} else {
			resp.Store = "ok"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleListeners(w http.ResponseWriter, r *http.Request) {
	listeners := s.deps.Listeners.ActiveListeners()
	writeJSON(w, http.StatusOK, map[string]any{"total": len(listeners), "listeners": listeners})
}

func (s *Server) handleResubscribeAll(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Listeners.ResubscribeAll(); err != nil {
		s.logger.Error("resubscribe all failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("listeners resubscribed by operator")
	s.handleListeners(w, r)
}

func (s *Server) handleResubscribe(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid address %q", raw))
		return
	}
	addr := common.HexToAddress(raw)
	if err := s.deps.Listeners.Resubscribe(addr); err != nil {
		if errors.Is(err, listener.ErrUnknownContract) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error("resubscribe failed", zap.String("contract", addr.Hex()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("contract resubscribed by operator", zap.String("contract", addr.Hex()))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "contract": addr.Hex()})
}

func (s *Server) handleFailedJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	jobs, err := s.deps.Jobs.Failed(r.Context(), limit)
	if err != nil {
		s.logger.Error("list failed jobs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []queue.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(jobs), "jobs": jobs})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.deps.Jobs.Retry(r.Context(), key); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error("retry job", zap.String("job", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("job retried by operator", zap.String("job", key))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "key": key})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
