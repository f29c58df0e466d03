// Package web provides the HTTP API for the subscription import/export
// service.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/subvault/subimport/internal/config"
	"github.com/subvault/subimport/internal/exporter"
	"github.com/subvault/subimport/internal/importer"
	"github.com/subvault/subimport/internal/metrics"
	"github.com/subvault/subimport/internal/store"
)

// Server is the HTTP server for the import/export API.
type Server struct {
	cfg      *config.Config
	store    store.Store
	spool    *importer.Spool
	builder  *importer.Builder
	limiter  *importer.ChunkLimiter
	export   *exporter.Exporter
	sched    *exporter.Scheduler
	metrics  *metrics.Metrics
	profiles map[string]importer.FieldMapping
	log      *slog.Logger

	router *chi.Mux
	server *http.Server
}

// NewServer wires the API over the given dependencies. profiles may be nil
// when no mapping profiles are configured.
func NewServer(
	cfg *config.Config,
	st store.Store,
	spool *importer.Spool,
	sched *exporter.Scheduler,
	m *metrics.Metrics,
	profiles map[string]importer.FieldMapping,
	log *slog.Logger,
) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		store:    st,
		spool:    spool,
		builder:  importer.NewBuilder(st),
		limiter:  importer.NewChunkLimiter(cfg.Import.MaxConcurrent, cfg.Import.MaxWaitTime),
		export:   exporter.New(st),
		sched:    sched,
		metrics:  m,
		profiles: profiles,
		log:      log,
		router:   chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(securityHeaders)

	if s.cfg.Rate.Enabled {
		limiter := newRateLimiter(s.cfg.Rate.RequestsPerMinute, time.Minute)
		s.router.Use(limiter.middleware(s.log))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/import", func(r chi.Router) {
			r.Post("/files", s.handleUploadFile)
			r.Post("/plan", s.handlePlan)

			// Chunk processing runs rows synchronously and may take
			// minutes; its timeout is the client's wall-clock boundary.
			r.With(middleware.Timeout(s.cfg.Import.ChunkTimeout)).
				Post("/chunk", s.handleChunk)

			r.Get("/runs/{runID}", s.handleGetImportRun)
		})

		r.Route("/export", func(r chi.Router) {
			r.Get("/", s.handleExport)
			r.Get("/columns", s.handleExportColumns)
			r.Post("/jobs", s.handleCreateExportJob)
			r.Get("/jobs/{jobID}", s.handleGetExportJob)
		})
	})
}

// Builder exposes the row builder so callers can register commit listeners.
func (s *Server) Builder() *importer.Builder {
	return s.builder
}

// Router returns the underlying chi router for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
	s.log.Info("server listening", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server, draining in-flight chunk work.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.limiter.Drain(ctx); err != nil {
		s.log.Warn("shutdown with chunks still active", "active", s.limiter.Active())
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.log, map[string]string{"status": "ok"})
}

// securityHeaders hardens every response. The API serves JSON and CSV only.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// rateLimiter is a token bucket per client IP.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int
	window   time.Duration
}

type visitor struct {
	tokens    int
	lastReset time.Time
}

func newRateLimiter(rate int, window time.Duration) *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
	}
	go rl.cleanup()
	return rl
}

// cleanup evicts stale visitor entries so the map does not grow unbounded.
func (rl *rateLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastReset) > rl.window*2 {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[ip]
	if !ok || time.Since(v.lastReset) > rl.window {
		rl.visitors[ip] = &visitor{tokens: rl.rate - 1, lastReset: time.Now()}
		return true
	}
	if v.tokens <= 0 {
		return false
	}
	v.tokens--
	return true
}

func (rl *rateLimiter) middleware(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.allow(r.RemoteAddr) {
				w.Header().Set("Retry-After", "60")
				writeError(w, log, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
