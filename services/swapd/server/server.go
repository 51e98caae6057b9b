package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ledgerswap/observability"
	"ledgerswap/services/swapd/orchestrator"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress  string
	TLS            TLSConfig
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	RateLimit      RateLimit
}

// TLSConfig describes TLS settings for the listener.
type TLSConfig struct {
	Disabled bool
	CertFile string
	KeyFile  string
	Config   *tls.Config
}

// Swapper runs and inspects settlements.
type Swapper interface {
	Swap(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error)
	Get(ctx context.Context, ref string) (orchestrator.Result, error)
	Reconcile(ctx context.Context, ref string) (orchestrator.Result, error)
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators behind the HTTP surface. Requesters and Admin
// may be nil: a nil Requesters accepts anonymous swaps and a nil Admin
// disables operator endpoints.
type Deps struct {
	Swaps       Swapper
	Idempotency IdempotencyStore
	Health      Pinger
	Requesters  *RequesterAuth
	Admin       *AdminAuth
	Logger      *slog.Logger
}

// Server hosts the swap API.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	router http.Handler
}

// New constructs the HTTP server.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Swaps == nil {
		return nil, errors.New("server: swapper required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, deps: deps, logger: logger}
	s.router = s.routes()
	return s, nil
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() http.Handler {
	limiter := newRateLimiter(s.cfg.RateLimit)
	idempotent := withIdempotency(s.deps.Idempotency, s.cfg.MaxBodyBytes, s.logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/swap", func(sr chi.Router) {
		sr.Group(func(pr chi.Router) {
			pr.Use(s.deps.Requesters.Middleware)
			pr.With(limiter.Middleware("swap.native_to_asset"), idempotent).Post("/native-to-asset", s.handleNativeToAsset)
			pr.With(limiter.Middleware("swap.asset_to_native"), idempotent).Post("/asset-to-native", s.handleAssetToNative)
			pr.Get("/settlements/{ref}", s.handleGetSettlement)
		})
		sr.With(s.deps.Admin.Middleware).Post("/settlements/{ref}/reconcile", s.handleReconcile)
	})
	return otelhttp.NewHandler(r, "swapd.http")
}

// observe records request latency under the matched route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.HTTP().Observe(route, r.Method, status, time.Since(start))
	})
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.router,
		TLSConfig:         s.cfg.TLS.Config,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", "addr", s.cfg.ListenAddress, "tls", !s.cfg.TLS.Disabled)
	var err error
	if s.cfg.TLS.Disabled {
		err = srv.ListenAndServe()
	} else {
		err = srv.ListenAndServeTLS(strings.TrimSpace(s.cfg.TLS.CertFile), strings.TrimSpace(s.cfg.TLS.KeyFile))
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "store": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, detail string) {
	writeJSON(w, status, errorBody{Error: kind, Detail: detail})
}
