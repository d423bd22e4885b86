// Package server exposes a Runtime over HTTP.
//
// Routes:
//
//	POST /v1/decisions/{key}/evaluate   evaluate a decision resolved by the loader
//	POST /v1/expressions/evaluate       standalone expression
//	POST /v1/expressions/unary          standalone unary test
//	POST /v1/templates/render           standalone template
//	GET  /healthz                       liveness
//	GET  /metrics                       Prometheus exposition, when a gatherer is set
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	zen "github.com/wippyai/zen-runtime"
)

// Server serves evaluations from one Runtime and one Engine. The engine
// can be replaced at runtime, for example when decision files change.
//
// Decision requests are serialised by the engine's lock, which is held
// while its loader and custom node callbacks run. A slow callback stalls
// every other decision request; expression and template requests do not
// use the engine and are unaffected.
type Server struct {
	rt       *zen.Runtime
	log      *zap.Logger
	gatherer prometheus.Gatherer
	defaults zen.EvaluationOptions
	maxBody  int64

	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration

	mu     sync.RWMutex
	engine *zen.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics mounts /metrics for g.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithDefaults sets the base evaluation options. Request options override
// only the fields they name.
func WithDefaults(opts zen.EvaluationOptions) Option {
	return func(s *Server) { s.defaults = opts }
}

// WithMaxBodyBytes limits request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) { s.maxBody = n }
}

// WithTimeouts sets the HTTP read and write timeouts and the graceful
// shutdown budget used by Run.
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		s.readTimeout, s.writeTimeout, s.shutdownTimeout = read, write, shutdown
	}
}

// New returns a server evaluating decisions with engine.
func New(rt *zen.Runtime, engine *zen.Engine, opts ...Option) *Server {
	s := &Server{
		rt:              rt,
		engine:          engine,
		log:             zap.NewNop(),
		maxBody:         4 << 20,
		readTimeout:     10 * time.Second,
		writeTimeout:    30 * time.Second,
		shutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SwapEngine installs engine and disposes the previous one once in-flight
// requests using it have finished. Requests on one engine run one at a
// time, so a callback that can block should carry its own timeout.
func (s *Server) SwapEngine(engine *zen.Engine) {
	s.mu.Lock()
	old := s.engine
	s.engine = engine
	s.mu.Unlock()

	if old != nil && old != engine {
		if err := old.Dispose(); err != nil {
			s.log.Warn("dispose replaced engine", zap.String("engine", old.ID()), zap.Error(err))
		}
	}
}

// withEngine runs fn with the current engine held against replacement.
func (s *Server) withEngine(fn func(*zen.Engine) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.engine == nil {
		return errNoEngine
	}
	return fn(s.engine)
}

var errNoEngine = stderrors.New("no engine configured")

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID, s.recoverer, s.logRequests)

	r.Get("/healthz", s.health)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
		}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/decisions/{key}/evaluate", s.evaluateDecision)
		r.Post("/expressions/evaluate", s.evaluateExpression)
		r.Post("/expressions/unary", s.evaluateUnary)
		r.Post("/templates/render", s.renderTemplate)
	})
	return r
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("serving", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		s.log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
