package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"intentbook/gateway/middleware"
	"intentbook/native/common"
	"intentbook/native/lightclient"
	"intentbook/native/orderbook"
	"intentbook/services/intentd/storage"
)

// Rate limit groups.
const (
	LimitPublic  = "public"
	LimitMatches = "matches"
	LimitAdmin   = "admin"
)

// AccountHeader names the caller when authentication is disabled.
const AccountHeader = "X-Account"

// Config captures the dependencies required to construct the server.
type Config struct {
	ListenAddress string
	Book          *orderbook.Book
	Pauses        *common.Pauses
	// Heights is set when the embedded light client is in use so operators
	// can advance finalized heights.
	Heights       *lightclient.Stub
	Journal       *storage.Journal
	DB            *gorm.DB
	Auth          *middleware.Authenticator
	OperatorScope string
	RateLimits    map[string]middleware.RateLimit
	LogRequests   bool
	Logger        *slog.Logger
}

// Server exposes the order book over HTTP.
type Server struct {
	cfg     Config
	book    *orderbook.Book
	logger  *slog.Logger
	auth    *middleware.Authenticator
	limiter *middleware.RateLimiter
	obs     *middleware.Observability
	router  http.Handler
}

func New(cfg Config) (*Server, error) {
	if cfg.Book == nil {
		return nil, fmt.Errorf("server: order book required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Pauses == nil {
		cfg.Pauses = common.NewPauses()
	}
	if cfg.Auth == nil {
		cfg.Auth = middleware.NewAuthenticator(middleware.AuthConfig{}, cfg.Logger)
	}
	if cfg.OperatorScope == "" {
		cfg.OperatorScope = "intentbook:operator"
	}
	s := &Server{
		cfg:     cfg,
		book:    cfg.Book,
		logger:  cfg.Logger,
		auth:    cfg.Auth,
		limiter: middleware.NewRateLimiter(cfg.RateLimits, cfg.Logger),
		obs:     middleware.NewObservability("intentd", cfg.LogRequests, cfg.Logger),
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware())
		r.Use(s.idempotent)

		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware(LimitPublic))
			s.route(r, http.MethodGet, "/balances/{owner}/{asset}", "balances.get", s.handleBalance)
			s.route(r, http.MethodPost, "/intents", "intents.make", s.handleMakeIntent)
			s.route(r, http.MethodGet, "/intents", "intents.open", s.handleOpenIntents)
			s.route(r, http.MethodGet, "/intents/{id}", "intents.get", s.handleGetIntent)
			s.route(r, http.MethodPost, "/intents/{id}/take", "intents.take", s.handleTakeIntent)
			s.route(r, http.MethodPost, "/intents/{id}/cancel", "intents.cancel", s.handleCancelIntent)
			s.route(r, http.MethodGet, "/subintents/{id}", "subintents.get", s.handleGetSubIntent)
			s.route(r, http.MethodGet, "/subintents/{id}/expectation", "subintents.expectation", s.handleExpectation)
			s.route(r, http.MethodPost, "/subintents/{id}/retry", "subintents.retry", s.handleRetry)
			s.route(r, http.MethodPost, "/subintents/{id}/verify", "subintents.verify", s.handleVerifyTransition)
			s.route(r, http.MethodPost, "/deposits/verify", "deposits.verify", s.handleVerifyDeposit)
			s.route(r, http.MethodPost, "/withdrawals", "withdrawals.create", s.handleWithdraw)
			s.route(r, http.MethodGet, "/events", "events.list", s.handleEvents)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware(LimitMatches))
			s.route(r, http.MethodPost, "/matches", "matches.submit", s.handleBatchMatch)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.requireOperator)
			s.route(r, http.MethodPost, "/signatures/callback", "signatures.callback", s.handleSignatureCallback)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.auth.Middleware(s.cfg.OperatorScope))
		r.Use(s.limiter.Middleware(LimitAdmin))
		r.Use(s.idempotent)
		s.route(r, http.MethodPost, "/deposits", "admin.deposits", s.handleAdminDeposit)
		s.route(r, http.MethodPut, "/lightclient/{chain}/height", "admin.lightclient_height", s.handleSetHeight)
		s.route(r, http.MethodPost, "/modules/{module}/pause", "admin.pause", s.handlePause(true))
		s.route(r, http.MethodPost, "/modules/{module}/resume", "admin.resume", s.handlePause(false))
		s.route(r, http.MethodGet, "/audit", "admin.audit", s.handleAudit)
	})

	return otelhttp.NewHandler(r, "intentd")
}

func (s *Server) route(r chi.Router, method, pattern, name string, h http.HandlerFunc) {
	r.With(s.obs.Middleware(name)).Method(method, pattern, h)
}

func (s *Server) idempotent(next http.Handler) http.Handler {
	return WithIdempotency(s.cfg.DB, next)
}

// requireOperator enforces the operator scope inside an already
// authenticated group.
func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth.Enabled() && !hasScope(middleware.Scopes(r.Context()), s.cfg.OperatorScope) {
			writeError(w, http.StatusForbidden, "insufficient scope")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hasScope(scopes []string, want string) bool {
	for _, scope := range scopes {
		if scope == want {
			return true
		}
	}
	return false
}

// caller resolves the acting account: the token subject when authentication
// is enabled, otherwise the X-Account header.
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	account := middleware.Subject(r.Context())
	if account == "" && !s.auth.Enabled() {
		account = r.Header.Get(AccountHeader)
	}
	if account == "" {
		writeError(w, http.StatusUnauthorized, "caller account required")
		return "", false
	}
	return account, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"paused": s.cfg.Pauses.Paused(),
	})
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", slog.String("addr", s.cfg.ListenAddress))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}
