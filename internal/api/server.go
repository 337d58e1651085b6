package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/org/secretsync/internal/audit"
	"github.com/org/secretsync/internal/auth"
	"github.com/org/secretsync/internal/policy"
	"github.com/org/secretsync/internal/secret"
	"github.com/org/secretsync/internal/storage"
	"github.com/org/secretsync/pkg/models"
)

// Config holds server configuration.
type Config struct {
	ListenAddr      string
	TLSCertFile     string
	TLSKeyFile      string
	SerializePushes bool
	RateLimitRPS    float64
	RateLimitBurst  int
}

// DefaultConfig returns the configuration used for unset fields.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8200",
		SerializePushes: true,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// AuditLogger is the interface the server needs from an audit logger. It
// also receives engine events.
type AuditLogger interface {
	secret.EventSink
	LogRequest(ctx context.Context, entry *models.AuditEntry)
	Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error)
}

// eventSinks fans one event out to several sinks.
type eventSinks []secret.EventSink

func (s eventSinks) Emit(ctx context.Context, e secret.Event) {
	for _, sink := range s {
		sink.Emit(ctx, e)
	}
}

// Server is the API server.
type Server struct {
	store    storage.StorageBackend
	tokens   *auth.TokenService
	machines *auth.MachineIdentityService
	policy   *policy.Engine
	secrets  *secret.Service
	auditor  AuditLogger
	limiter  *rateLimiter
	cfg      Config
	httpSrv  *http.Server
}

// NewServer creates a fully wired Server.
func NewServer(store storage.StorageBackend, cfg Config) *Server {
	def := DefaultConfig()
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = def.RateLimitRPS
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = def.RateLimitBurst
	}

	tokenSvc := auth.NewTokenService(store)
	auditor := audit.NewLogger(store)
	return &Server{
		store:    store,
		tokens:   tokenSvc,
		machines: auth.NewMachineIdentityService(store, tokenSvc),
		policy:   policy.NewEngine(store),
		secrets: secret.NewService(store, secret.Config{
			SerializePushes: cfg.SerializePushes,
			Events:          eventSinks{auditor, metricsSink{}},
		}),
		auditor: auditor,
		limiter: newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		cfg:     cfg,
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(s.limiter.middleware)
	r.Use(auditMiddleware(s.auditor))

	// Prometheus metrics (unauthenticated)
	r.Handle("/metrics", MetricsHandler(s.store))

	// Public routes
	r.Group(func(r chi.Router) {
		r.Get("/v1/sys/health", s.HealthHandler)
		r.Post("/v1/sys/init", s.InitHandler)
		r.Post("/v1/auth/machine/login", s.MachineLoginHandler)
	})

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.tokens))

		r.Get("/v1/sys/audit-log", s.AuditLogHandler)

		// Policy
		r.Post("/v1/sys/policy/{name}", s.PolicyWriteHandler)
		r.Get("/v1/sys/policy/{name}", s.PolicyReadHandler)
		r.Delete("/v1/sys/policy/{name}", s.PolicyDeleteHandler)
		r.Get("/v1/sys/policy", s.PolicyListHandler)

		// Token auth
		r.Post("/v1/auth/token/create", s.TokenCreateHandler)
		r.Post("/v1/auth/token/revoke", s.TokenRevokeHandler)
		r.Get("/v1/auth/token/lookup-self", s.TokenLookupSelfHandler)
		r.Post("/v1/auth/token/renew-self", s.TokenRenewHandler)

		// Machine identities
		r.Post("/v1/auth/machine/identity", s.MachineCreateHandler)
		r.Get("/v1/auth/machine/identity/{name}", s.MachineReadHandler)
		r.Post("/v1/auth/machine/identity/{name}/client-secret", s.MachineSecretHandler)

		// Secrets
		r.Route("/v1/workspaces/{ws}", func(r chi.Router) {
			r.Post("/environments/{env}/secrets", s.PushHandler)
			r.Get("/environments/{env}/secrets", s.PullHandler)
			r.Post("/environments/{env}/secrets/decrypt", s.DecryptHandler)
			r.Get("/secrets/{id}/versions", s.VersionsHandler)
			r.Get("/snapshots", s.SnapshotListHandler)
			r.Get("/snapshots/{version}", s.SnapshotGetHandler)
		})
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.BuildRouter(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
