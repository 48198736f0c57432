// Package httpapi serves Bonito's two HTTP surfaces: the OpenAI-compatible
// wire API under /v1 and the management API under /api.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"bonito/internal/audit"
	"bonito/internal/auth"
	"bonito/internal/cache"
	"bonito/internal/config"
	"bonito/internal/crypto"
	"bonito/internal/domain"
	"bonito/internal/gateway"
	"bonito/internal/provider"
	"bonito/internal/secrets"
	"bonito/internal/storage/postgres"
)

// Pipeline is the gateway request pipeline. Satisfied by *gateway.Service.
type Pipeline interface {
	Admit(ctx context.Context, token, model string) (*gateway.Session, error)
	Complete(ctx context.Context, sess *gateway.Session, req *provider.Request) (*provider.Result, error)
	Stream(ctx context.Context, sess *gateway.Session, req *provider.Request) (<-chan provider.Chunk, error)
}

// Store is the slice of storage the HTTP layer reads and writes. Satisfied
// by *postgres.Store.
type Store interface {
	GetOrganization(ctx context.Context, id string) (*domain.Organization, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)

	CreateKey(ctx context.Context, k *domain.GatewayKey) error
	ListKeys(ctx context.Context, orgID string) ([]*domain.GatewayKey, error)
	RevokeKey(ctx context.Context, orgID, id string) error

	ListRequests(ctx context.Context, orgID string, f postgres.RequestFilter) ([]*domain.GatewayRequest, error)
	UsageSummary(ctx context.Context, orgID string, since, until time.Time) ([]postgres.ModelUsage, error)
	UsageByDay(ctx context.Context, orgID string, since, until time.Time) ([]postgres.DailyUsage, error)

	GetConfig(ctx context.Context, orgID string) (*domain.GatewayConfig, error)
	UpsertConfig(ctx context.Context, cfg *domain.GatewayConfig) error

	CreatePolicy(ctx context.Context, p *domain.RoutingPolicy) error
	GetPolicy(ctx context.Context, orgID, id string) (*domain.RoutingPolicy, error)
	ListPolicies(ctx context.Context, orgID string) ([]*domain.RoutingPolicy, error)
	UpdatePolicy(ctx context.Context, p *domain.RoutingPolicy) error
	DeletePolicy(ctx context.Context, orgID, id string) error

	CreateProvider(ctx context.Context, p *domain.CloudProvider) error
	ListProviders(ctx context.Context, orgID string) ([]*domain.CloudProvider, error)
	ListModels(ctx context.Context, orgID string) ([]*domain.Model, error)
	UpsertModel(ctx context.Context, m *domain.Model) error
	UpsertDeployment(ctx context.Context, d *domain.Deployment) error
	ListDeployments(ctx context.Context, orgID string) ([]*domain.Deployment, error)

	ListAuditLogs(ctx context.Context, orgID string, since time.Time, limit int) ([]*domain.AuditLog, error)

	Ping(ctx context.Context) error
}

// Deps are the wired services the server fronts.
type Deps struct {
	Store    Store
	Pipeline Pipeline
	Tokens   *auth.TokenService
	Vault    *crypto.Vault
	Cache    cache.Cache
	Secrets  *secrets.Store
	Audit    *audit.Service
	Metrics  http.Handler
}

// Server is the HTTP front of the gateway.
type Server struct {
	cfg      *config.Config
	store    Store
	pipeline Pipeline
	tokens   *auth.TokenService
	vault    *crypto.Vault
	cache    cache.Cache
	secrets  *secrets.Store
	audit    *audit.Service
	metrics  http.Handler

	http *http.Server
}

// NewServer builds the server and its router.
func NewServer(cfg *config.Config, d Deps) *Server {
	s := &Server{
		cfg:      cfg,
		store:    d.Store,
		pipeline: d.Pipeline,
		tokens:   d.Tokens,
		vault:    d.Vault,
		cache:    d.Cache,
		secrets:  d.Secrets,
		audit:    d.Audit,
		metrics:  d.Metrics,
	}
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port),
		Handler:      s.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// Router assembles the middleware chain and route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)
	r.Use(s.securityHeaders)
	r.Use(s.corsMiddleware)
	r.Use(s.maxBody)
	r.Use(middleware.Compress(5, "application/json", "text/event-stream"))

	// OpenAI-compatible wire API, authenticated by gateway key.
	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Post("/completions", s.handleCompletions)
		r.Post("/embeddings", s.handleEmbeddings)
		r.Get("/models", s.handleListModels)
	})

	// Management API, authenticated by control-plane JWT.
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/health/ready", s.handleReady)

		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/refresh", s.handleRefresh)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)
			r.Use(s.auditMiddleware)

			r.Post("/auth/logout", s.handleLogout)

			r.Route("/gateway", func(r chi.Router) {
				r.Post("/keys", s.handleCreateKey)
				r.Get("/keys", s.handleListKeys)
				r.Delete("/keys/{id}", s.handleRevokeKey)
				r.Get("/requests", s.handleListRequests)
				r.Get("/usage", s.handleUsage)
				r.Get("/config", s.handleGetConfig)
				r.Put("/config", s.handlePutConfig)
			})

			r.Route("/routing/policies", func(r chi.Router) {
				r.Post("/", s.handleCreatePolicy)
				r.Get("/", s.handleListPolicies)
				r.Get("/{id}", s.handleGetPolicy)
				r.Put("/{id}", s.handleUpdatePolicy)
				r.Patch("/{id}", s.handleUpdatePolicy)
				r.Delete("/{id}", s.handleDeletePolicy)
			})

			r.Post("/providers/connect", s.handleConnectProvider)
			r.Get("/providers", s.handleListProviders)
			r.Get("/deployments", s.handleListDeployments)

			r.Get("/audit/logs", s.handleListAuditLogs)
		})
	})

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	return r
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	slog.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady probes the dependencies a serving instance cannot do without.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	check := func(name string, err error) {
		if err != nil {
			checks[name] = err.Error()
			healthy = false
			return
		}
		checks[name] = "ok"
	}

	check("database", s.store.Ping(ctx))
	check("cache", s.cache.Ping(ctx))
	if s.secrets != nil {
		check("secrets", s.secrets.Ping(ctx))
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, envelope{
		Success:   healthy,
		Data:      map[string]any{"ready": healthy, "checks": checks},
		RequestID: middleware.GetReqID(r.Context()),
	})
}
