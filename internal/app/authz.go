package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-authz/internal/observability"
	"github.com/odyssey-erp/odyssey-authz/internal/policy"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/internal/roles"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
	"github.com/odyssey-erp/odyssey-authz/internal/users"
)

// Authz bundles the access-control services shared by the API and the worker.
type Authz struct {
	Roles       *roles.Service
	Evaluator   *rbac.Evaluator
	Assignments *users.Repository
	Users       *users.Service
	Engine      policy.Engine
	Cache       policy.DecisionCache
	Bus         *policy.InvalidationBus
}

// AuthzDeps lists the infrastructure NewAuthz builds on.
type AuthzDeps struct {
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	Registerer prometheus.Registerer
	Audit      shared.AuditRecorder
	Logger     *slog.Logger
}

// NewAuthz wires role store, evaluator, policy engine and assignments in
// dependency order. The engine reads roles and bindings, and both role and
// assignment changes invalidate the engine's decision cache.
func NewAuthz(cfg *Config, deps AuthzDeps) (*Authz, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	roleService := roles.NewService(roles.NewRepository(deps.Pool), deps.Audit, logger)
	evaluator := rbac.NewEvaluator(roleService, rbac.EvaluatorConfig{
		SuperAdminRole:  cfg.SuperAdminRole,
		SuperAdminUsers: cfg.SuperAdminUsers,
	}, logger)
	assignments := users.NewRepository(deps.Pool)

	cache, err := decisionCache(cfg, deps.Redis)
	if err != nil {
		return nil, err
	}
	var bus *policy.InvalidationBus
	if deps.Redis != nil {
		bus = policy.NewInvalidationBus(deps.Redis, logger)
	}

	engine, err := policy.New(policy.Config{
		Engine: cfg.PolicyEngine,
		Remote: policy.RemoteConfig{
			BaseURL:  cfg.PolicyEngineURL,
			APIKey:   cfg.PolicyEngineAPIKey,
			Timeout:  cfg.PolicyEngineTimeout,
			FailOpen: cfg.PolicyFailOpen,
		},
		Cache:   cache,
		Bus:     bus,
		Metrics: observability.NewDecisionMetrics(deps.Registerer),
		Logger:  logger,
	}, policy.Deps{
		Evaluator: evaluator,
		Roles:     roleService,
		Bindings:  assignments,
	})
	if err != nil {
		return nil, fmt.Errorf("policy engine: %w", err)
	}
	roleService.UseInvalidator(engine)

	return &Authz{
		Roles:       roleService,
		Evaluator:   evaluator,
		Assignments: assignments,
		Users:       users.NewService(assignments, roleService, engine, deps.Audit, logger),
		Engine:      engine,
		Cache:       cache,
		Bus:         bus,
	}, nil
}

// Start seeds built-in roles, loads the engine's policies for every known
// organization and subscribes the local cache to remote invalidations.
func (a *Authz) Start(ctx context.Context, logger *slog.Logger) error {
	if err := a.Roles.EnsureBuiltins(ctx); err != nil {
		return fmt.Errorf("ensure builtin roles: %w", err)
	}
	orgs, err := a.Assignments.ListOrganizations(ctx)
	if err != nil {
		return fmt.Errorf("list organizations: %w", err)
	}
	for _, orgID := range orgs {
		if _, err := a.Engine.SyncPolicies(ctx, orgID); err != nil {
			logger.Warn("initial policy sync", slog.String("org", orgID), slog.Any("error", err))
		}
	}
	return a.Bus.Listen(ctx, a.Cache)
}

func decisionCache(cfg *Config, client *redis.Client) (policy.DecisionCache, error) {
	switch strings.ToLower(cfg.PolicyCacheBackend) {
	case "", "memory":
		return policy.NewMemoryDecisionCache(cfg.PolicyCacheSize, cfg.PolicyCacheTTL), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("policy cache backend redis requires a redis client")
		}
		return policy.NewRedisDecisionCache(client, cfg.PolicyCacheTTL), nil
	default:
		return nil, fmt.Errorf("unsupported policy cache backend %q", cfg.PolicyCacheBackend)
	}
}
