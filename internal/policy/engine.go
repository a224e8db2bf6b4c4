package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-authz/internal/observability"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// Config selects and tunes the engine built by New.
type Config struct {
	Engine  string
	Remote  RemoteConfig
	Cache   DecisionCache
	Bus     *InvalidationBus
	Metrics *observability.DecisionMetrics
	Logger  *slog.Logger
}

// Deps are the stores the engines read from.
type Deps struct {
	Evaluator *rbac.Evaluator
	Roles     RoleSource
	Bindings  BindingSource
}

// New builds the configured engine once at startup, wrapped with the decision cache.
func New(cfg Config, deps Deps) (Engine, error) {
	var (
		inner Engine
		err   error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Engine)) {
	case "", EngineMock:
		inner, err = NewLocalRoleEngine(deps.Evaluator, deps.Roles, deps.Bindings, cfg.Logger)
	case EngineExternal:
		inner, err = NewRemotePolicyEngine(cfg.Remote, deps.Roles, deps.Bindings, cfg.Logger)
	default:
		return nil, fmt.Errorf("unsupported policy engine %q", cfg.Engine)
	}
	if err != nil {
		return nil, err
	}
	return NewCachedEngine(inner, cfg.Cache, cfg.Bus, cfg.Metrics, cfg.Logger), nil
}

// cachedEngine memoizes successful decisions of the wrapped engine and drops
// them whenever policy state changes.
type cachedEngine struct {
	Engine
	cache   DecisionCache
	bus     *InvalidationBus
	metrics *observability.DecisionMetrics
	logger  *slog.Logger
	group   singleflight.Group
	// epoch advances before every purge; a decision computed across an
	// invalidation is returned but not kept.
	epoch atomic.Uint64
}

// NewCachedEngine wraps inner with cache. A nil cache gets an in-memory default.
func NewCachedEngine(inner Engine, cache DecisionCache, bus *InvalidationBus, metrics *observability.DecisionMetrics, logger *slog.Logger) Engine {
	if cache == nil {
		cache = NewMemoryDecisionCache(0, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &cachedEngine{Engine: inner, cache: cache, bus: bus, metrics: metrics, logger: logger}
}

type decision struct {
	allowed bool
}

func (c *cachedEngine) Evaluate(ctx context.Context, check Check) (bool, error) {
	check = check.normalize()
	if err := check.Validate(); err != nil {
		return false, err
	}
	if check.Snapshot != nil {
		return c.evaluate(ctx, check)
	}

	key := check.cacheKey()
	if allowed, found, err := c.cache.Get(ctx, key); err != nil {
		c.logger.Warn("decision cache get", slog.Any("error", err))
	} else if found {
		c.metrics.CacheHit()
		return allowed, nil
	}
	c.metrics.CacheMiss()

	// Followers share the leader's evaluation, so it must outlive the
	// leader's cancellation; each caller still honors its own ctx below.
	shared := context.WithoutCancel(ctx)
	resultChan := c.group.DoChan(key.String(), func() (interface{}, error) {
		epoch := c.epoch.Load()
		allowed, err := c.evaluate(shared, check)
		if err != nil {
			return decision{allowed: allowed}, err
		}
		c.store(shared, key, allowed, epoch)
		return decision{allowed: allowed}, nil
	})
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res := <-resultChan:
		d, _ := res.Val.(decision)
		return d.allowed, res.Err
	}
}

// store caches a decision computed under epoch. An invalidation that lands
// while the entry is written bumps the epoch first, so the entry is dropped
// again here or by that invalidation's purge.
func (c *cachedEngine) store(ctx context.Context, key DecisionKey, allowed bool, epoch uint64) {
	if c.epoch.Load() != epoch {
		return
	}
	if err := c.cache.Set(ctx, key, allowed); err != nil {
		c.logger.Warn("decision cache set", slog.Any("error", err))
		return
	}
	if c.epoch.Load() == epoch {
		return
	}
	if err := c.cache.Invalidate(ctx, rbac.Scope{OrganizationID: key.OrganizationID, Subject: key.Subject}); err != nil {
		c.logger.Warn("decision cache drop", slog.Any("error", err))
	}
}

func (c *cachedEngine) evaluate(ctx context.Context, check Check) (bool, error) {
	started := time.Now()
	allowed, err := c.Engine.Evaluate(ctx, check)
	if errors.Is(err, ErrPolicyBackendUnavailable) {
		c.metrics.BackendError(c.Name())
	}
	c.metrics.ObserveDecision(c.Name(), allowed && err == nil, started)
	return allowed, err
}

func (c *cachedEngine) AddPolicy(ctx context.Context, record Record) (bool, error) {
	added, err := c.Engine.AddPolicy(ctx, record)
	if err != nil || !added {
		return added, err
	}
	return true, c.InvalidateCache(ctx, record.Normalize().scope())
}

func (c *cachedEngine) RemovePolicy(ctx context.Context, record Record) (bool, error) {
	removed, err := c.Engine.RemovePolicy(ctx, record)
	if err != nil || !removed {
		return removed, err
	}
	return true, c.InvalidateCache(ctx, record.Normalize().scope())
}

func (c *cachedEngine) SyncPolicies(ctx context.Context, tenantID string) (bool, error) {
	ok, err := c.Engine.SyncPolicies(ctx, tenantID)
	if err != nil || !ok {
		return ok, err
	}
	return true, c.InvalidateCache(ctx, rbac.Scope{OrganizationID: tenantID})
}

func (c *cachedEngine) InvalidateCache(ctx context.Context, scope rbac.Scope) error {
	c.epoch.Add(1)
	if err := c.cache.Invalidate(ctx, scope); err != nil {
		return err
	}
	if err := c.Engine.InvalidateCache(ctx, scope); err != nil {
		return err
	}
	if err := c.bus.Publish(ctx, scope); err != nil {
		c.logger.Warn("publish invalidation", slog.Any("error", err))
	}
	return nil
}
