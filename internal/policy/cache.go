package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

const (
	defaultCacheSize = 10000
	defaultCacheTTL  = 5 * time.Minute

	decisionKeyPrefix   = "authz:decision"
	versionKeyPrefix    = "authz:version"
	invalidationChannel = "authz.invalidate"
)

// DecisionKey identifies a cached decision.
type DecisionKey struct {
	OrganizationID string
	Subject        string
	RoleID         string
	Resource       string
	Action         string
}

func (k DecisionKey) String() string {
	return strings.Join([]string{k.OrganizationID, k.Subject, k.RoleID, k.Resource, k.Action}, "|")
}

// matches reports whether an invalidation scope covers the key.
func (k DecisionKey) matches(scope rbac.Scope) bool {
	if scope.OrganizationID != "" && k.OrganizationID != scope.OrganizationID {
		return false
	}
	if scope.Subject == "" {
		return true
	}
	return k.Subject == scope.Subject || (k.RoleID != "" && rbac.RoleSubject(k.RoleID) == scope.Subject)
}

// DecisionCache stores allow/deny outcomes.
type DecisionCache interface {
	Get(ctx context.Context, key DecisionKey) (allowed bool, found bool, err error)
	Set(ctx context.Context, key DecisionKey, allowed bool) error
	Invalidate(ctx context.Context, scope rbac.Scope) error
}

// MemoryDecisionCache is a bounded in-process cache with a TTL safety net.
type MemoryDecisionCache struct {
	lru *expirable.LRU[DecisionKey, bool]
}

// NewMemoryDecisionCache builds a cache holding at most size entries for ttl.
func NewMemoryDecisionCache(size int, ttl time.Duration) *MemoryDecisionCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &MemoryDecisionCache{lru: expirable.NewLRU[DecisionKey, bool](size, nil, ttl)}
}

// Get returns a cached decision.
func (c *MemoryDecisionCache) Get(_ context.Context, key DecisionKey) (bool, bool, error) {
	allowed, ok := c.lru.Get(key)
	return allowed, ok, nil
}

// Set stores a decision.
func (c *MemoryDecisionCache) Set(_ context.Context, key DecisionKey, allowed bool) error {
	c.lru.Add(key, allowed)
	return nil
}

// Invalidate drops every entry covered by scope.
func (c *MemoryDecisionCache) Invalidate(_ context.Context, scope rbac.Scope) error {
	if scope.IsGlobal() {
		c.lru.Purge()
		return nil
	}
	for _, key := range c.lru.Keys() {
		if key.matches(scope) {
			c.lru.Remove(key)
		}
	}
	return nil
}

// Len reports the number of live entries.
func (c *MemoryDecisionCache) Len() int {
	return c.lru.Len()
}

// RedisDecisionCache shares decisions between instances. Every entry embeds
// the current version of its global, organization and subject namespaces, so
// invalidation is a single INCR and stale entries simply age out.
type RedisDecisionCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDecisionCache builds a redis-backed cache.
func NewRedisDecisionCache(client *redis.Client, ttl time.Duration) *RedisDecisionCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &RedisDecisionCache{client: client, ttl: ttl}
}

func versionKey(scope rbac.Scope) string {
	switch {
	case scope.OrganizationID == "" && scope.Subject == "":
		return versionKeyPrefix
	case scope.Subject == "":
		return versionKeyPrefix + ":" + scope.OrganizationID
	default:
		return versionKeyPrefix + ":" + scope.OrganizationID + ":" + scope.Subject
	}
}

func (c *RedisDecisionCache) entryKey(ctx context.Context, key DecisionKey) (string, error) {
	versionKeys := []string{
		versionKey(rbac.Scope{}),
		versionKey(rbac.Scope{OrganizationID: key.OrganizationID}),
		versionKey(rbac.Scope{OrganizationID: key.OrganizationID, Subject: key.Subject}),
	}
	if key.RoleID != "" {
		versionKeys = append(versionKeys, versionKey(rbac.Scope{OrganizationID: key.OrganizationID, Subject: rbac.RoleSubject(key.RoleID)}))
	}
	values, err := c.client.MGet(ctx, versionKeys...).Result()
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(values)+2)
	parts = append(parts, decisionKeyPrefix)
	for _, v := range values {
		ver := int64(0)
		if s, ok := v.(string); ok {
			ver, _ = strconv.ParseInt(s, 10, 64)
		}
		parts = append(parts, "v"+strconv.FormatInt(ver, 10))
	}
	parts = append(parts, key.String())
	return strings.Join(parts, ":"), nil
}

// Get returns a cached decision.
func (c *RedisDecisionCache) Get(ctx context.Context, key DecisionKey) (bool, bool, error) {
	entry, err := c.entryKey(ctx, key)
	if err != nil {
		return false, false, err
	}
	value, err := c.client.Get(ctx, entry).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return value == "1", true, nil
}

// Set stores a decision.
func (c *RedisDecisionCache) Set(ctx context.Context, key DecisionKey, allowed bool) error {
	entry, err := c.entryKey(ctx, key)
	if err != nil {
		return err
	}
	value := "0"
	if allowed {
		value = "1"
	}
	return c.client.Set(ctx, entry, value, c.ttl).Err()
}

// Invalidate bumps the version of the namespace named by scope.
func (c *RedisDecisionCache) Invalidate(ctx context.Context, scope rbac.Scope) error {
	return c.client.Incr(ctx, versionKey(scope)).Err()
}

// InvalidationBus fans invalidations out to every instance over redis pub/sub
// so that in-process caches on other nodes drop their entries too.
type InvalidationBus struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewInvalidationBus builds a bus on the default channel.
func NewInvalidationBus(client *redis.Client, logger *slog.Logger) *InvalidationBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &InvalidationBus{client: client, channel: invalidationChannel, logger: logger}
}

type scopeMessage struct {
	OrganizationID string `json:"organizationId,omitempty"`
	Subject        string `json:"subject,omitempty"`
}

// Publish announces an invalidation.
func (b *InvalidationBus) Publish(ctx context.Context, scope rbac.Scope) error {
	if b == nil || b.client == nil {
		return nil
	}
	payload, err := json.Marshal(scopeMessage{OrganizationID: scope.OrganizationID, Subject: scope.Subject})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Listen applies announced invalidations to cache until ctx is done.
func (b *InvalidationBus) Listen(ctx context.Context, cache DecisionCache) error {
	if b == nil || b.client == nil || cache == nil {
		return nil
	}
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var scope scopeMessage
				if err := json.Unmarshal([]byte(msg.Payload), &scope); err != nil {
					b.logger.Warn("decode invalidation", slog.String("payload", msg.Payload), slog.Any("error", err))
					continue
				}
				if err := cache.Invalidate(ctx, rbac.Scope{OrganizationID: scope.OrganizationID, Subject: scope.Subject}); err != nil {
					b.logger.Warn("apply invalidation", slog.Any("error", err))
				}
			}
		}
	}()
	return nil
}
