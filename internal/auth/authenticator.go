package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"fleet-monitor/analytics/internal/config"
)

// KeyLookup resolves an API key to its operator; "" means unknown.
type KeyLookup interface {
	GetAPIKey(ctx context.Context, apiKey string) (string, error)
}

const staticOperator = "static"

type cacheEntry struct {
	operator  string
	expiresAt time.Time
}

type Authenticator struct {
	localCache sync.Map
	keys       KeyLookup
	ttl        time.Duration
	staticKeys map[string]bool
	logger     *slog.Logger
	now        func() time.Time
}

// NewAuthenticator checks static keys first, then the local cache, then
// keys. keys may be nil when only static keys are configured.
func NewAuthenticator(cfg *config.Config, keys KeyLookup, logger *slog.Logger) *Authenticator {
	staticKeys := make(map[string]bool, len(cfg.ValidAPIKeys))
	for _, k := range cfg.ValidAPIKeys {
		if k != "" {
			staticKeys[k] = true
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Authenticator{
		keys:       keys,
		ttl:        cfg.AuthCacheTTL(),
		staticKeys: staticKeys,
		logger:     logger,
		now:        time.Now,
	}
}

// Validate returns the operator owning apiKey and whether the key is valid.
func (a *Authenticator) Validate(ctx context.Context, apiKey string) (string, bool) {
	if apiKey == "" {
		return "", false
	}

	// Level 0: static config keys
	if a.staticKeys[apiKey] {
		return staticOperator, true
	}

	// Level 1: in-memory cache
	if raw, ok := a.localCache.Load(apiKey); ok {
		entry := raw.(cacheEntry)
		if a.now().Before(entry.expiresAt) {
			return entry.operator, true
		}
		a.localCache.Delete(apiKey)
	}

	// Level 2: Redis lookup
	if a.keys == nil {
		return "", false
	}
	operator, err := a.keys.GetAPIKey(ctx, apiKey)
	if err != nil {
		a.logger.Warn("api key lookup failed", "error", err)
		return "", false
	}
	if operator == "" {
		return "", false
	}

	a.localCache.Store(apiKey, cacheEntry{
		operator:  operator,
		expiresAt: a.now().Add(a.ttl),
	})

	return operator, true
}
