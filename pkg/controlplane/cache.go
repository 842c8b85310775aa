package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/harunnryd/callbridge/pkg/cache"
	"github.com/harunnryd/callbridge/pkg/logging"
)

const DefaultSessionTTL = 600 * time.Second

// SessionCache keeps resolved sessions in a local LRU and, when a redis
// client is set, in redis so other instances can reuse them.
type SessionCache struct {
	local     *cache.Cache[string, Session]
	rdb       redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	logger    *slog.Logger
}

func NewSessionCache(size int, ttl time.Duration, rdb redis.UniversalClient) *SessionCache {
	if size <= 0 {
		size = 1000
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionCache{
		local:     cache.New[string, Session](size, ttl),
		rdb:       rdb,
		keyPrefix: "callbridge:session:",
		ttl:       ttl,
		logger:    logging.NewComponentLogger(nil, "session_cache"),
	}
}

// NewRedisClient returns nil when addr is empty.
func NewRedisClient(addr, password string, db int) redis.UniversalClient {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

func (c *SessionCache) key(id string) string { return c.keyPrefix + id }

func (c *SessionCache) Get(ctx context.Context, id string) (Session, bool) {
	if s, ok := c.local.Get(id); ok {
		return s, true
	}
	if c.rdb == nil {
		return Session{}, false
	}
	data, err := c.rdb.Get(ctx, c.key(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("session_cache_redis_get_failed", slog.String("session_id", id), slog.String("error", err.Error()))
		}
		return Session{}, false
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		c.logger.Warn("session_cache_decode_failed", slog.String("session_id", id), slog.String("error", err.Error()))
		return Session{}, false
	}
	c.local.Set(id, s)
	return s, true
}

func (c *SessionCache) Set(ctx context.Context, id string, s Session) {
	c.local.Set(id, s)
	if c.rdb == nil {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, c.key(id), data, c.ttl).Err(); err != nil {
		c.logger.Warn("session_cache_redis_set_failed", slog.String("session_id", id), slog.String("error", err.Error()))
	}
}

func (c *SessionCache) Delete(ctx context.Context, id string) {
	c.local.Delete(id)
	if c.rdb != nil {
		_ = c.rdb.Del(ctx, c.key(id)).Err()
	}
}

func (c *SessionCache) Stats() cache.Stats { return c.local.Stats() }
