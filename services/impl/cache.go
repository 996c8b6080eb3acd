package impl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tomehub/tomehub/config"
	"github.com/tomehub/tomehub/services"
)

const (
	// cacheKeyPrefix namespaces every key written by this service.
	cacheKeyPrefix = "tomehub"

	// defaultCacheTTL is used when callers pass a non-positive TTL.
	defaultCacheTTL = 30 * 60

	// maxCacheTTL bounds all writes (24 hours).
	maxCacheTTL = 24 * 60 * 60
)

// multiLayerCache implements services.CacheService with an in-memory L1 and an
// optional Redis L2. Reads probe L1 then L2; writes go to both.
type multiLayerCache struct {
	memCache map[string]cacheEntry
	mu       sync.RWMutex

	redis *redis.Client

	enabled  bool
	useRedis bool
}

type cacheEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewCacheService connects to Redis when configured, otherwise stays
// memory-only. Redis connection failures degrade silently to L1.
func NewCacheService(cfg *config.RedisConfig) (services.CacheService, error) {
	if cfg == nil || !cfg.EnableCache {
		return &multiLayerCache{enabled: false}, nil
	}

	svc := &multiLayerCache{
		memCache: make(map[string]cacheEntry),
		enabled:  true,
	}

	if cfg.Host != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Password: cfg.Password,
			DB:       cfg.DB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := redisClient.Ping(ctx).Err(); err == nil {
			svc.redis = redisClient
			svc.useRedis = true
		}
	}

	return svc, nil
}

// NewCacheServiceWithRedis wires an existing Redis client (tests use miniredis).
func NewCacheServiceWithRedis(redisClient *redis.Client) services.CacheService {
	return &multiLayerCache{
		memCache: make(map[string]cacheEntry),
		redis:    redisClient,
		enabled:  true,
		useRedis: redisClient != nil,
	}
}

func (c *multiLayerCache) Get(ctx context.Context, key string, out any) (bool, error) {
	if !c.enabled {
		return false, nil
	}
	prefixed := c.prefixKey(key)

	c.mu.RLock()
	entry, exists := c.memCache[prefixed]
	c.mu.RUnlock()
	if exists {
		if time.Now().After(entry.expiresAt) {
			c.mu.Lock()
			delete(c.memCache, prefixed)
			c.mu.Unlock()
		} else if err := json.Unmarshal(entry.data, out); err == nil {
			return true, nil
		}
	}

	if c.useRedis && c.redis != nil {
		data, err := c.redis.Get(ctx, prefixed).Bytes()
		if err == nil {
			if err := json.Unmarshal(data, out); err != nil {
				c.redis.Del(ctx, prefixed)
				return false, nil
			}
			// Promote to L1 with a short TTL so repeat reads stay local.
			c.setInMemCache(prefixed, data, time.Minute)
			return true, nil
		}
		if err != redis.Nil {
			return false, nil
		}
	}

	return false, nil
}

func (c *multiLayerCache) Set(ctx context.Context, key string, value any, ttlSeconds int) error {
	if !c.enabled {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal: %w", err)
	}

	if ttlSeconds <= 0 {
		ttlSeconds = defaultCacheTTL
	}
	if ttlSeconds > maxCacheTTL {
		ttlSeconds = maxCacheTTL
	}
	ttl := time.Duration(ttlSeconds) * time.Second
	prefixed := c.prefixKey(key)

	c.setInMemCache(prefixed, data, ttl)

	if c.useRedis && c.redis != nil {
		// Redis errors are swallowed; L1 already holds the value.
		_ = c.redis.Set(ctx, prefixed, data, ttl).Err()
	}
	return nil
}

func (c *multiLayerCache) setInMemCache(prefixedKey string, data []byte, ttl time.Duration) {
	c.mu.Lock()
	c.memCache[prefixedKey] = cacheEntry{
		data:      data,
		expiresAt: time.Now().Add(ttl),
	}
	c.mu.Unlock()
}

func (c *multiLayerCache) Invalidate(ctx context.Context, pattern string) error {
	if !c.enabled {
		return nil
	}
	prefixedPattern := c.prefixKey(pattern)

	if c.useRedis && c.redis != nil {
		var cursor uint64
		for {
			keys, newCursor, err := c.redis.Scan(ctx, cursor, prefixedPattern, 100).Result()
			if err != nil {
				break
			}
			if len(keys) > 0 {
				c.redis.Del(ctx, keys...)
			}
			cursor = newCursor
			if cursor == 0 {
				break
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.memCache {
		if matchPattern(key, prefixedPattern) {
			delete(c.memCache, key)
		}
	}
	return nil
}

func matchPattern(key, pattern string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	}
	return key == pattern
}

func (c *multiLayerCache) IsUsingRedis() bool {
	return c.useRedis
}

func (c *multiLayerCache) prefixKey(key string) string {
	return fmt.Sprintf("%s:%s", cacheKeyPrefix, key)
}

// GenerateCacheKey builds a deterministic key from service name and routing
// inputs. Model/version strings participate so upgrades are cache-safe.
func GenerateCacheKey(service, query, userID, bookID string, limit int, version string) string {
	keyData := fmt.Sprintf("%s:%s:%s:%s:%d:%s", service, query, userID, bookID, limit, version)
	sum := sha256.Sum256([]byte(keyData))
	return service + ":" + hex.EncodeToString(sum[:16])
}
