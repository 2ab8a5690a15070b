package compressor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Cache stores compressed outputs keyed by content and quality.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte) error
}

// RedisCache is a Cache backed by Redis.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, addr, password string, db int, prefix string, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}, nil
}

// Get returns the cached bytes for key. A miss is not an error.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get cache: %w", err)
	}
	return data, true, nil
}

// Set stores data under key with the configured TTL.
func (c *RedisCache) Set(ctx context.Context, key string, data []byte) error {
	if err := c.client.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// CachedCompressor serves repeated requests from a Cache and delegates misses.
// Cache failures are logged and never fail a compression.
type CachedCompressor struct {
	next  Compressor
	cache Cache
	log   logrus.FieldLogger
}

// NewCachedCompressor wraps next with cache lookups.
func NewCachedCompressor(next Compressor, cache Cache, log logrus.FieldLogger) *CachedCompressor {
	return &CachedCompressor{next: next, cache: cache, log: log}
}

// Compress implements Compressor.
func (c *CachedCompressor) Compress(ctx context.Context, req Request) (*Result, error) {
	if len(req.Image) == 0 {
		return nil, ErrEmptyImage
	}

	if req.Quality == 0 {
		req.Quality = c.defaultQuality()
	}
	key := CacheKey(req.Image, req.Quality)
	start := time.Now()

	data, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.log.WithError(err).Warn("Cache lookup failed")
	}
	if ok {
		res := &Result{
			Data:           data,
			ContentType:    "image/jpeg",
			Quality:        ClampQuality(req.Quality),
			OriginalSize:   int64(len(req.Image)),
			CompressedSize: int64(len(data)),
			CacheHit:       true,
			CacheChecked:   true,
			StartedAt:      start,
			FinishedAt:     time.Now(),
		}
		res.PercentageSaved = float64(res.OriginalSize-res.CompressedSize) * 100 / float64(res.OriginalSize)
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			res.Width, res.Height = cfg.Width, cfg.Height
		}
		if _, format, err := image.DecodeConfig(bytes.NewReader(req.Image)); err == nil {
			res.SourceFormat = format
		}
		return res, nil
	}

	res, err := c.next.Compress(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := c.cache.Set(ctx, key, res.Data); err != nil {
		c.log.WithError(err).Warn("Cache store failed")
	}
	res.CacheChecked = true
	return res, nil
}

// defaultQuality resolves quality 0 the way the wrapped compressor would,
// so keys for defaulted requests match what was actually encoded.
func (c *CachedCompressor) defaultQuality() int {
	if d, ok := c.next.(interface{ DefaultQuality() int }); ok {
		return d.DefaultQuality()
	}
	return DefaultQuality
}

// CacheKey derives the cache key for an image at a quality.
func CacheKey(image []byte, quality int) string {
	sum := sha256.Sum256(image)
	return fmt.Sprintf("jpeg:%d:%s", ClampQuality(quality), hex.EncodeToString(sum[:]))
}
