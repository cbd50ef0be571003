package query

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bull/clinical-rag-agent/internal/domain"
)

const keyPrefix = "cds:answer:"

// Cache stores generated answers. A miss returns (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, key string) (*Answer, bool, error)
	Set(ctx context.Context, key string, answer *Answer) error
}

// RedisCache keeps answers in Redis with a fixed TTL.
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

var _ Cache = (*RedisCache)(nil)

// RedisOptions configures NewRedisCache.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	TTL      time.Duration
}

// NewRedisCache connects and verifies the connection with a PING.
func NewRedisCache(ctx context.Context, opts RedisOptions, logger *slog.Logger) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{rdb: rdb, ttl: opts.TTL, logger: logger.With("component", "answer-cache")}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Answer, bool, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	var answer Answer
	if err := json.Unmarshal(data, &answer); err != nil {
		return nil, false, fmt.Errorf("cache unmarshal: %w", err)
	}
	return &answer, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, answer *Answer) error {
	data, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("cache marshal: %w", err)
	}
	if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

// cacheKey hashes everything that determines an answer. The index generation
// is part of the key, so any published change invalidates earlier answers.
func cacheKey(generation uint64, text string, f domain.Filters, topK int) string {
	docIDs := append([]string(nil), f.DocumentIDs...)
	extIDs := append([]string(nil), f.ExternalIDs...)
	sort.Strings(docIDs)
	sort.Strings(extIDs)

	raw := fmt.Sprintf("gen=%d|q=%s|kind=%s|docs=%s|ext=%s|k=%d",
		generation,
		strings.Join(strings.Fields(strings.ToLower(text)), " "),
		f.Kind,
		strings.Join(docIDs, ","),
		strings.Join(extIDs, ","),
		topK,
	)
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s%x", keyPrefix, hash[:16])
}
