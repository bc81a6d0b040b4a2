package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/caro-server/internal/config"
	"github.com/caro-server/internal/domain"
)

// recentKey holds the ids of the latest finished matches, newest first
const recentKey = "matches:recent"

// MatchCache keeps finished matches and a capped recent list in Redis
type MatchCache struct {
	client      *redis.Client
	recentLimit int64
	ttl         time.Duration
	logger      *slog.Logger
}

// NewMatchCache connects to Redis
func NewMatchCache(cfg *config.RedisConfig, logger *slog.Logger) (*MatchCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewMatchCacheWithClient(client, int64(cfg.RecentLimit), cfg.MatchTTL, logger), nil
}

// NewMatchCacheWithClient wraps an existing client
func NewMatchCacheWithClient(client *redis.Client, recentLimit int64, ttl time.Duration, logger *slog.Logger) *MatchCache {
	if recentLimit <= 0 {
		recentLimit = 500
	}
	return &MatchCache{
		client:      client,
		recentLimit: recentLimit,
		ttl:         ttl,
		logger:      logger,
	}
}

// Name identifies the store in logs
func (c *MatchCache) Name() string {
	return "redis"
}

// Close closes the Redis connection
func (c *MatchCache) Close() error {
	return c.client.Close()
}

// Ping checks Redis is reachable
func (c *MatchCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// matchKey returns the Redis key for a match record
func (c *MatchCache) matchKey(id string) string {
	return fmt.Sprintf("match:%s", id)
}

// SaveMatch stores the record and moves its id to the head of the recent list.
// Saving the same record twice leaves one entry.
func (c *MatchCache) SaveMatch(ctx context.Context, rec domain.MatchRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling match: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.matchKey(rec.ID), data, c.ttl)
	pipe.LRem(ctx, recentKey, 0, rec.ID)
	pipe.LPush(ctx, recentKey, rec.ID)
	pipe.LTrim(ctx, recentKey, 0, c.recentLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving match: %w", err)
	}
	return nil
}

// GetMatch returns one cached match
func (c *MatchCache) GetMatch(ctx context.Context, id string) (*domain.MatchRecord, error) {
	data, err := c.client.Get(ctx, c.matchKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrMatchNotFound
		}
		return nil, fmt.Errorf("getting match: %w", err)
	}

	var rec domain.MatchRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling match: %w", err)
	}
	return &rec, nil
}

// ListMatches returns up to limit recent matches, newest first. Ids whose
// record has expired are skipped.
func (c *MatchCache) ListMatches(ctx context.Context, limit int) ([]domain.MatchRecord, error) {
	ids, err := c.client.LRange(ctx, recentKey, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing recent matches: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.matchKey(id)
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("getting recent matches: %w", err)
	}

	recs := make([]domain.MatchRecord, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec domain.MatchRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			c.logger.Warn("skipping unreadable cached match", "match_id", ids[i], "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// CountMatches returns the length of the recent list
func (c *MatchCache) CountMatches(ctx context.Context) (int64, error) {
	n, err := c.client.LLen(ctx, recentKey).Result()
	if err != nil {
		return 0, fmt.Errorf("counting matches: %w", err)
	}
	return n, nil
}
