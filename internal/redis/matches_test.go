package redis

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/caro-server/internal/domain"
)

// Set CARO_TEST_REDIS_ADDR to run against a live server. The tests use DB 15
// and flush it.
func newTestCache(t *testing.T, recentLimit int64) *MatchCache {
	t.Helper()
	addr := os.Getenv("CARO_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CARO_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())
	require.NoError(t, client.FlushDB(ctx).Err())

	cache := NewMatchCacheWithClient(client, recentLimit, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		cache.Close()
	})
	return cache
}

func record(i int) domain.MatchRecord {
	finished := time.Unix(1700000000+int64(i), 0).UTC()
	return domain.MatchRecord{
		ID:         uuid.NewString(),
		PlayerX:    fmt.Sprintf("x%d", i),
		PlayerO:    fmt.Sprintf("o%d", i),
		Winner:     domain.NoWinner,
		Reason:     domain.ReasonDraw,
		BoardSize:  5,
		StartedAt:  finished.Add(-time.Minute),
		FinishedAt: finished,
	}
}

func TestSaveAndGet(t *testing.T) {
	cache := newTestCache(t, 10)
	ctx := context.Background()
	rec := record(1)

	require.NoError(t, cache.SaveMatch(ctx, rec))
	require.NoError(t, cache.SaveMatch(ctx, rec))

	got, err := cache.GetMatch(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec.PlayerX, got.PlayerX)
	require.True(t, rec.FinishedAt.Equal(got.FinishedAt))

	n, err := cache.CountMatches(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = cache.GetMatch(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrMatchNotFound)
}

func TestRecentListIsCapped(t *testing.T) {
	cache := newTestCache(t, 3)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		rec := record(i)
		ids = append(ids, rec.ID)
		require.NoError(t, cache.SaveMatch(ctx, rec))
	}

	recs, err := cache.ListMatches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, ids[4], recs[0].ID)
	require.Equal(t, ids[2], recs[2].ID)

	// the record outlives its slot in the recent list
	_, err = cache.GetMatch(ctx, ids[0])
	require.NoError(t, err)
}
