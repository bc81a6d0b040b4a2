package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/caro-server/internal/domain"
)

type memoryStore struct {
	name string

	mu      sync.Mutex
	fail    bool
	records map[string]domain.MatchRecord
	order   []string
	writes  int
}

func newMemoryStore(name string) *memoryStore {
	return &memoryStore{name: name, records: make(map[string]domain.MatchRecord)}
}

func (m *memoryStore) Name() string { return m.name }

func (m *memoryStore) SaveMatch(_ context.Context, rec domain.MatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.fail {
		return errors.New("unavailable")
	}
	if _, ok := m.records[rec.ID]; !ok {
		m.order = append(m.order, rec.ID)
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *memoryStore) setFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

func (m *memoryStore) GetMatch(_ context.Context, id string) (*domain.MatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, domain.ErrMatchNotFound
	}
	return &rec, nil
}

func (m *memoryStore) ListMatches(_ context.Context, limit int) ([]domain.MatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.MatchRecord
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.records[m.order[i]])
	}
	return out, nil
}

func (m *memoryStore) CountMatches(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.records)), nil
}

func newService(maxPending int, stores ...Store) *HistoryService {
	return NewHistoryService(stores, maxPending, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRecordFansOut(t *testing.T) {
	a, b := newMemoryStore("a"), newMemoryStore("b")
	svc := newService(10, a, b)

	require.NoError(t, svc.Record(context.Background(), domain.MatchRecord{ID: "m1"}))
	require.Contains(t, a.records, "m1")
	require.Contains(t, b.records, "m1")
	require.Zero(t, svc.Pending())
}

func TestFailedWriteIsRetried(t *testing.T) {
	ok, flaky := newMemoryStore("ok"), newMemoryStore("flaky")
	flaky.setFail(true)
	svc := newService(10, ok, flaky)
	ctx := context.Background()

	err := svc.Record(ctx, domain.MatchRecord{ID: "m1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "flaky")
	require.Equal(t, 1, svc.Pending())

	done, remaining := svc.RetryPending(ctx)
	require.Zero(t, done)
	require.Equal(t, 1, remaining)

	flaky.setFail(false)
	done, remaining = svc.RetryPending(ctx)
	require.Equal(t, 1, done)
	require.Zero(t, remaining)
	require.Contains(t, flaky.records, "m1")

	// the healthy store is not rewritten by retries
	require.Equal(t, 1, ok.writes)
}

func TestPendingQueueIsBounded(t *testing.T) {
	down := newMemoryStore("down")
	down.setFail(true)
	svc := newService(2, down)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		require.Error(t, svc.Record(ctx, domain.MatchRecord{ID: id}))
	}
	require.Equal(t, 2, svc.Pending())

	stats := svc.Stats(ctx)
	require.EqualValues(t, 1, stats.Dropped)
	require.Equal(t, []string{"down"}, stats.Stores)

	down.setFail(false)
	svc.RetryPending(ctx)
	require.NotContains(t, down.records, "m1")
	require.Contains(t, down.records, "m2")
	require.Contains(t, down.records, "m3")
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	down := newMemoryStore("down")
	down.setFail(true)
	svc := newService(10, down)

	require.Error(t, svc.Record(context.Background(), domain.MatchRecord{ID: "m1"}))
	require.Error(t, svc.Record(context.Background(), domain.MatchRecord{ID: "m2"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done, remaining := svc.RetryPending(ctx)
	require.Zero(t, done)
	require.Equal(t, 2, remaining)
}

func TestReadsUseFirstReader(t *testing.T) {
	publisher := newMemoryStore("kafka")
	db := newMemoryStore("sqlite")
	svc := newService(10, writeOnlyStore{publisher}, db)
	ctx := context.Background()

	require.NoError(t, svc.Record(ctx, domain.MatchRecord{ID: "m1", Winner: "an"}))
	require.NoError(t, svc.Record(ctx, domain.MatchRecord{ID: "m2", Winner: "binh"}))

	rec, err := svc.GetMatch(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, "an", rec.Winner)

	recs, err := svc.ListMatches(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "m2", recs[0].ID)

	stats := svc.Stats(ctx)
	require.NotNil(t, stats.Stored)
	require.EqualValues(t, 2, *stats.Stored)
}

func TestReadsWithoutReader(t *testing.T) {
	svc := newService(10, writeOnlyStore{newMemoryStore("kafka")})

	_, err := svc.GetMatch(context.Background(), "m1")
	require.ErrorIs(t, err, ErrNoReadableStore)
	_, err = svc.ListMatches(context.Background(), 10)
	require.ErrorIs(t, err, ErrNoReadableStore)
}

// writeOnlyStore hides the read methods of the wrapped store
type writeOnlyStore struct {
	inner *memoryStore
}

func (w writeOnlyStore) Name() string { return w.inner.Name() }

func (w writeOnlyStore) SaveMatch(ctx context.Context, rec domain.MatchRecord) error {
	return w.inner.SaveMatch(ctx, rec)
}
