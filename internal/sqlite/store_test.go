package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caro-server/internal/domain"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(id string, finished time.Time) domain.MatchRecord {
	return domain.MatchRecord{
		ID:         id,
		PlayerX:    "an",
		PlayerO:    "binh",
		Winner:     "an",
		Reason:     domain.ReasonWin,
		BoardSize:  15,
		StartedAt:  finished.Add(-time.Minute).UTC(),
		FinishedAt: finished.UTC(),
		Moves: []domain.MoveRecord{
			{X: 7, Y: 7, Symbol: domain.SymbolX, Timestamp: finished.Add(-50 * time.Second).Unix()},
			{X: 8, Y: 8, Symbol: domain.SymbolO, Timestamp: finished.Add(-40 * time.Second).Unix()},
		},
	}
}

func TestSaveAndGetMatch(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	rec := record("m1", time.Date(2024, 5, 1, 12, 0, 0, 500, time.UTC))

	require.NoError(t, s.SaveMatch(ctx, rec))

	got, err := s.GetMatch(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, rec, *got)
}

func TestSaveMatchIsIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	rec := record("m1", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	require.NoError(t, s.SaveMatch(ctx, rec))
	require.NoError(t, s.SaveMatch(ctx, rec))

	rec.Reason = domain.ReasonTimeout
	require.NoError(t, s.SaveMatch(ctx, rec))

	n, err := s.CountMatches(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	got, err := s.GetMatch(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, domain.ReasonTimeout, got.Reason)
}

func TestGetMatchNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.GetMatch(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrMatchNotFound)
}

func TestListMatchesNewestFirst(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveMatch(ctx, record("a", base)))
	require.NoError(t, s.SaveMatch(ctx, record("b", base.Add(1500*time.Millisecond))))
	require.NoError(t, s.SaveMatch(ctx, record("c", base.Add(time.Second))))

	recs, err := s.ListMatches(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "b", recs[0].ID)
	require.Equal(t, "c", recs[1].ID)
}

func TestSaveMatchWithoutMoves(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	rec := record("empty", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	rec.Moves = nil
	rec.Winner = domain.NoWinner
	rec.Reason = domain.ReasonDisconnect

	require.NoError(t, s.SaveMatch(ctx, rec))

	got, err := s.GetMatch(ctx, "empty")
	require.NoError(t, err)
	require.Empty(t, got.Moves)
	require.Equal(t, domain.NoWinner, got.Winner)
}
