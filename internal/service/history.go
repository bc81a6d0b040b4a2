package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/caro-server/internal/domain"
)

// ErrNoReadableStore is returned by history reads when no configured store supports them
var ErrNoReadableStore = errors.New("no readable history store configured")

// Store accepts finished matches. SaveMatch must be idempotent by match id.
type Store interface {
	Name() string
	SaveMatch(ctx context.Context, rec domain.MatchRecord) error
}

// Reader is implemented by stores that can serve history queries
type Reader interface {
	GetMatch(ctx context.Context, id string) (*domain.MatchRecord, error)
	ListMatches(ctx context.Context, limit int) ([]domain.MatchRecord, error)
}

// Counter is implemented by stores that can count stored matches
type Counter interface {
	CountMatches(ctx context.Context) (int64, error)
}

type pendingWrite struct {
	rec      domain.MatchRecord
	stores   []Store
	attempts int
}

// HistoryStats describes the state of the history pipeline
type HistoryStats struct {
	Stores  []string `json:"stores"`
	Pending int      `json:"pending"`
	Dropped int64    `json:"dropped"`
	Stored  *int64   `json:"stored,omitempty"`
}

// HistoryService fans finished matches out to every configured store and
// queues failed writes for retry
type HistoryService struct {
	stores     []Store
	maxPending int
	logger     *slog.Logger

	mu      sync.Mutex
	pending []pendingWrite
	dropped int64
}

// NewHistoryService creates a history service over stores
func NewHistoryService(stores []Store, maxPending int, logger *slog.Logger) *HistoryService {
	if maxPending <= 0 {
		maxPending = 1000
	}
	return &HistoryService{
		stores:     stores,
		maxPending: maxPending,
		logger:     logger,
	}
}

// Record writes rec to every store. Stores that fail are queued for retry
// and the combined error is returned.
func (s *HistoryService) Record(ctx context.Context, rec domain.MatchRecord) error {
	failed, err := s.write(ctx, rec, s.stores)
	if len(failed) > 0 {
		s.enqueue(pendingWrite{rec: rec, stores: failed, attempts: 1})
	}
	return err
}

// RetryPending retries every queued write once and returns how many
// writes completed and how many remain queued
func (s *HistoryService) RetryPending(ctx context.Context) (done, remaining int) {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	for i, pw := range batch {
		if ctx.Err() != nil {
			for _, rest := range batch[i:] {
				s.enqueue(rest)
			}
			break
		}

		failed, err := s.write(ctx, pw.rec, pw.stores)
		if len(failed) == 0 {
			done++
			s.logger.Info("match history write recovered", "match_id", pw.rec.ID, "attempts", pw.attempts+1)
			continue
		}
		pw.stores = failed
		pw.attempts++
		s.logger.Warn("match history retry failed", "match_id", pw.rec.ID, "attempts", pw.attempts, "error", err)
		s.enqueue(pw)
	}

	return done, s.Pending()
}

// Pending returns the number of queued writes
func (s *HistoryService) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// GetMatch returns a finished match from the first readable store
func (s *HistoryService) GetMatch(ctx context.Context, id string) (*domain.MatchRecord, error) {
	r := s.reader()
	if r == nil {
		return nil, ErrNoReadableStore
	}
	return r.GetMatch(ctx, id)
}

// ListMatches returns recent finished matches from the first readable store
func (s *HistoryService) ListMatches(ctx context.Context, limit int) ([]domain.MatchRecord, error) {
	r := s.reader()
	if r == nil {
		return nil, ErrNoReadableStore
	}
	return r.ListMatches(ctx, limit)
}

// Stats summarizes the pipeline. Stored is filled when a store can count.
func (s *HistoryService) Stats(ctx context.Context) HistoryStats {
	s.mu.Lock()
	stats := HistoryStats{
		Stores:  make([]string, 0, len(s.stores)),
		Pending: len(s.pending),
		Dropped: s.dropped,
	}
	s.mu.Unlock()

	for _, st := range s.stores {
		stats.Stores = append(stats.Stores, st.Name())
	}
	for _, st := range s.stores {
		c, ok := st.(Counter)
		if !ok {
			continue
		}
		n, err := c.CountMatches(ctx)
		if err != nil {
			s.logger.Warn("counting stored matches", "store", st.Name(), "error", err)
			continue
		}
		stats.Stored = &n
		break
	}
	return stats
}

func (s *HistoryService) write(ctx context.Context, rec domain.MatchRecord, stores []Store) ([]Store, error) {
	var (
		failed []Store
		errs   []error
	)
	for _, st := range stores {
		if err := st.SaveMatch(ctx, rec); err != nil {
			s.logger.Error("failed to save match", "store", st.Name(), "match_id", rec.ID, "error", err)
			failed = append(failed, st)
			errs = append(errs, fmt.Errorf("%s: %w", st.Name(), err))
			continue
		}
		s.logger.Debug("match saved", "store", st.Name(), "match_id", rec.ID)
	}
	return failed, errors.Join(errs...)
}

func (s *HistoryService) enqueue(pw pendingWrite) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) >= s.maxPending {
		oldest := s.pending[0]
		s.pending = s.pending[1:]
		s.dropped++
		s.logger.Error("history retry queue full, dropping oldest write", "match_id", oldest.rec.ID)
	}
	s.pending = append(s.pending, pw)
}

func (s *HistoryService) reader() Reader {
	for _, st := range s.stores {
		if r, ok := st.(Reader); ok {
			return r
		}
	}
	return nil
}
