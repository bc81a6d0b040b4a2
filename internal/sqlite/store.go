// Package sqlite stores finished matches in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/caro-server/internal/domain"
)

//go:embed schema.sql
var schema string

// timestampLayout is fixed-width so that text order is time order
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// Store provides match history access
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at path
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Name identifies the store in logs
func (s *Store) Name() string {
	return "sqlite"
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is usable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveMatch upserts a finished match by id
func (s *Store) SaveMatch(ctx context.Context, rec domain.MatchRecord) error {
	moves := rec.Moves
	if moves == nil {
		moves = []domain.MoveRecord{}
	}
	movesJSON, err := json.Marshal(moves)
	if err != nil {
		return fmt.Errorf("marshaling moves: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO matches (id, player_x, player_o, winner, reason, board_size, started_at, finished_at, moves)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			player_x = excluded.player_x,
			player_o = excluded.player_o,
			winner = excluded.winner,
			reason = excluded.reason,
			board_size = excluded.board_size,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			moves = excluded.moves
	`, rec.ID, rec.PlayerX, rec.PlayerO, rec.Winner, rec.Reason, rec.BoardSize,
		formatTimestamp(rec.StartedAt), formatTimestamp(rec.FinishedAt), string(movesJSON))
	if err != nil {
		return fmt.Errorf("saving match: %w", err)
	}
	return nil
}

// GetMatch returns one match by id
func (s *Store) GetMatch(ctx context.Context, id string) (*domain.MatchRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, player_x, player_o, winner, reason, board_size, started_at, finished_at, moves
		FROM matches WHERE id = ?
	`, id)
	rec, err := scanMatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrMatchNotFound
		}
		return nil, fmt.Errorf("getting match: %w", err)
	}
	return rec, nil
}

// ListMatches returns the most recently finished matches
func (s *Store) ListMatches(ctx context.Context, limit int) ([]domain.MatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, player_x, player_o, winner, reason, board_size, started_at, finished_at, moves
		FROM matches
		ORDER BY finished_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing matches: %w", err)
	}
	defer rows.Close()

	var recs []domain.MatchRecord
	for rows.Next() {
		rec, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// CountMatches returns the number of stored matches
func (s *Store) CountMatches(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM matches").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting matches: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMatch(row scanner) (*domain.MatchRecord, error) {
	var (
		rec               domain.MatchRecord
		started, finished string
		movesJSON         string
	)
	if err := row.Scan(&rec.ID, &rec.PlayerX, &rec.PlayerO, &rec.Winner, &rec.Reason, &rec.BoardSize,
		&started, &finished, &movesJSON); err != nil {
		return nil, err
	}

	var err error
	if rec.StartedAt, err = time.Parse(timestampLayout, started); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if rec.FinishedAt, err = time.Parse(timestampLayout, finished); err != nil {
		return nil, fmt.Errorf("parsing finished_at: %w", err)
	}
	if err := json.Unmarshal([]byte(movesJSON), &rec.Moves); err != nil {
		return nil, fmt.Errorf("unmarshaling moves: %w", err)
	}
	return &rec, nil
}
