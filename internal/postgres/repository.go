package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caro-server/internal/config"
	"github.com/caro-server/internal/domain"
)

// Repository stores finished matches in PostgreSQL
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Name identifies the store in logs
func (r *Repository) Name() string {
	return "postgres"
}

// Close closes the database connection pool
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// Ping checks the database is reachable
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS matches (
			id VARCHAR(64) PRIMARY KEY,
			player_x VARCHAR(255) NOT NULL,
			player_o VARCHAR(255) NOT NULL,
			winner VARCHAR(255) NOT NULL,
			reason VARCHAR(20) NOT NULL,
			board_size INT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL,
			moves JSONB NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_finished ON matches(finished_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_player_x ON matches(player_x)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_player_o ON matches(player_o)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

const upsertMatch = `
	INSERT INTO matches (id, player_x, player_o, winner, reason, board_size, started_at, finished_at, moves)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (id)
	DO UPDATE SET
		player_x = EXCLUDED.player_x,
		player_o = EXCLUDED.player_o,
		winner = EXCLUDED.winner,
		reason = EXCLUDED.reason,
		board_size = EXCLUDED.board_size,
		started_at = EXCLUDED.started_at,
		finished_at = EXCLUDED.finished_at,
		moves = EXCLUDED.moves
`

// SaveMatch upserts a finished match by id
func (r *Repository) SaveMatch(ctx context.Context, rec domain.MatchRecord) error {
	args, err := matchArgs(rec)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, upsertMatch, args...); err != nil {
		return fmt.Errorf("saving match: %w", err)
	}
	return nil
}

// SaveMatches upserts several matches in one round trip
func (r *Repository) SaveMatches(ctx context.Context, recs []domain.MatchRecord) error {
	if len(recs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range recs {
		args, err := matchArgs(rec)
		if err != nil {
			return err
		}
		batch.Queue(upsertMatch, args...)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range recs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch saving matches: %w", err)
		}
	}
	return nil
}

// GetMatch retrieves a finished match by id
func (r *Repository) GetMatch(ctx context.Context, id string) (*domain.MatchRecord, error) {
	query := `
		SELECT id, player_x, player_o, winner, reason, board_size, started_at, finished_at, moves
		FROM matches
		WHERE id = $1
	`
	rec, err := scanMatch(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMatchNotFound
		}
		return nil, fmt.Errorf("getting match: %w", err)
	}
	return rec, nil
}

// ListMatches returns the most recently finished matches
func (r *Repository) ListMatches(ctx context.Context, limit int) ([]domain.MatchRecord, error) {
	query := `
		SELECT id, player_x, player_o, winner, reason, board_size, started_at, finished_at, moves
		FROM matches
		ORDER BY finished_at DESC, id DESC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
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
func (r *Repository) CountMatches(ctx context.Context) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM matches`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting matches: %w", err)
	}
	return count, nil
}

func matchArgs(rec domain.MatchRecord) ([]any, error) {
	moves := rec.Moves
	if moves == nil {
		moves = []domain.MoveRecord{}
	}
	movesJSON, err := json.Marshal(moves)
	if err != nil {
		return nil, fmt.Errorf("marshaling moves: %w", err)
	}
	return []any{
		rec.ID,
		rec.PlayerX,
		rec.PlayerO,
		rec.Winner,
		rec.Reason,
		rec.BoardSize,
		rec.StartedAt,
		rec.FinishedAt,
		movesJSON,
	}, nil
}

func scanMatch(row pgx.Row) (*domain.MatchRecord, error) {
	var (
		rec       domain.MatchRecord
		movesJSON []byte
	)
	err := row.Scan(
		&rec.ID,
		&rec.PlayerX,
		&rec.PlayerO,
		&rec.Winner,
		&rec.Reason,
		&rec.BoardSize,
		&rec.StartedAt,
		&rec.FinishedAt,
		&movesJSON,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(movesJSON, &rec.Moves); err != nil {
		return nil, fmt.Errorf("unmarshaling moves: %w", err)
	}
	return &rec, nil
}
