package sessions

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/dxtr/internal/faults"
	"github.com/agentoven/dxtr/pkg/models"
)

// PostgresStore persists sessions in PostgreSQL with JSONB columns.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings and creates the table if needed.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info().Msg("Postgres session store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS dxtr_sessions (
			user_id    TEXT NOT NULL,
			session_id TEXT NOT NULL,
			state      JSONB NOT NULL,
			transcript JSONB NOT NULL DEFAULT '[]',
			turn_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, session_id)
		);

		CREATE INDEX IF NOT EXISTS idx_dxtr_sessions_user ON dxtr_sessions (user_id, updated_at DESC);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Load(ctx context.Context, key models.SessionKey) (*models.Session, error) {
	query := `SELECT user_id, session_id, state::text, transcript::text, turn_count, created_at, updated_at
		FROM dxtr_sessions WHERE user_id = $1 AND session_id = $2`

	r, err := scanPostgres(s.pool.QueryRow(ctx, query, key.UserID, key.SessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, faults.New(faults.NotFound, "load", "session %s", key)
	}
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "load", err)
	}
	return r.decode()
}

func (s *PostgresStore) Save(ctx context.Context, sess *models.Session) error {
	r, err := encodeRow(sess)
	if err != nil {
		return err
	}
	query := `INSERT INTO dxtr_sessions (user_id, session_id, state, transcript, turn_count, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, $4::jsonb, $5, $6, $7)
		ON CONFLICT (user_id, session_id) DO UPDATE SET
			state = EXCLUDED.state,
			transcript = EXCLUDED.transcript,
			turn_count = EXCLUDED.turn_count,
			updated_at = EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, query,
		r.UserID, r.SessionID, r.State, r.Transcript, r.TurnCount, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return faults.Wrap(faults.Internal, "save", err)
	}
	return nil
}

func (s *PostgresStore) Reset(ctx context.Context, key models.SessionKey) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dxtr_sessions WHERE user_id = $1 AND session_id = $2`, key.UserID, key.SessionID)
	if err != nil {
		return faults.Wrap(faults.Internal, "reset", err)
	}
	if tag.RowsAffected() == 0 {
		return faults.New(faults.NotFound, "reset", "session %s", key)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, userID string) ([]*models.Session, error) {
	query := `SELECT user_id, session_id, state::text, transcript::text, turn_count, created_at, updated_at
		FROM dxtr_sessions WHERE user_id = $1 ORDER BY updated_at DESC, session_id ASC`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "list", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		r, err := scanPostgres(rows)
		if err != nil {
			return nil, faults.Wrap(faults.Internal, "list", err)
		}
		sess, err := r.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Wrap(faults.Internal, "list", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPostgres(sc pgx.Row) (row, error) {
	var r row
	err := sc.Scan(&r.UserID, &r.SessionID, &r.State, &r.Transcript, &r.TurnCount, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}
