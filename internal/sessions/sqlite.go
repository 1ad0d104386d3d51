package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/agentoven/dxtr/internal/faults"
	"github.com/agentoven/dxtr/pkg/models"
)

// SQLiteStore persists sessions in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	log.Info().Str("path", dbPath).Msg("SQLite session store initialized")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		user_id         TEXT NOT NULL,
		session_id      TEXT NOT NULL,
		state_json      TEXT NOT NULL,
		transcript_json TEXT NOT NULL,
		turn_count      INTEGER NOT NULL DEFAULT 0,
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL,
		PRIMARY KEY (user_id, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user_updated ON sessions(user_id, updated_at);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLiteStore) Load(ctx context.Context, key models.SessionKey) (*models.Session, error) {
	query := `
		SELECT user_id, session_id, state_json, transcript_json, turn_count, created_at, updated_at
		FROM sessions WHERE user_id = ? AND session_id = ?`

	r, err := scanSQLite(s.db.QueryRowContext(ctx, query, key.UserID, key.SessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.New(faults.NotFound, "load", "session %s", key)
	}
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "load", err)
	}
	return r.decode()
}

func (s *SQLiteStore) Save(ctx context.Context, sess *models.Session) error {
	r, err := encodeRow(sess)
	if err != nil {
		return err
	}
	query := `
	INSERT INTO sessions (user_id, session_id, state_json, transcript_json, turn_count, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, session_id) DO UPDATE SET
		state_json = excluded.state_json,
		transcript_json = excluded.transcript_json,
		turn_count = excluded.turn_count,
		updated_at = excluded.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		r.UserID, r.SessionID, r.State, r.Transcript, r.TurnCount,
		r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return faults.Wrap(faults.Internal, "save", err)
	}
	return nil
}

func (s *SQLiteStore) Reset(ctx context.Context, key models.SessionKey) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ? AND session_id = ?`, key.UserID, key.SessionID)
	if err != nil {
		return faults.Wrap(faults.Internal, "reset", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.New(faults.NotFound, "reset", "session %s", key)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, userID string) ([]*models.Session, error) {
	query := `
		SELECT user_id, session_id, state_json, transcript_json, turn_count, created_at, updated_at
		FROM sessions WHERE user_id = ? ORDER BY updated_at DESC, session_id ASC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "list", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		r, err := scanSQLite(rows)
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

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLite(sc scanner) (row, error) {
	var r row
	var created, updated int64
	if err := sc.Scan(&r.UserID, &r.SessionID, &r.State, &r.Transcript, &r.TurnCount, &created, &updated); err != nil {
		return row{}, err
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	r.UpdatedAt = time.Unix(0, updated).UTC()
	return r, nil
}
