package sessions

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/agentoven/dxtr/internal/config"
	"github.com/agentoven/dxtr/pkg/contracts"
)

// Open creates the session store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.SessionsConfig) (contracts.SessionStore, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(cfg.DataDir), nil
	case "sqlite":
		path := cfg.DSN
		if path == "" {
			if cfg.DataDir == "" {
				return nil, fmt.Errorf("sessions: sqlite needs DXTR_SESSION_DSN or DXTR_DATA_DIR")
			}
			path = filepath.Join(cfg.DataDir, "sessions.db")
		}
		return NewSQLiteStore(path)
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("sessions: postgres needs DXTR_SESSION_DSN")
		}
		return NewPostgresStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("sessions: unknown driver %q", cfg.Driver)
	}
}
