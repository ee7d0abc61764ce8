// Package storage bootstraps the gateway's database/sql connection and
// constructs the concrete repository implementations every subsystem
// persists through. It mirrors the teacher's lite-mode/postgres split:
// with no DATABASE_URL configured it falls back to an embedded SQLite
// database under a local data directory; otherwise it connects to
// Postgres. Both backends share the same $1-style positional
// placeholders used by pkg/secrets, pkg/tokens, and pkg/agents, since
// lite mode runs through lib/pq-compatible query text translated at
// the modernc.org/sqlite driver layer.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/mindburn-labs/agent-gateway/pkg/agents"
	"github.com/mindburn-labs/agent-gateway/pkg/config"
	"github.com/mindburn-labs/agent-gateway/pkg/secrets"
	"github.com/mindburn-labs/agent-gateway/pkg/tokens"
)

// Store bundles the open connection with every repository the gateway
// wires into its service layer.
type Store struct {
	DB       *sql.DB
	Agents   agents.Repository
	Tokens   tokens.Repository
	Secrets  secrets.Repository
	LiteMode bool
}

// Open connects to the database named by cfg.DatabaseURL, falling back
// to an embedded SQLite file when it is empty, then runs schema
// migration and returns a Store with every repository wired against
// the resulting connection.
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	var (
		db       *sql.DB
		liteMode bool
		err      error
	)

	if cfg.DatabaseURL == "" {
		db, err = openLiteMode()
		liteMode = true
	} else {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	return &Store{
		DB:       db,
		Agents:   agents.NewPostgresRepository(db),
		Tokens:   tokens.NewPostgresRepository(db),
		Secrets:  secrets.NewPostgresRepository(db),
		LiteMode: liteMode,
	}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.DB.Close()
}

func openLiteMode() (*sql.DB, error) {
	dataDir := "data"
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return sql.Open("sqlite", filepath.Join(dataDir, "gateway.db"))
}

// migrate creates the gateway's tables if they don't already exist.
// There is no migration framework; schema changes are additive
// CREATE TABLE IF NOT EXISTS / ALTER TABLE statements run at startup.
func migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			role           TEXT NOT NULL,
			allowed_tools  TEXT NOT NULL,
			public_key_pem BLOB NOT NULL,
			status         TEXT NOT NULL,
			created_at     TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			id         TEXT PRIMARY KEY,
			agent_id   TEXT NOT NULL,
			scope      TEXT NOT NULL,
			issued_at  TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			revoked    BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_agent_id ON tokens (agent_id)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			id               TEXT PRIMARY KEY,
			tool             TEXT NOT NULL,
			version          INTEGER NOT NULL,
			active           BOOLEAN NOT NULL DEFAULT FALSE,
			kek_version      INTEGER NOT NULL,
			wrapped_data_key BLOB NOT NULL,
			data_key_nonce   BLOB NOT NULL,
			nonce            BLOB NOT NULL,
			ciphertext       BLOB NOT NULL,
			metadata         TEXT NOT NULL,
			created_at       TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_tool_active ON credentials (tool, active)`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}
