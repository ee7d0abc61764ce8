package tokens

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresRepository persists the token registry via database/sql, using
// the same positional-placeholder shape the credentials repository uses
// so both run unmodified against lite-mode SQLite.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, rec Record) error {
	scopeJSON, err := json.Marshal(rec.Scope)
	if err != nil {
		return fmt.Errorf("tokens: marshal scope: %w", err)
	}
	const q = `
		INSERT INTO tokens (id, agent_id, scope, issued_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = r.db.ExecContext(ctx, q, rec.ID, rec.AgentID, string(scopeJSON), rec.IssuedAt, rec.ExpiresAt, rec.Revoked)
	return err
}

func (r *PostgresRepository) Get(ctx context.Context, tokenID string) (Record, error) {
	const q = `SELECT id, agent_id, scope, issued_at, expires_at, revoked FROM tokens WHERE id = $1`
	return scanRecord(r.db.QueryRowContext(ctx, q, tokenID))
}

func (r *PostgresRepository) Revoke(ctx context.Context, tokenID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE tokens SET revoked = TRUE WHERE id = $1`, tokenID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownToken
	}
	return nil
}

func (r *PostgresRepository) ListByAgent(ctx context.Context, agentID string) ([]Record, error) {
	const q = `SELECT id, agent_id, scope, issued_at, expires_at, revoked FROM tokens WHERE agent_id = $1 ORDER BY issued_at ASC`
	rows, err := r.db.QueryContext(ctx, q, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecordRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row *sql.Row) (Record, error) {
	rec, err := scanRecordRow(row)
	if err == sql.ErrNoRows {
		return Record{}, ErrUnknownToken
	}
	return rec, err
}

func scanRecordRow(row rowScanner) (Record, error) {
	var rec Record
	var scopeJSON string
	if err := row.Scan(&rec.ID, &rec.AgentID, &scopeJSON, &rec.IssuedAt, &rec.ExpiresAt, &rec.Revoked); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal([]byte(scopeJSON), &rec.Scope); err != nil {
		return Record{}, fmt.Errorf("tokens: unmarshal scope: %w", err)
	}
	return rec, nil
}
