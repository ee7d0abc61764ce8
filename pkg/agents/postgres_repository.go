package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresRepository persists agent identities via database/sql.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, a Agent) error {
	toolsJSON, err := json.Marshal(a.AllowedTools)
	if err != nil {
		return fmt.Errorf("agents: marshal allowed tools: %w", err)
	}
	const q = `
		INSERT INTO agents (id, name, role, allowed_tools, public_key_pem, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.db.ExecContext(ctx, q, a.ID, a.Name, a.Role, string(toolsJSON), a.PublicKeyPEM, string(a.Status), a.CreatedAt)
	return err
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (Agent, error) {
	const q = `SELECT id, name, role, allowed_tools, public_key_pem, status, created_at FROM agents WHERE id = $1`
	row := r.db.QueryRowContext(ctx, q, id)

	var a Agent
	var toolsJSON string
	var status string
	if err := row.Scan(&a.ID, &a.Name, &a.Role, &toolsJSON, &a.PublicKeyPEM, &status, &a.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Agent{}, ErrNotFound
		}
		return Agent{}, err
	}
	a.Status = Status(status)
	if err := json.Unmarshal([]byte(toolsJSON), &a.AllowedTools); err != nil {
		return Agent{}, fmt.Errorf("agents: unmarshal allowed tools: %w", err)
	}
	return a, nil
}

func (r *PostgresRepository) SetStatus(ctx context.Context, id string, status Status) error {
	res, err := r.db.ExecContext(ctx, `UPDATE agents SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
