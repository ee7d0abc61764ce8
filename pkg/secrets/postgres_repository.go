package secrets

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mindburn-labs/agent-gateway/pkg/crypto"
)

// PostgresRepository persists credential records via database/sql. It
// also works unmodified against the SQLite lite-mode backend, since both
// drivers accept the same $N positional placeholders (see pkg/storage);
// the query text is not rewritten anywhere.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, rec *Record) error {
	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	const q = `
		INSERT INTO credentials
			(id, tool, version, active, kek_version, wrapped_data_key, data_key_nonce, nonce, ciphertext, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = r.db.ExecContext(ctx, q,
		rec.ID, rec.Tool, rec.Version, rec.Active, rec.KEKVersion,
		rec.Envelope.WrappedDataKey, rec.Envelope.DataKeyNonce, rec.Envelope.Nonce, rec.Envelope.Ciphertext,
		string(metaJSON), rec.CreatedAt,
	)
	return err
}

func (r *PostgresRepository) Get(ctx context.Context, credentialID string) (*Record, error) {
	const q = `
		SELECT id, tool, version, active, kek_version, wrapped_data_key, data_key_nonce, nonce, ciphertext, metadata, created_at
		FROM credentials WHERE id = $1
	`
	return scanRecord(r.db.QueryRowContext(ctx, q, credentialID))
}

func (r *PostgresRepository) GetActive(ctx context.Context, tool string) (*Record, error) {
	const q = `
		SELECT id, tool, version, active, kek_version, wrapped_data_key, data_key_nonce, nonce, ciphertext, metadata, created_at
		FROM credentials WHERE tool = $1 AND active = TRUE
	`
	return scanRecord(r.db.QueryRowContext(ctx, q, tool))
}

// SetActive runs inside a transaction so the deactivate-then-activate
// pair is atomic: either both land or neither does.
func (r *PostgresRepository) SetActive(ctx context.Context, tool, credentialID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE credentials SET active = FALSE WHERE tool = $1 AND active = TRUE`, tool); err != nil {
		return fmt.Errorf("deactivate prior: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE credentials SET active = TRUE WHERE id = $1 AND tool = $2`, credentialID, tool)
	if err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

func (r *PostgresRepository) ListVersions(ctx context.Context, tool string) ([]VersionInfo, error) {
	const q = `SELECT version, active, created_at FROM credentials WHERE tool = $1 ORDER BY version ASC`
	rows, err := r.db.QueryContext(ctx, q, tool)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VersionInfo
	for rows.Next() {
		var v VersionInfo
		if err := rows.Scan(&v.Version, &v.Active, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ListActive(ctx context.Context) ([]*Record, error) {
	const q = `
		SELECT id, tool, version, active, kek_version, wrapped_data_key, data_key_nonce, nonce, ciphertext, metadata, created_at
		FROM credentials WHERE active = TRUE
	`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecordRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) UpdateEnvelope(ctx context.Context, credentialID string, env crypto.Envelope, kekVersion int) error {
	const q = `
		UPDATE credentials SET wrapped_data_key = $1, data_key_nonce = $2, nonce = $3, ciphertext = $4, kek_version = $5
		WHERE id = $6
	`
	res, err := r.db.ExecContext(ctx, q, env.WrappedDataKey, env.DataKeyNonce, env.Nonce, env.Ciphertext, kekVersion, credentialID)
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

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row *sql.Row) (*Record, error) {
	rec, err := scanRecordRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func scanRecordRow(row rowScanner) (*Record, error) {
	var rec Record
	var metaJSON string
	var createdAt time.Time

	if err := row.Scan(
		&rec.ID, &rec.Tool, &rec.Version, &rec.Active, &rec.KEKVersion,
		&rec.Envelope.WrappedDataKey, &rec.Envelope.DataKeyNonce, &rec.Envelope.Nonce, &rec.Envelope.Ciphertext,
		&metaJSON, &createdAt,
	); err != nil {
		return nil, err
	}

	rec.CreatedAt = createdAt
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &rec, nil
}
