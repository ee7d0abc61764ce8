package secrets

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/mindburn-labs/agent-gateway/pkg/crypto"
)

func TestPostgresRepositoryGetActive(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"id", "tool", "version", "active", "kek_version", "wrapped_data_key", "data_key_nonce", "nonce", "ciphertext", "metadata", "created_at"}).
		AddRow("serpapi-v1", "serpapi", 1, true, 1, []byte("wdk"), []byte("dkn"), []byte("n"), []byte("ct"), `{"owner":"ops"}`, time.Now())

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, tool, version, active, kek_version, wrapped_data_key, data_key_nonce, nonce, ciphertext, metadata, created_at\n\t\tFROM credentials WHERE tool = $1 AND active = TRUE")).
		WithArgs("serpapi").
		WillReturnRows(rows)

	rec, err := repo.GetActive(ctx, "serpapi")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "serpapi-v1", rec.ID)
	require.Equal(t, "ops", rec.Metadata["owner"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepositoryInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO credentials")).
		WithArgs("serpapi-v1", "serpapi", 1, false, 1, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec := &Record{
		ID: "serpapi-v1", Tool: "serpapi", Version: 1, Active: false, KEKVersion: 1,
		Envelope:  crypto.Envelope{WrappedDataKey: []byte("wdk"), DataKeyNonce: []byte("dkn"), Nonce: []byte("n"), Ciphertext: []byte("ct")},
		CreatedAt: time.Now(),
	}
	require.NoError(t, repo.Insert(ctx, rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepositorySetActiveNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE credentials SET active = FALSE WHERE tool = $1 AND active = TRUE")).
		WithArgs("serpapi").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE credentials SET active = TRUE WHERE id = $1 AND tool = $2")).
		WithArgs("missing", "serpapi").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = repo.SetActive(ctx, "serpapi", "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
