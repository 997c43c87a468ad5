package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

// newMockStore opens a sqlmock connection tagged as the postgres driver, so
// these tests exercise Store.rebind's "?"→"$1" rewriting the same way
// production traffic would, without a live Postgres instance.
func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return OpenWith(db, "postgres"), mock
}

func TestCreateTenantEmitsRebindedSQL(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO tenants (tenant_id, active, credential_hash, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)",
	)).WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.CreateTenant(ctx, Tenant{
		TenantID:       "tenant-a",
		Active:         true,
		CredentialHash: "hash-a",
		CreatedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRawEventOutcomeWithinTxEmitsRebindedSQL(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(
		"UPDATE raw_events SET processing_outcome = $1, processed_at = $2, failure_detail = $3, attempt_count = attempt_count + 1",
	)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.MarkRawEventOutcome(ctx, tx, "evt-1", OutcomeSucceeded, "", time.Now().UTC())
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
