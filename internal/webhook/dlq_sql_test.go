package webhook

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/vidforge/orchestrator/internal/domain"
)

// newMockDLQ builds a SQLDLQ over a sqlmock-backed *sql.DB, bypassing
// NewSQLDLQ's migration bootstrap (sqlmock has no SQL engine behind it
// to apply goose migrations against) the same way rezkam-mono's own
// sqlc repository tests construct their Queries type directly over a
// mocked *sql.DB rather than through the production constructor.
func newMockDLQ(t *testing.T) (*SQLDLQ, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// "postgres" here only selects sqlx's bind-variable style ($1, $2,
	// ...) to match NamedExecContext's rewriting against the real
	// pgx-backed pool; it is independent of the driver actually
	// registered for db.
	return &SQLDLQ{db: sqlx.NewDb(db, "postgres")}, mock
}

func TestSQLDLQ_Record(t *testing.T) {
	dlq, mock := newMockDLQ(t)

	mock.ExpectExec("INSERT INTO dead_letters").
		WithArgs(sqlmock.AnyArg(), "job-1", "https://example.com/hook", []byte(`{}`), 3, "boom", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := dlq.Record(context.Background(), domain.DeadLetterRecord{
		JobID:     "job-1",
		URL:       "https://example.com/hook",
		Payload:   []byte(`{}`),
		Attempts:  3,
		LastError: "boom",
		CreatedAt: time.Now().UTC(),
	})

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLDLQ_List(t *testing.T) {
	dlq, mock := newMockDLQ(t)

	rows := sqlmock.NewRows([]string{
		"id", "job_id", "url", "payload", "attempts", "last_error",
		"resolved_at", "resolution", "reviewed_by", "review_note", "created_at",
	}).AddRow("dl-1", "job-1", "https://example.com/hook", []byte(`{}`), 3, "boom",
		nil, "", "", "", time.Now().UTC())

	mock.ExpectQuery("SELECT (.+) FROM dead_letters").
		WithArgs(int64(50)).
		WillReturnRows(rows)

	recs, err := dlq.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "job-1", recs[0].JobID)
	require.Nil(t, recs[0].ResolvedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLDLQ_Resolve_NotFound(t *testing.T) {
	dlq, mock := newMockDLQ(t)

	mock.ExpectExec("UPDATE dead_letters").
		WithArgs("missing", "retried", "ops", "note").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := dlq.Resolve(context.Background(), "missing", "retried", "ops", "note")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLDLQ_Resolve_Success(t *testing.T) {
	dlq, mock := newMockDLQ(t)

	mock.ExpectExec("UPDATE dead_letters").
		WithArgs("dl-1", "discarded", "ops", "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := dlq.Resolve(context.Background(), "dl-1", "discarded", "ops", "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
