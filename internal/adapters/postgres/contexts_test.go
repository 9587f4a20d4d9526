package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-data/labflow/internal/core"
)

var _ core.ContextStore = (*ContextStore)(nil)

func newMockStore(t *testing.T, opts ...Option) (*ContextStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewContextStore(db, opts...), mock
}

func TestContextStore_EnsureSchema(t *testing.T) {
	store, mock := newMockStore(t, WithTable("ctx"))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "ctx"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestContextStore_Put(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "sequence_contexts"`)).
		WithArgs("seq-1", "acme", "sales", "q3").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Put(context.Background(), "seq-1", core.ExecutionContext{
		ClientName: "acme", AppName: "sales", ProjectName: "q3",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestContextStore_Get(t *testing.T) {
	store, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"client_name", "app_name", "project_name"}).
		AddRow("acme", "sales", "q3")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT client_name, app_name, project_name FROM "sequence_contexts"`)).
		WithArgs("seq-1").
		WillReturnRows(rows)

	scope, ok, err := store.Get(context.Background(), "seq-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, core.ExecutionContext{ClientName: "acme", AppName: "sales", ProjectName: "q3"}, scope)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestContextStore_GetUnknown(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT client_name").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"client_name", "app_name", "project_name"}))

	_, ok, err := store.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestContextStore_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"connection failure", &pq.Error{Code: "08006", Message: "connection failure"}, true},
		{"too many connections", &pq.Error{Code: "53300", Message: "too many connections"}, true},
		{"undefined table", &pq.Error{Code: "42P01", Message: "relation does not exist"}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			mock.ExpectExec("INSERT INTO").WillReturnError(tt.err)

			err := store.Put(context.Background(), "seq-1", core.ExecutionContext{})
			require.Error(t, err)
			assert.Equal(t, tt.retryable, core.IsRetryable(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}
