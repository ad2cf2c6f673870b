package store

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
)

func newMockPostgres(t *testing.T) (*SQL, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewSQL(db, DialectPostgres), mock
}

func pgQuery(q string) string {
	return regexp.QuoteMeta(DialectPostgres.rebind(q))
}

func TestDialect_Rebind(t *testing.T) {
	tests := []struct {
		dialect Dialect
		in      string
		want    string
	}{
		{DialectPostgres, "SELECT a FROM t WHERE id = ? AND b = ?", "SELECT a FROM t WHERE id = $1 AND b = $2"},
		{DialectPostgres, "SELECT 1", "SELECT 1"},
		{DialectSQLite, "SELECT a FROM t WHERE id = ?", "SELECT a FROM t WHERE id = ?"},
	}
	for _, tt := range tests {
		if got := tt.dialect.rebind(tt.in); got != tt.want {
			t.Errorf("%s.rebind(%q) = %q, want %q", tt.dialect, tt.in, got, tt.want)
		}
	}
}

func TestPostgres_IncrementDailyCounter(t *testing.T) {
	s, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectExec(pgQuery(queryIncrementCounter)).
		WithArgs("inst-1", "2026-03-01", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(pgQuery(queryIncrementCounter)).
		WithArgs("inst-1", "2026-03-01", 3).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.IncrementDailyCounter(ctx, "inst-1", "2026-03-01", 3)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IncrementDailyCounter(ctx, "inst-1", "2026-03-01", 3)
	require.NoError(t, err)
	assert.False(t, ok, "conflict update filtered by the limit affects no row")
}

func TestPostgres_GetInstallationNotFound(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(pgQuery(querySelectInstallation)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetInstallation(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestPostgres_CreateInstallationDuplicate(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(pgQuery(queryInsertInstallation)).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := s.CreateInstallation(context.Background(), &core.Installation{ID: "inst-1", Status: core.InstallationActive})
	assert.ErrorIs(t, err, core.ErrConflict)
}

func TestPostgres_AppendAuditRetriesOnSequenceRace(t *testing.T) {
	s, mock := newMockPostgres(t)
	emptyHead := sqlmock.NewRows([]string{"sequence"})

	// first attempt loses the race for sequence 1
	mock.ExpectBegin()
	mock.ExpectQuery(pgQuery(queryLastAudit)).WillReturnRows(emptyHead)
	mock.ExpectExec(pgQuery(queryInsertAudit)).WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery(pgQuery(queryLastAudit)).WillReturnRows(sqlmock.NewRows([]string{"sequence"}))
	mock.ExpectExec(pgQuery(queryInsertAudit)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	builds := 0
	entry, err := s.AppendAudit(context.Background(), func(last *core.AuditEntry) (*core.AuditEntry, error) {
		builds++
		assert.Nil(t, last)
		return &core.AuditEntry{ID: "e1", Sequence: 1, Time: t0, EntryHash: "h"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), entry.Sequence)
	assert.Equal(t, 2, builds)
}
