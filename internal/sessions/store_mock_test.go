package sessions

import (
	"context"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

// Statement-level tests that don't want a live database file.

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{db: db, logger: slog.Default()}, mock
}

func TestAddTokenUsageStatement(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE sessions SET input_tokens").
		WithArgs(120, 40, "s1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.AddTokenUsage(context.Background(), "s1", 120, 40); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestEndSessionNoRowsIsError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE sessions SET ended_at").
		WithArgs(sqlmock.AnyArg(), "reset", "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.EndSession(context.Background(), "missing", "reset"); err == nil {
		t.Error("ending a missing session should fail")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
