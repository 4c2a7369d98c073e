package knowledge

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// GetSuccessRate returns a wrapped error when the underlying query
// fails, without ever reaching the degraded-mode fallback. Exercised
// against a mocked driver instead of a real sqlite file because we need
// a deterministic query failure, not a filesystem-level one.
func TestGetSuccessRateWrapsQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT result, COUNT").WillReturnError(sqlmock.ErrCancelled)

	read := sqlx.NewDb(db, "sqlmock")
	s := &Store{write: read, read: read, log: logrus.New()}

	if _, err := s.GetSuccessRate(context.Background(), "", "network_ips", 30); err == nil {
		t.Fatal("expected an error from GetSuccessRate when the query fails")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
