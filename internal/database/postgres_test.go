package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { raw.Close() })
	return New(sqlx.NewDb(raw, "postgres"), Postgres), mock
}

func TestInsertEventUsesDollarPlaceholders(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`INSERT INTO TrialTriggerEvents .*VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8\)\s+ON CONFLICT \(dedup_key\) DO NOTHING\s+RETURNING id`).
		WithArgs("berry", Hourly, now, now, 5, 0.0, 4.0, "berry/hourly/x").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	ev := &TriggerEvent{App: "berry", EventType: Hourly, EventTime: now, BucketStart: now, TrialCount: 5, Threshold: 4, DedupKey: "berry/hourly/x"}
	if err := db.InsertEvent(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.ID != 42 {
		t.Errorf("expected id 42, got %d", ev.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertEventConflictIsDuplicate(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`INSERT INTO TrialTriggerEvents`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	err := db.InsertEvent(context.Background(), &TriggerEvent{App: "berry", EventType: Hourly, DedupKey: "k"})
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
}

func TestCountEventsSinceWrapsDriverError(t *testing.T) {
	db, mock := newMockDB(t)
	boom := errors.New("connection refused")
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM TrialTriggerEvents`).WillReturnError(boom)

	_, err := db.CountEventsSince(context.Background(), "berry", Hourly, time.Now())
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped driver error, got %v", err)
	}
}

func TestRecordRefreshRollsBackOnSnapshotFailure(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO VideoMetricDeltas`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectQuery(`INSERT INTO DailyVideoData`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := db.RecordRefresh(context.Background(),
		&MetricDelta{TriggerEventID: 1, PostURL: "u"},
		&VideoSnapshot{PostURL: "u", App: "Berry", LogTime: time.Now()},
	)
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
