package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/caries-screen/internal/logging"
)

type transientTestError struct{}

func (transientTestError) Error() string   { return "transient" }
func (transientTestError) Timeout() bool   { return true }
func (transientTestError) Temporary() bool { return true }

func TestExecuteWithRetryRetriesTransientErrors(t *testing.T) {
	repo := &ScreeningRepository{
		logger:         zap.NewNop(),
		retryAttempts:  3,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "req-1", func() error {
		attempts++
		if attempts < 2 {
			return transientTestError{}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestExecuteWithRetryReturnsOperationError(t *testing.T) {
	repo := &ScreeningRepository{
		logger:         zap.NewNop(),
		retryAttempts:  2,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "req-2", func() error {
		attempts++
		return errors.New("boom")
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}

	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "test.operation" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
	if opErr.RequestID != "req-2" {
		t.Fatalf("unexpected request id: %s", opErr.RequestID)
	}
}

func TestScreeningLogTableName(t *testing.T) {
	if got := (ScreeningLog{}).TableName(); got != "screening_logs" {
		t.Fatalf("unexpected table name: %s", got)
	}
}

func newMockRepository(t *testing.T) (*ScreeningRepository, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sql mock: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		t.Fatalf("failed to open gorm: %v", err)
	}
	return NewScreeningRepository(db, zap.NewNop()), mock
}

func TestFindDuplicatesByHashExcludesRequestNewestFirst(t *testing.T) {
	repo, mock := newMockRepository(t)

	newer := time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT * FROM "screening_logs" WHERE user_id = $1 AND sha1_hash = $2 AND request_id <> $3 ORDER BY created_at DESC`)).
		WithArgs("user-1", "abc", "req-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "request_id", "user_id", "sha1_hash", "created_at"}).
			AddRow(3, "req-3", "user-1", "abc", newer).
			AddRow(2, "req-2", "user-1", "abc", older))

	logs, err := repo.FindDuplicatesByHash(context.Background(), "user-1", "abc", "req-1")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(logs) != 2 || logs[0].RequestID != "req-3" || logs[1].RequestID != "req-2" {
		t.Fatalf("unexpected duplicates: %+v", logs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindByRequestIDAndUserReturnsNotFound(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT * FROM "screening_logs" WHERE request_id = $1 AND user_id = $2 ORDER BY "screening_logs"."id" LIMIT 1`)).
		WithArgs("req-9", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "request_id"}))

	_, err := repo.FindByRequestIDAndUser(context.Background(), "req-9", "user-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "repository.find_by_request" {
		t.Fatalf("expected OperationError for repository.find_by_request, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAggregateMetricsMapsColumns(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) AS total_count, .*caries_detected.* AS caries_count, .*AVG\(raw_score\).* AS average_score, .*AVG\(processing_latency_ms\).* AS average_processing_latency_ms FROM "screening_logs"`).
		WillReturnRows(sqlmock.NewRows([]string{"total_count", "caries_count", "average_score", "average_processing_latency_ms"}).
			AddRow(int64(4), int64(1), 0.625, 12.5))

	agg, err := repo.AggregateMetrics(context.Background())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	want := MetricsAggregation{TotalCount: 4, CariesCount: 1, AverageScore: 0.625, AverageProcessingLatencyMs: 12.5}
	if *agg != want {
		t.Fatalf("expected %+v, got %+v", want, *agg)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
