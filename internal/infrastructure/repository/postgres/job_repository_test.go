package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/agridesk/subsidy-extraction/internal/core/domain"
)

func newJobRepoWithMock(t *testing.T) (*JobRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return &JobRepository{db: db}, mock, func() { _ = db.Close() }
}

func TestGetJobReturnsDomainNotFound(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT document_id, status, progress").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetJob(context.Background(), "missing")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !domain.IsKind(err, domain.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetJobScansFailureColumns(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	updatedAt := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"document_id", "status", "progress", "failure_code", "failure_detail",
		"retryable", "current_retry", "max_retries", "next_retry_at", "updated_at",
	}).AddRow("doc-9", "failed", 60, "ai_quota_exceeded", "provider returned 429", true, 1, 3, nil, updatedAt)

	mock.ExpectQuery("SELECT document_id, status, progress").
		WithArgs("doc-9").
		WillReturnRows(rows)

	job, err := repo.GetJob(context.Background(), "doc-9")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.Status != domain.StatusFailed || job.FailureCode != "ai_quota_exceeded" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if !job.Retryable || job.CurrentRetry != 1 || job.MaxRetries != 3 {
		t.Fatalf("unexpected retry fields: %+v", job)
	}
	if job.NextRetryAt != nil {
		t.Fatalf("expected nil next_retry_at, got %v", job.NextRetryAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveAttemptSerializesFields(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	mock.ExpectExec("INSERT INTO extraction_attempts").
		WithArgs("att-1", "doc-1", "bucket/doc-1.pdf", "farm", "fallback_2",
			0.55, 0.0, int64(1200), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SaveAttempt(context.Background(), &domain.ExtractionAttempt{
		ID:               "att-1",
		DocumentID:       "doc-1",
		FileReference:    "bucket/doc-1.pdf",
		ClientType:       domain.ClientFarm,
		Method:           domain.MethodFallbackTwo,
		Confidence:       0.55,
		ProcessingTimeMs: 1200,
		Errors:           []string{"primary failed", "fallback_1 failed"},
		Fields:           domain.ExtractedFields{Kind: domain.ClientFarm, Farm: &domain.FarmFields{SubsidyScheme: "basic-area-payment"}},
		CreatedAt:        time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("SaveAttempt() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAttemptsByDocumentRoundTripsHistory(t *testing.T) {
	repo, mock, done := newJobRepoWithMock(t)
	defer done()

	createdAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "document_id", "file_reference", "client_type", "method",
		"confidence", "cost", "processing_time_ms", "errors", "fields", "created_at",
	}).AddRow("att-2", "doc-1", "bucket/doc-1.pdf", "farm", "primary",
		0.92, 0.034, int64(800), []byte(`[]`), []byte(`{"kind":"farm","farm":{"holding_number":"DK-1"}}`), createdAt)

	mock.ExpectQuery("SELECT id, document_id, file_reference").
		WithArgs("doc-1").
		WillReturnRows(rows)

	attempts, err := repo.AttemptsByDocument(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("AttemptsByDocument() error = %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(attempts))
	}
	if attempts[0].Method != domain.MethodPrimary {
		t.Fatalf("unexpected method %s", attempts[0].Method)
	}
	if attempts[0].Fields.Farm == nil || attempts[0].Fields.Farm.HoldingNumber != "DK-1" {
		t.Fatalf("unexpected fields: %+v", attempts[0].Fields)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
