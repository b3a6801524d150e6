// Package postgres holds the database/sql repositories backing the job and
// quota stores.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/agridesk/subsidy-extraction/internal/core/domain"
)

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *JobRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026082101)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS processing_jobs (
	document_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	failure_code TEXT,
	failure_detail TEXT,
	retryable BOOLEAN NOT NULL DEFAULT FALSE,
	current_retry INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	next_retry_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_processing_jobs_status ON processing_jobs(status);

CREATE TABLE IF NOT EXISTS extraction_attempts (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	file_reference TEXT NOT NULL,
	client_type TEXT NOT NULL,
	method TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	processing_time_ms BIGINT NOT NULL DEFAULT 0,
	errors JSONB NOT NULL DEFAULT '[]'::jsonb,
	fields JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_extraction_attempts_document_id ON extraction_attempts(document_id);

CREATE TABLE IF NOT EXISTS service_quota_usage (
	service TEXT NOT NULL,
	period_start TIMESTAMPTZ NOT NULL,
	requests_used BIGINT NOT NULL DEFAULT 0,
	cost_used DOUBLE PRECISION NOT NULL DEFAULT 0,
	success_count BIGINT NOT NULL DEFAULT 0,
	failure_count BIGINT NOT NULL DEFAULT 0,
	total_duration_ms BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (service, period_start)
);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *JobRepository) GetJob(ctx context.Context, documentID string) (*domain.ProcessingJob, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT document_id, status, progress, failure_code, failure_detail, retryable, current_retry, max_retries, next_retry_at, updated_at
FROM processing_jobs
WHERE document_id = $1
`, documentID)

	var job domain.ProcessingJob
	var status string
	var failureCode, failureDetail sql.NullString
	var nextRetryAt sql.NullTime

	err := row.Scan(
		&job.DocumentID, &status, &job.Progress, &failureCode, &failureDetail,
		&job.Retryable, &job.CurrentRetry, &job.MaxRetries, &nextRetryAt, &job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrJobNotFound, "get_job", fmt.Errorf("processing job not found: %s", documentID))
		}
		return nil, fmt.Errorf("scan processing job: %w", err)
	}

	job.Status = domain.ProcessingStatus(status)
	job.FailureCode = failureCode.String
	job.FailureDetail = failureDetail.String
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		job.NextRetryAt = &t
	}
	return &job, nil
}

func (r *JobRepository) SaveAttempt(ctx context.Context, attempt *domain.ExtractionAttempt) error {
	errorsJSON, err := json.Marshal(attempt.Errors)
	if err != nil {
		return fmt.Errorf("marshal attempt errors: %w", err)
	}
	fieldsJSON, err := json.Marshal(attempt.Fields)
	if err != nil {
		return fmt.Errorf("marshal attempt fields: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO extraction_attempts (
	id, document_id, file_reference, client_type, method, confidence, cost, processing_time_ms, errors, fields, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO NOTHING
`,
		attempt.ID, attempt.DocumentID, attempt.FileReference, string(attempt.ClientType), string(attempt.Method),
		attempt.Confidence, attempt.Cost, attempt.ProcessingTimeMs, errorsJSON, fieldsJSON, attempt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert extraction attempt: %w", err)
	}
	return nil
}

// AttemptsByDocument lists a document's attempt history, newest first.
func (r *JobRepository) AttemptsByDocument(ctx context.Context, documentID string) ([]*domain.ExtractionAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, document_id, file_reference, client_type, method, confidence, cost, processing_time_ms, errors, fields, created_at
FROM extraction_attempts
WHERE document_id = $1
ORDER BY created_at DESC
`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query extraction attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*domain.ExtractionAttempt
	for rows.Next() {
		var attempt domain.ExtractionAttempt
		var clientType, method string
		var errorsRaw, fieldsRaw []byte

		err := rows.Scan(
			&attempt.ID, &attempt.DocumentID, &attempt.FileReference, &clientType, &method,
			&attempt.Confidence, &attempt.Cost, &attempt.ProcessingTimeMs, &errorsRaw, &fieldsRaw, &attempt.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan extraction attempt: %w", err)
		}
		if err := json.Unmarshal(errorsRaw, &attempt.Errors); err != nil {
			return nil, fmt.Errorf("unmarshal attempt errors: %w", err)
		}
		if err := json.Unmarshal(fieldsRaw, &attempt.Fields); err != nil {
			return nil, fmt.Errorf("unmarshal attempt fields: %w", err)
		}
		attempt.ClientType = domain.ClientType(clientType)
		attempt.Method = domain.ExtractionMethod(method)
		attempts = append(attempts, &attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate extraction attempts: %w", err)
	}
	return attempts, nil
}
