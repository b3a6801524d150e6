package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agridesk/subsidy-extraction/internal/core/domain"
)

// QuotaRepository is the accounting store keyed by (service, period start).
// Limits are configuration, not data; the repository only tracks usage and
// the governor overlays the configured ceilings.
type QuotaRepository struct {
	db *sql.DB
}

func NewQuotaRepository(db *sql.DB) *QuotaRepository {
	return &QuotaRepository{db: db}
}

func (r *QuotaRepository) Current(ctx context.Context, service domain.Service, periodStart time.Time) (*domain.ServiceQuota, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT requests_used, cost_used
FROM service_quota_usage
WHERE service = $1 AND period_start = $2
`, string(service), periodStart.UTC())

	var quota domain.ServiceQuota
	quota.Service = service
	quota.PeriodStart = periodStart.UTC()

	err := row.Scan(&quota.RequestsUsed, &quota.CostUsed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// A fresh period starts from a zero record.
			return &quota, nil
		}
		return nil, fmt.Errorf("scan quota usage: %w", err)
	}
	return &quota, nil
}

// Increment books one call against the (service, period) row. The upsert
// keeps the counter atomic under concurrent workers.
func (r *QuotaRepository) Increment(ctx context.Context, service domain.Service, periodStart time.Time, requests int64, cost float64, success bool, duration time.Duration) error {
	successDelta := int64(0)
	failureDelta := int64(0)
	if success {
		successDelta = 1
	} else {
		failureDelta = 1
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO service_quota_usage (
	service, period_start, requests_used, cost_used, success_count, failure_count, total_duration_ms, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (service, period_start) DO UPDATE SET
	requests_used = service_quota_usage.requests_used + EXCLUDED.requests_used,
	cost_used = service_quota_usage.cost_used + EXCLUDED.cost_used,
	success_count = service_quota_usage.success_count + EXCLUDED.success_count,
	failure_count = service_quota_usage.failure_count + EXCLUDED.failure_count,
	total_duration_ms = service_quota_usage.total_duration_ms + EXCLUDED.total_duration_ms,
	updated_at = EXCLUDED.updated_at
`,
		string(service), periodStart.UTC(), requests, cost, successDelta, failureDelta,
		duration.Milliseconds(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("increment quota usage: %w", err)
	}
	return nil
}
