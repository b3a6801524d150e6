package ports

import (
	"context"
	"time"

	"github.com/agridesk/subsidy-extraction/internal/core/domain"
)

// RecognitionService invokes the remote recognition tiers as opaque calls.
type RecognitionService interface {
	Primary(ctx context.Context, req domain.ExtractionRequest) (domain.RecognitionResult, error)
	Single(ctx context.Context, req domain.ExtractionRequest) (domain.RecognitionResult, error)
	Health(ctx context.Context) domain.HealthSnapshot
}

// JobStore reads the authoritative per-document processing job row.
type JobStore interface {
	GetJob(ctx context.Context, documentID string) (*domain.ProcessingJob, error)
}

// AttemptStore persists finalized extraction attempts.
type AttemptStore interface {
	SaveAttempt(ctx context.Context, attempt *domain.ExtractionAttempt) error
}

// AttemptReader lists a document's attempt history, newest first.
type AttemptReader interface {
	AttemptsByDocument(ctx context.Context, documentID string) ([]*domain.ExtractionAttempt, error)
}

// ChangeFeed delivers push notifications for one document's job row.
// OnConnectionChange reports the channel's own connectivity so the poller
// can suspend itself and reset its backoff; both registrations hand back a
// teardown func so short-lived observers do not accumulate on the feed.
type ChangeFeed interface {
	SubscribeJobChanges(ctx context.Context, documentID string, handler func(domain.JobChangeEvent)) (func(), error)
	OnConnectionChange(handler func(connected bool)) (unregister func())
}

// RetryTrigger asks the external pipeline to re-run a failed document.
type RetryTrigger interface {
	RequestRetry(ctx context.Context, documentID string) (delay time.Duration, err error)
}

// QuotaStore is the accounting store keyed by (service, period start).
// Increment must be atomic at the store level.
type QuotaStore interface {
	Current(ctx context.Context, service domain.Service, periodStart time.Time) (*domain.ServiceQuota, error)
	Increment(ctx context.Context, service domain.Service, periodStart time.Time, requests int64, cost float64, success bool, duration time.Duration) error
}

// ReviewQueue hands documents over to human review.
type ReviewQueue interface {
	EnqueueManualReview(ctx context.Context, attempt *domain.ExtractionAttempt) error
}

// ExtractionQueue moves extraction jobs between the API and the worker.
type ExtractionQueue interface {
	PublishExtractionRequested(ctx context.Context, req domain.ExtractionRequest) error
	SubscribeExtractionRequested(ctx context.Context, handler func(context.Context, domain.ExtractionRequest) error) error
}
