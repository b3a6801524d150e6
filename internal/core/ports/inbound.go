package ports

import (
	"context"

	"github.com/agridesk/subsidy-extraction/internal/core/domain"
)

// DocumentExtractor is the inbound contract for running the fallback chain.
// It always produces an attempt; degradation is recorded, never raised.
type DocumentExtractor interface {
	Extract(ctx context.Context, req domain.ExtractionRequest) *domain.ExtractionAttempt
}

// JobReader is the inbound read model for a document's processing state.
type JobReader interface {
	GetJob(ctx context.Context, documentID string) (*domain.ProcessingJob, error)
}
