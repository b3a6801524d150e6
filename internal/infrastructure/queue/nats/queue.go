package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/agridesk/subsidy-extraction/internal/core/domain"
)

// PublishExtractionRequested hands an extraction job to the worker pool.
func (b *Bus) PublishExtractionRequested(ctx context.Context, req domain.ExtractionRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal extraction request: %w", err)
	}
	return b.publish(ctx, "nats.publish_extraction", subjectExtract, payload)
}

// SubscribeExtractionRequested consumes the extraction queue until ctx is
// cancelled. Workers share a queue group so each request lands on exactly
// one of them.
func (b *Bus) SubscribeExtractionRequested(ctx context.Context, handler func(context.Context, domain.ExtractionRequest) error) error {
	sub, err := b.conn.QueueSubscribe(subjectExtract, extractQueueGroup, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		var req domain.ExtractionRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			slog.Warn("extraction_request_decode_failed", "error", err)
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, req); err != nil {
			slog.Error("extraction_handler_failed", "document_id", req.DocumentID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subjectExtract, err)
	}
	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	return b.drainOnDone(ctx, sub)
}

// EnqueueManualReview publishes a finished attempt onto the review queue
// consumed by the case-handling backoffice.
func (b *Bus) EnqueueManualReview(ctx context.Context, attempt *domain.ExtractionAttempt) error {
	payload, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("marshal review attempt: %w", err)
	}
	return b.publish(ctx, "nats.publish_review", subjectReview, payload)
}
