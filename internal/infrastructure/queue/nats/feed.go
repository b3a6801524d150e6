package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/agridesk/subsidy-extraction/internal/core/domain"
)

// SubscribeJobChanges delivers push notifications for one document's job
// row. The returned function tears the subscription down; events arriving
// after teardown are dropped by the server.
func (b *Bus) SubscribeJobChanges(ctx context.Context, documentID string, handler func(domain.JobChangeEvent)) (func(), error) {
	subject := subjectJobChangedPrefix + documentID

	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		var event domain.JobChangeEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Warn("job_change_decode_failed", "subject", subject, "error", err)
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats flush: %w", err)
	}

	return func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			slog.Warn("job_change_unsubscribe_failed", "subject", subject, "error", err)
		}
	}, nil
}

// PublishJobChange mirrors a job row change onto the per-document subject.
// The status pipeline calls this after every row write.
func (b *Bus) PublishJobChange(ctx context.Context, event domain.JobChangeEvent) error {
	job := event.New
	if job == nil {
		job = event.Old
	}
	if job == nil {
		return fmt.Errorf("job change event carries no row")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal job change event: %w", err)
	}
	return b.publish(ctx, "nats.publish_job_change", subjectJobChangedPrefix+job.DocumentID, payload)
}

type retryResponse struct {
	DelaySeconds int    `json:"delay_seconds"`
	Error        string `json:"error,omitempty"`
}

// RequestRetry asks the pipeline to re-run a failed document over
// request-reply. The response carries the delay before the pipeline will
// pick the document up.
func (b *Bus) RequestRetry(ctx context.Context, documentID string) (time.Duration, error) {
	msg, err := b.conn.RequestWithContext(ctx, subjectJobRetryPrefix+documentID, nil)
	if err != nil {
		return 0, wrapUnavailable("nats.request_retry", fmt.Errorf("nats request retry: %w", err))
	}

	var response retryResponse
	if err := json.Unmarshal(msg.Data, &response); err != nil {
		return 0, domain.WrapError(domain.ErrParsing, "nats.request_retry", fmt.Errorf("decode retry response: %w", err))
	}
	if response.Error != "" {
		return 0, domain.WrapError(domain.ErrService, "nats.request_retry", errors.New(response.Error))
	}
	return time.Duration(response.DelaySeconds) * time.Second, nil
}
