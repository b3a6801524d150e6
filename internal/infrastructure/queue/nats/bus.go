// Package nats carries the messaging surfaces: the extraction work queue,
// the per-document job change feed, the manual review handoff and the
// pipeline retry request channel.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/agridesk/subsidy-extraction/internal/infrastructure/resilience"
)

const (
	subjectJobChangedPrefix = "jobs.changed."
	subjectJobRetryPrefix   = "jobs.retry."
	subjectExtract          = "documents.extract"
	subjectReview           = "documents.review"

	extractQueueGroup = "extraction-workers"
)

type Bus struct {
	conn     *nats.Conn
	executor *resilience.Executor

	mu           sync.Mutex
	connSeq      int
	connHandlers map[int]func(connected bool)
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

func New(url string) (*Bus, error) {
	return NewWithOptions(url, Options{})
}

func NewWithOptions(url string, options Options) (*Bus, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	bus := &Bus{executor: options.ResilienceExecutor}

	conn, err := nats.Connect(
		url,
		nats.Name("subsidy-extraction"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
			bus.notifyConnection(false)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
			bus.notifyConnection(true)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	bus.conn = conn
	return bus, nil
}

func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

// OnConnectionChange registers a handler observing the feed's own
// connectivity. Handlers fire on every disconnect and reconnect until the
// returned unregister func is called.
func (b *Bus) OnConnectionChange(handler func(connected bool)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connHandlers == nil {
		b.connHandlers = make(map[int]func(connected bool))
	}
	b.connSeq++
	id := b.connSeq
	b.connHandlers[id] = handler

	return func() {
		b.mu.Lock()
		delete(b.connHandlers, id)
		b.mu.Unlock()
	}
}

func (b *Bus) notifyConnection(connected bool) {
	b.mu.Lock()
	handlers := make([]func(bool), 0, len(b.connHandlers))
	for _, handler := range b.connHandlers {
		handlers = append(handlers, handler)
	}
	b.mu.Unlock()

	for _, handler := range handlers {
		handler(connected)
	}
}

func (b *Bus) publish(ctx context.Context, operation, subject string, payload []byte) error {
	call := func(_ context.Context) error {
		if err := b.conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("nats publish %s: %w", subject, err)
		}
		return nil
	}

	var err error
	if b.executor != nil {
		err = b.executor.Execute(ctx, operation, call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	return wrapUnavailable(operation, err)
}

// drainOnDone blocks until ctx is cancelled, then drains the subscription.
func (b *Bus) drainOnDone(ctx context.Context, sub *nats.Subscription) error {
	<-ctx.Done()
	if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := b.conn.FlushTimeout(5 * time.Second); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}
