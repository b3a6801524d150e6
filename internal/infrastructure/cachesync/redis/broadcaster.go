// Package redis synchronizes cache instances across processes through redis
// pub/sub. Delivery is best-effort: a missed message only costs a cache miss.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/agridesk/subsidy-extraction/internal/infrastructure/cache"
)

const channelPrefix = "cache:sync:"

type Broadcaster struct {
	client *goredis.Client
}

func New(addr, password string, db int) (*Broadcaster, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Broadcaster{client: client}, nil
}

func (b *Broadcaster) Close() error {
	return b.client.Close()
}

// Publish sends the event to sibling instances of the same namespace.
func (b *Broadcaster) Publish(ctx context.Context, event cache.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal cache event: %w", err)
	}
	if err := b.client.Publish(ctx, channelPrefix+event.Namespace, payload).Err(); err != nil {
		return fmt.Errorf("publish cache event: %w", err)
	}
	return nil
}

// Listen subscribes to a namespace channel and feeds decoded events to apply
// until ctx is cancelled. Malformed payloads are logged and skipped.
func (b *Broadcaster) Listen(ctx context.Context, namespace string, apply func(cache.Event)) {
	pubsub := b.client.Subscribe(ctx, channelPrefix+namespace)
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event cache.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					slog.Warn("cache_sync_decode_failed", "namespace", namespace, "error", err)
					continue
				}
				apply(event)
			}
		}
	}()
}
