// Package cache provides a TTL+LRU key/value cache shared by the extraction
// and status components. Instances are constructed per namespace and wired
// from bootstrap; there is no package-level state.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Action string

const (
	ActionSet    Action = "set"
	ActionDelete Action = "delete"
	ActionClear  Action = "clear"
)

// Event is the cross-instance sync message. Conflicts resolve last-write-wins
// by Timestamp; no stronger ordering is guaranteed.
type Event struct {
	Namespace string          `json:"namespace"`
	Action    Action          `json:"action"`
	Key       string          `json:"key,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Origin    string          `json:"origin"`
}

// Broadcaster fans an Event out to sibling instances. Implementations must be
// best-effort; a publish failure never affects the local mutation.
type Broadcaster interface {
	Publish(ctx context.Context, event Event) error
}

type Config struct {
	Namespace  string
	Capacity   int
	DefaultTTL time.Duration

	// Clock is injectable for tests; defaults to time.Now.
	Clock func() time.Time

	// Broadcaster enables cross-instance sync when non-nil.
	Broadcaster Broadcaster

	// Optional observation hooks, wired to metrics in bootstrap.
	OnHit   func()
	OnMiss  func()
	OnEvict func()
}

type entry[V any] struct {
	key            string
	value          V
	insertedAt     time.Time
	ttl            time.Duration
	accessCount    int64
	lastAccessedAt time.Time
	elem           *list.Element
}

// Cache is a generic TTL+LRU cache. Expired items are logically absent from
// Get regardless of physical eviction; the sweeper is an optimization only.
type Cache[V any] struct {
	cfg    Config
	origin string

	mu        sync.Mutex
	items     map[string]*entry[V]
	order     *list.List // front = most recently accessed
	lastWrite map[string]time.Time
	lastClear time.Time
}

func New[V any](cfg Config) *Cache[V] {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Cache[V]{
		cfg:       cfg,
		origin:    uuid.NewString(),
		items:     make(map[string]*entry[V]),
		order:     list.New(),
		lastWrite: make(map[string]time.Time),
	}
}

func (c *Cache[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := c.cfg.Clock()

	c.mu.Lock()
	c.setLocked(key, value, ttl, now)
	c.lastWrite[key] = now
	c.mu.Unlock()

	c.broadcast(ctx, Event{
		Namespace: c.cfg.Namespace,
		Action:    ActionSet,
		Key:       key,
		Value:     marshalValue(value),
		Timestamp: now,
		Origin:    c.origin,
	})
}

func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	now := c.cfg.Clock()

	c.mu.Lock()
	item, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		c.observe(c.cfg.OnMiss)
		return zero, false
	}
	if c.expired(item, now) {
		c.removeLocked(item)
		c.mu.Unlock()
		c.observe(c.cfg.OnMiss)
		return zero, false
	}
	item.accessCount++
	item.lastAccessedAt = now
	c.order.MoveToFront(item.elem)
	value := item.value
	c.mu.Unlock()

	c.observe(c.cfg.OnHit)
	return value, true
}

func (c *Cache[V]) Delete(ctx context.Context, key string) {
	now := c.cfg.Clock()

	c.mu.Lock()
	if item, ok := c.items[key]; ok {
		c.removeLocked(item)
	}
	c.lastWrite[key] = now
	c.mu.Unlock()

	c.broadcast(ctx, Event{
		Namespace: c.cfg.Namespace,
		Action:    ActionDelete,
		Key:       key,
		Timestamp: now,
		Origin:    c.origin,
	})
}

func (c *Cache[V]) Clear(ctx context.Context) {
	now := c.cfg.Clock()

	c.mu.Lock()
	c.clearLocked(now)
	c.mu.Unlock()

	c.broadcast(ctx, Event{
		Namespace: c.cfg.Namespace,
		Action:    ActionClear,
		Timestamp: now,
		Origin:    c.origin,
	})
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// ApplyRemote applies a sibling instance's mutation. Events older than the
// local write for the same key lose; own events are ignored.
func (c *Cache[V]) ApplyRemote(event Event) {
	if event.Origin == c.origin || event.Namespace != c.cfg.Namespace {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if event.Timestamp.Before(c.lastClear) {
		return
	}

	switch event.Action {
	case ActionSet:
		if last, ok := c.lastWrite[event.Key]; ok && event.Timestamp.Before(last) {
			return
		}
		var value V
		if err := json.Unmarshal(event.Value, &value); err != nil {
			slog.Warn("cache_sync_decode_failed", "namespace", c.cfg.Namespace, "key", event.Key, "error", err)
			return
		}
		c.setLocked(event.Key, value, c.cfg.DefaultTTL, event.Timestamp)
		c.lastWrite[event.Key] = event.Timestamp
	case ActionDelete:
		if last, ok := c.lastWrite[event.Key]; ok && event.Timestamp.Before(last) {
			return
		}
		if item, ok := c.items[event.Key]; ok {
			c.removeLocked(item)
		}
		c.lastWrite[event.Key] = event.Timestamp
	case ActionClear:
		c.clearLocked(event.Timestamp)
	}
}

// Sweep physically evicts expired entries. Correctness does not depend on it;
// Get already treats expired entries as absent.
func (c *Cache[V]) Sweep() int {
	now := c.cfg.Clock()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, item := range c.items {
		if c.expired(item, now) {
			c.removeLocked(item)
			removed++
		}
	}

	// Write markers only have to outlive sync skew; a remote event delayed
	// past twice the TTL has already lost to expiry.
	horizon := now.Add(-2 * c.writeMarkerRetention())
	for key, ts := range c.lastWrite {
		if ts.Before(horizon) {
			delete(c.lastWrite, key)
		}
	}
	return removed
}

func (c *Cache[V]) writeMarkerRetention() time.Duration {
	if c.cfg.DefaultTTL > time.Minute {
		return c.cfg.DefaultTTL
	}
	return time.Minute
}

// StartSweeper runs Sweep on a fixed interval until ctx is cancelled.
func (c *Cache[V]) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

func (c *Cache[V]) setLocked(key string, value V, ttl time.Duration, now time.Time) {
	if item, ok := c.items[key]; ok {
		item.value = value
		item.insertedAt = now
		item.ttl = ttl
		item.lastAccessedAt = now
		c.order.MoveToFront(item.elem)
		return
	}

	if len(c.items) >= c.cfg.Capacity {
		c.evictOldestLocked()
	}

	item := &entry[V]{
		key:            key,
		value:          value,
		insertedAt:     now,
		ttl:            ttl,
		lastAccessedAt: now,
	}
	item.elem = c.order.PushFront(item)
	c.items[key] = item
}

// evictOldestLocked removes the entry with the smallest lastAccessedAt.
// The list back is the least recently touched entry; among never-read
// entries that is also the earliest inserted, which settles ties.
func (c *Cache[V]) evictOldestLocked() {
	back := c.order.Back()
	if back == nil {
		return
	}
	c.removeLocked(back.Value.(*entry[V]))
	c.observe(c.cfg.OnEvict)
}

func (c *Cache[V]) removeLocked(item *entry[V]) {
	c.order.Remove(item.elem)
	delete(c.items, item.key)
}

func (c *Cache[V]) clearLocked(at time.Time) {
	c.items = make(map[string]*entry[V])
	c.order.Init()
	c.lastWrite = make(map[string]time.Time)
	c.lastClear = at
}

func (c *Cache[V]) expired(item *entry[V], now time.Time) bool {
	return item.ttl > 0 && now.Sub(item.insertedAt) > item.ttl
}

func (c *Cache[V]) broadcast(ctx context.Context, event Event) {
	if c.cfg.Broadcaster == nil {
		return
	}
	if err := c.cfg.Broadcaster.Publish(ctx, event); err != nil {
		slog.Warn("cache_sync_publish_failed", "namespace", c.cfg.Namespace, "action", string(event.Action), "error", err)
	}
}

func (c *Cache[V]) observe(hook func()) {
	if hook != nil {
		hook()
	}
}

func marshalValue(value any) json.RawMessage {
	raw, err := json.Marshal(value)
	if err != nil {
		slog.Warn("cache_sync_encode_failed", "error", err)
		return nil
	}
	return raw
}
