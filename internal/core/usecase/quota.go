package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agridesk/subsidy-extraction/internal/core/domain"
	"github.com/agridesk/subsidy-extraction/internal/core/ports"
)

// QuotaGovernor gates and accounts for calls to rate/cost-limited services.
// It is consulted before an action and updated after; limits are never
// enforced by construction. Its own infrastructure failures degrade to
// "allowed" so a monitoring outage cannot block extraction.
type QuotaGovernor struct {
	store  ports.QuotaStore
	limits map[domain.Service]domain.QuotaLimits
	clock  func() time.Time
	onDeny func(domain.Service)

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewQuotaGovernor(store ports.QuotaStore, limits map[domain.Service]domain.QuotaLimits, clock func() time.Time) *QuotaGovernor {
	if clock == nil {
		clock = time.Now
	}
	return &QuotaGovernor{
		store:  store,
		limits: limits,
		clock:  clock,
		locks:  make(map[string]*sync.Mutex),
	}
}

// CheckStatus returns the current usage snapshot. Absence of data means
// "not yet used"; store errors also degrade to a zero snapshot.
func (g *QuotaGovernor) CheckStatus(ctx context.Context, service domain.Service) domain.ServiceQuota {
	limits := g.limitsFor(service)
	now := g.clock()
	periodStart := limits.Window.PeriodStart(now)

	snapshot := domain.ServiceQuota{
		Service:       service,
		PeriodStart:   periodStart,
		RequestsLimit: limits.RequestsLimit,
		CostLimit:     limits.CostLimit,
		ResetAt:       limits.Window.ResetAt(now),
	}

	current, err := g.store.Current(ctx, service, periodStart)
	if err != nil {
		slog.Warn("quota_status_degraded", "service", string(service), "error", err)
		return snapshot
	}
	if current != nil {
		snapshot.RequestsUsed = current.RequestsUsed
		snapshot.CostUsed = current.CostUsed
	}
	return snapshot
}

// OnDeny registers an observation hook invoked on every denied decision.
func (g *QuotaGovernor) OnDeny(hook func(domain.Service)) {
	g.onDeny = hook
}

// CanProceed denies exactly when the current period's request or cost
// ceiling has been reached. RetryAfter is the time until the period resets.
func (g *QuotaGovernor) CanProceed(ctx context.Context, service domain.Service) domain.QuotaDecision {
	snapshot := g.CheckStatus(ctx, service)
	if !snapshot.Exhausted() {
		return domain.QuotaDecision{Allowed: true}
	}
	if g.onDeny != nil {
		g.onDeny(service)
	}

	reason := fmt.Sprintf("%s request quota exhausted (%d/%d)", service, snapshot.RequestsUsed, snapshot.RequestsLimit)
	if snapshot.CostUsed >= snapshot.CostLimit && snapshot.RequestsUsed < snapshot.RequestsLimit {
		reason = fmt.Sprintf("%s cost ceiling reached (%.2f/%.2f)", service, snapshot.CostUsed, snapshot.CostLimit)
	}

	return domain.QuotaDecision{
		Allowed:    false,
		Reason:     reason,
		RetryAfter: snapshot.ResetAt.Sub(g.clock()),
	}
}

// RecordUsage increments the current period's counters. Failures are logged
// and swallowed; accounting never propagates into the extraction path.
func (g *QuotaGovernor) RecordUsage(ctx context.Context, service domain.Service, requests int64, cost float64, success bool, duration time.Duration) {
	limits := g.limitsFor(service)
	periodStart := limits.Window.PeriodStart(g.clock())

	lock := g.periodLock(service, periodStart)
	lock.Lock()
	defer lock.Unlock()

	if err := g.store.Increment(ctx, service, periodStart, requests, cost, success, duration); err != nil {
		slog.Warn("quota_record_failed",
			"service", string(service),
			"requests", requests,
			"cost", cost,
			"error", err,
		)
	}
}

func (g *QuotaGovernor) limitsFor(service domain.Service) domain.QuotaLimits {
	if limits, ok := g.limits[service]; ok {
		return limits
	}
	// Unconfigured services get a permissive daily window so an unknown
	// service enum value fails open rather than blocking extraction.
	return domain.QuotaLimits{
		Window:        domain.WindowDaily,
		RequestsLimit: 1 << 30,
		CostLimit:     1 << 30,
	}
}

// periodLock serializes writers per (service, period) within this process.
// Entering a new period drops the service's superseded locks; the key
// timestamp is RFC3339 UTC, so lexical order is chronological order.
func (g *QuotaGovernor) periodLock(service domain.Service, periodStart time.Time) *sync.Mutex {
	key := string(service) + "|" + periodStart.UTC().Format(time.RFC3339)

	g.mu.Lock()
	defer g.mu.Unlock()
	lock, ok := g.locks[key]
	if !ok {
		prefix := string(service) + "|"
		for stale := range g.locks {
			if strings.HasPrefix(stale, prefix) && stale < key {
				delete(g.locks, stale)
			}
		}
		lock = &sync.Mutex{}
		g.locks[key] = lock
	}
	return lock
}
