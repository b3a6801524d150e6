package usecase

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/agridesk/subsidy-extraction/internal/core/domain"
	"github.com/agridesk/subsidy-extraction/internal/core/ports"
	"github.com/agridesk/subsidy-extraction/internal/infrastructure/cache"
)

type StatusConfig struct {
	PollBaseInterval time.Duration
	PollMaxInterval  time.Duration
	PollMultiplier   float64
	SnapshotTTL      time.Duration
}

func DefaultStatusConfig() StatusConfig {
	return StatusConfig{
		PollBaseInterval: 2 * time.Second,
		PollMaxInterval:  30 * time.Second,
		PollMultiplier:   1.5,
		SnapshotTTL:      time.Minute,
	}
}

func (c StatusConfig) normalize() StatusConfig {
	out := c
	def := DefaultStatusConfig()
	if out.PollBaseInterval <= 0 {
		out.PollBaseInterval = def.PollBaseInterval
	}
	if out.PollMaxInterval < out.PollBaseInterval {
		out.PollMaxInterval = def.PollMaxInterval
	}
	if out.PollMaxInterval < out.PollBaseInterval {
		out.PollMaxInterval = out.PollBaseInterval
	}
	if out.PollMultiplier < 1 {
		out.PollMultiplier = def.PollMultiplier
	}
	if out.SnapshotTTL <= 0 {
		out.SnapshotTTL = def.SnapshotTTL
	}
	return out
}

// NextPollInterval is the backoff formula: base * multiplier^n, capped.
func NextPollInterval(base, ceiling time.Duration, multiplier float64, n int) time.Duration {
	if n <= 0 {
		return base
	}
	next := time.Duration(float64(base) * math.Pow(multiplier, float64(n)))
	if next > ceiling || next <= 0 {
		return ceiling
	}
	return next
}

// Notification is the user-facing message emitted when the observed status
// enum value changes.
type Notification struct {
	DocumentID string
	Status     domain.ProcessingStatus
	Message    string
}

// StatusView is the derived read model handed to callers. Every field is a
// pure function of the latest merged snapshot.
type StatusView struct {
	DocumentID         string                  `json:"document_id"`
	Status             domain.ProcessingStatus `json:"status"`
	IsProcessing       bool                    `json:"is_processing"`
	HasError           bool                    `json:"has_error"`
	ErrorCode          string                  `json:"error_code,omitempty"`
	ErrorMessage       string                  `json:"error_message,omitempty"`
	Remediation        string                  `json:"remediation,omitempty"`
	Retryable          bool                    `json:"retryable"`
	RetryCount         int                     `json:"retry_count"`
	MaxRetries         int                     `json:"max_retries"`
	NextRetryAt        *time.Time              `json:"next_retry_at,omitempty"`
	ProgressPercentage int                     `json:"progress_percentage"`
	CurrentStep        string                  `json:"current_step"`
}

// BuildStatusView derives the caller-facing projection from one snapshot.
func BuildStatusView(job *domain.ProcessingJob) StatusView {
	if job == nil {
		return StatusView{CurrentStep: "Waiting for processing to start"}
	}
	view := StatusView{
		DocumentID:         job.DocumentID,
		Status:             job.Status,
		IsProcessing:       !job.Status.Terminal(),
		Retryable:          job.Retryable,
		RetryCount:         job.CurrentRetry,
		MaxRetries:         job.MaxRetries,
		NextRetryAt:        job.NextRetryAt,
		ProgressPercentage: job.Progress,
		CurrentStep:        job.Status.StepLabel(),
	}
	if job.Status == domain.StatusFailed {
		view.HasError = true
		view.ErrorCode = job.FailureCode
		view.ErrorMessage = domain.FailureMessage(job.FailureCode)
		view.Remediation = domain.Remediation(domain.FailureKind(job.FailureCode))
	}
	return view
}

// MergeSnapshots reconciles a freshly resolved snapshot with the previously
// displayed one. A failed status always applies; a stale read that regresses
// the stage ordering is discarded; progress never moves backwards and never
// drops below the previous stage's anchor.
func MergeSnapshots(prev, next *domain.ProcessingJob) *domain.ProcessingJob {
	if next == nil {
		return prev
	}
	out := *next
	if out.Progress < 0 {
		out.Progress = 0
	}
	if out.Progress > 100 {
		out.Progress = 100
	}
	if prev == nil || next.Status == domain.StatusFailed {
		return &out
	}
	if prev.Status != domain.StatusFailed && next.Status.Rank() < prev.Status.Rank() {
		return prev
	}
	if out.Progress < prev.Progress {
		out.Progress = prev.Progress
	}
	if anchor := prev.Status.Anchor(); out.Progress < anchor {
		out.Progress = anchor
	}
	return &out
}

// StatusReconciler presents one coherent view of a document's processing job
// sourced from a backoff-driven poller and a push change feed. Whichever
// fetch resolves last wins the displayed snapshot; MergeSnapshots guards
// against regressions from stale reads.
type StatusReconciler struct {
	documentID string
	store      ports.JobStore
	feed       ports.ChangeFeed
	retrier    ports.RetryTrigger
	snapshots  *cache.Cache[*domain.ProcessingJob]
	cfg        StatusConfig
	notify     func(Notification)

	ctx            context.Context
	cancel         context.CancelFunc
	unsubscribe    func()
	unregisterConn func()

	mu            sync.Mutex
	current       *domain.ProcessingJob
	pollCount     int
	pushConnected bool
	retryInFlight bool
	closed        bool
	pollWake      chan struct{}
}

func NewStatusReconciler(
	documentID string,
	store ports.JobStore,
	feed ports.ChangeFeed,
	retrier ports.RetryTrigger,
	snapshots *cache.Cache[*domain.ProcessingJob],
	cfg StatusConfig,
	notify func(Notification),
) *StatusReconciler {
	return &StatusReconciler{
		documentID: documentID,
		store:      store,
		feed:       feed,
		retrier:    retrier,
		snapshots:  snapshots,
		cfg:        cfg.normalize(),
		notify:     notify,
		pollWake:   make(chan struct{}, 1),
	}
}

func (r *StatusReconciler) snapshotKey() string {
	return "job:" + r.documentID
}

// Start subscribes to the push channel and begins polling. A failed
// subscription degrades to poll-only operation.
func (r *StatusReconciler) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)

	unsubscribe, err := r.feed.SubscribeJobChanges(r.ctx, r.documentID, r.handleChange)
	if err != nil {
		slog.Warn("job_feed_subscribe_failed", "document_id", r.documentID, "error", err)
	} else {
		r.unsubscribe = unsubscribe
		r.unregisterConn = r.feed.OnConnectionChange(r.handleConnection)
	}

	go r.refresh(r.ctx, false)
	go r.pollLoop(r.ctx)
}

// Close tears down the poller and subscription. Fetches already in flight
// resolve but their results are discarded.
func (r *StatusReconciler) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	if r.unregisterConn != nil {
		r.unregisterConn()
	}
	if r.cancel != nil {
		r.cancel()
	}
}

// Snapshot returns the derived view of the latest merged snapshot.
func (r *StatusReconciler) Snapshot() StatusView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return BuildStatusView(r.current)
}

// Retry asks the pipeline to re-run the document. It is a no-op while a
// retry is already in flight and fails when the snapshot is not retryable.
func (r *StatusReconciler) Retry(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return domain.WrapError(domain.ErrValidation, "retry", errors.New("watcher closed"))
	}
	if r.retryInFlight {
		r.mu.Unlock()
		return nil
	}
	if r.current == nil || !r.current.Retryable {
		r.mu.Unlock()
		return domain.WrapError(domain.ErrValidation, "retry", errors.New("document is not retryable"))
	}
	r.retryInFlight = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.retryInFlight = false
		r.mu.Unlock()
	}()

	delay, err := r.retrier.RequestRetry(ctx, r.documentID)
	if err != nil {
		return err
	}
	slog.Info("retry_requested", "document_id", r.documentID, "delay", delay)

	r.snapshots.Delete(ctx, r.snapshotKey())
	r.resetBackoff()
	go r.refresh(r.ctx, true)
	return nil
}

func (r *StatusReconciler) pollLoop(ctx context.Context) {
	for {
		r.mu.Lock()
		interval := NextPollInterval(r.cfg.PollBaseInterval, r.cfg.PollMaxInterval, r.cfg.PollMultiplier, r.pollCount)
		r.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.pollWake:
			timer.Stop()
			continue
		case <-timer.C:
		}

		r.mu.Lock()
		terminal := r.current != nil && r.current.Status.Terminal()
		connected := r.pushConnected
		if !terminal && !connected {
			r.pollCount++
		}
		r.mu.Unlock()

		if terminal {
			return
		}
		if connected {
			// The push channel owns updates while connected; the poller
			// idles without advancing its backoff.
			continue
		}
		r.refresh(ctx, false)
	}
}

// refresh resolves a snapshot, preferring the local cache unless force is
// set (push invalidation, retry). The resolved snapshot is applied with
// last-resolved-wins semantics.
func (r *StatusReconciler) refresh(ctx context.Context, force bool) {
	if !force {
		if job, ok := r.snapshots.Get(r.snapshotKey()); ok {
			r.apply(job)
			return
		}
	}

	job, err := r.store.GetJob(ctx, r.documentID)
	if err != nil {
		if !domain.IsKind(err, domain.ErrJobNotFound) {
			slog.Warn("job_fetch_failed", "document_id", r.documentID, "error", err)
		}
		return
	}

	r.snapshots.Set(ctx, r.snapshotKey(), job, r.cfg.SnapshotTTL)
	r.apply(job)
}

func (r *StatusReconciler) apply(job *domain.ProcessingJob) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	prev := r.current
	merged := MergeSnapshots(prev, job)
	r.current = merged
	statusChanged := merged != nil && (prev == nil || prev.Status != merged.Status)
	r.mu.Unlock()

	if statusChanged && r.notify != nil {
		r.notify(buildNotification(merged))
	}
}

func (r *StatusReconciler) handleChange(_ domain.JobChangeEvent) {
	// Any change invalidates the cached snapshot and forces a re-fetch so
	// the displayed state always comes from an authoritative read.
	r.snapshots.Delete(r.ctx, r.snapshotKey())
	go r.refresh(r.ctx, true)
}

func (r *StatusReconciler) handleConnection(connected bool) {
	r.mu.Lock()
	wasConnected := r.pushConnected
	r.pushConnected = connected
	if connected && !wasConnected {
		r.pollCount = 0
	}
	r.mu.Unlock()

	if connected && !wasConnected {
		r.wakePoller()
	}
}

func (r *StatusReconciler) resetBackoff() {
	r.mu.Lock()
	r.pollCount = 0
	r.mu.Unlock()
	r.wakePoller()
}

func (r *StatusReconciler) wakePoller() {
	select {
	case r.pollWake <- struct{}{}:
	default:
	}
}

func buildNotification(job *domain.ProcessingJob) Notification {
	message := job.Status.StepLabel()
	if job.Status == domain.StatusFailed {
		message = domain.FailureMessage(job.FailureCode)
	}
	return Notification{
		DocumentID: job.DocumentID,
		Status:     job.Status,
		Message:    message,
	}
}
