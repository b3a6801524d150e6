package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agridesk/subsidy-extraction/internal/core/domain"
	"github.com/agridesk/subsidy-extraction/internal/infrastructure/cache"
)

func TestNextPollIntervalFormula(t *testing.T) {
	base := 2 * time.Second
	ceiling := 30 * time.Second

	cases := []struct {
		n    int
		want time.Duration
	}{
		{0, 2 * time.Second},
		{1, 3 * time.Second},
		{2, 4500 * time.Millisecond},
		{3, 6750 * time.Millisecond},
		{10, 30 * time.Second},
	}
	for _, tc := range cases {
		got := NextPollInterval(base, ceiling, 1.5, tc.n)
		if got != tc.want {
			t.Fatalf("NextPollInterval(n=%d) = %v, want %v", tc.n, got, tc.want)
		}
	}
}

func TestMergeSnapshotsProgressNeverDecreases(t *testing.T) {
	prev := &domain.ProcessingJob{Status: domain.StatusOCR, Progress: 65}
	next := &domain.ProcessingJob{Status: domain.StatusOCR, Progress: 61}

	merged := MergeSnapshots(prev, next)
	if merged.Progress != 65 {
		t.Fatalf("progress = %d, want clamped to 65", merged.Progress)
	}
}

func TestMergeSnapshotsDiscardsStageRegression(t *testing.T) {
	prev := &domain.ProcessingJob{Status: domain.StatusAI, Progress: 80}
	stale := &domain.ProcessingJob{Status: domain.StatusExtracting, Progress: 45}

	merged := MergeSnapshots(prev, stale)
	if merged.Status != domain.StatusAI || merged.Progress != 80 {
		t.Fatalf("stale regression must be discarded, got %+v", merged)
	}
}

func TestMergeSnapshotsFloorsAtPreviousAnchor(t *testing.T) {
	prev := &domain.ProcessingJob{Status: domain.StatusVirusScan, Progress: 20}
	next := &domain.ProcessingJob{Status: domain.StatusExtracting, Progress: 5}

	merged := MergeSnapshots(prev, next)
	if merged.Progress < domain.StatusVirusScan.Anchor() {
		t.Fatalf("progress %d below previous anchor %d", merged.Progress, domain.StatusVirusScan.Anchor())
	}
}

func TestMergeSnapshotsFailedReachableFromAnyState(t *testing.T) {
	for _, status := range []domain.ProcessingStatus{domain.StatusUploading, domain.StatusVirusScan, domain.StatusExtracting, domain.StatusOCR, domain.StatusAI} {
		prev := &domain.ProcessingJob{Status: status, Progress: status.Anchor()}
		failed := &domain.ProcessingJob{Status: domain.StatusFailed, FailureCode: "pipeline_timeout"}

		merged := MergeSnapshots(prev, failed)
		if merged.Status != domain.StatusFailed {
			t.Fatalf("failed must apply from %s, got %s", status, merged.Status)
		}
	}
}

func TestBuildStatusViewFailedWithQuotaCode(t *testing.T) {
	view := BuildStatusView(&domain.ProcessingJob{
		DocumentID:  "doc-1",
		Status:      domain.StatusFailed,
		FailureCode: "ai_quota_exceeded",
		Retryable:   true,
		MaxRetries:  3,
	})

	if !view.HasError {
		t.Fatalf("expected hasError")
	}
	if view.ErrorMessage != "AI service quota exceeded" {
		t.Fatalf("errorMessage = %q", view.ErrorMessage)
	}
	if !view.Retryable {
		t.Fatalf("retryable must reflect the storage flag")
	}
	if view.IsProcessing {
		t.Fatalf("failed is terminal")
	}
	if view.Remediation == "" {
		t.Fatalf("failure view must carry a remediation")
	}
}

func TestBuildStatusViewUnknownFailureCode(t *testing.T) {
	view := BuildStatusView(&domain.ProcessingJob{Status: domain.StatusFailed, FailureCode: "weird_code"})
	if view.ErrorMessage != "An unknown error occurred during processing" {
		t.Fatalf("unknown codes must map to the generic message, got %q", view.ErrorMessage)
	}
}

type jobStoreFake struct {
	mu    sync.Mutex
	job   *domain.ProcessingJob
	calls int
	err   error
}

func (f *jobStoreFake) GetJob(context.Context, string) (*domain.ProcessingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	copyJob := *f.job
	return &copyJob, nil
}

func (f *jobStoreFake) set(job *domain.ProcessingJob) {
	f.mu.Lock()
	f.job = job
	f.mu.Unlock()
}

func (f *jobStoreFake) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type feedFake struct {
	mu               sync.Mutex
	handler          func(domain.JobChangeEvent)
	connHandler      func(bool)
	subscribeErr     error
	unsubscribed     bool
	connUnregistered bool
}

func (f *feedFake) SubscribeJobChanges(_ context.Context, _ string, handler func(domain.JobChangeEvent)) (func(), error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.unsubscribed = true
		f.mu.Unlock()
	}, nil
}

func (f *feedFake) OnConnectionChange(handler func(bool)) func() {
	f.mu.Lock()
	f.connHandler = handler
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.connHandler = nil
		f.connUnregistered = true
		f.mu.Unlock()
	}
}

func (f *feedFake) Emit(event domain.JobChangeEvent) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(event)
	}
}

func (f *feedFake) SetConnected(connected bool) {
	f.mu.Lock()
	handler := f.connHandler
	f.mu.Unlock()
	if handler != nil {
		handler(connected)
	}
}

type retryTriggerFake struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
	err   error
}

func (f *retryTriggerFake) RequestRetry(context.Context, string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.delay, f.err
}

func (f *retryTriggerFake) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newReconciler(store *jobStoreFake, feed *feedFake, retrier *retryTriggerFake, notify func(Notification)) *StatusReconciler {
	snapshots := cache.New[*domain.ProcessingJob](cache.Config{Namespace: "jobs", Capacity: 16})
	cfg := StatusConfig{
		PollBaseInterval: 5 * time.Millisecond,
		PollMaxInterval:  40 * time.Millisecond,
		PollMultiplier:   1.5,
		SnapshotTTL:      time.Millisecond, // poll fetches must hit the store
	}
	return NewStatusReconciler("doc-1", store, feed, retrier, snapshots, cfg, notify)
}

func TestReconcilerPollsUntilTerminal(t *testing.T) {
	store := &jobStoreFake{job: &domain.ProcessingJob{DocumentID: "doc-1", Status: domain.StatusExtracting, Progress: 40}}
	feed := &feedFake{subscribeErr: errors.New("feed down")}

	r := newReconciler(store, feed, &retryTriggerFake{}, nil)
	r.Start(context.Background())
	defer r.Close()

	waitFor(t, "initial snapshot", func() bool {
		return r.Snapshot().Status == domain.StatusExtracting
	})

	store.set(&domain.ProcessingJob{DocumentID: "doc-1", Status: domain.StatusOCR, Progress: 60})
	waitFor(t, "poller to observe ocr", func() bool {
		return r.Snapshot().Status == domain.StatusOCR
	})

	store.set(&domain.ProcessingJob{DocumentID: "doc-1", Status: domain.StatusCompleted, Progress: 100})
	waitFor(t, "terminal snapshot", func() bool {
		return r.Snapshot().Status == domain.StatusCompleted
	})

	// Polling stops at terminal status.
	settled := store.callCount()
	time.Sleep(60 * time.Millisecond)
	if store.callCount() > settled+1 {
		t.Fatalf("poller kept fetching after terminal status: %d -> %d", settled, store.callCount())
	}

	view := r.Snapshot()
	if view.ProgressPercentage != 100 || view.IsProcessing {
		t.Fatalf("unexpected terminal view: %+v", view)
	}
}

func TestReconcilerPushChangeForcesRefetchAndNotifies(t *testing.T) {
	store := &jobStoreFake{job: &domain.ProcessingJob{DocumentID: "doc-1", Status: domain.StatusExtracting, Progress: 40}}
	feed := &feedFake{}

	var mu sync.Mutex
	var notifications []Notification
	notify := func(n Notification) {
		mu.Lock()
		notifications = append(notifications, n)
		mu.Unlock()
	}

	r := newReconciler(store, feed, &retryTriggerFake{}, notify)
	r.Start(context.Background())
	defer r.Close()

	// Suppress polling so the push path is what drives the update.
	feed.SetConnected(true)
	waitFor(t, "initial snapshot", func() bool {
		return r.Snapshot().Status == domain.StatusExtracting
	})

	store.set(&domain.ProcessingJob{DocumentID: "doc-1", Status: domain.StatusFailed, FailureCode: "ai_quota_exceeded", Retryable: true})
	feed.Emit(domain.JobChangeEvent{EventType: domain.ChangeUpdate})
	waitFor(t, "failed snapshot via push", func() bool {
		return r.Snapshot().Status == domain.StatusFailed
	})

	view := r.Snapshot()
	if !view.HasError || view.ErrorMessage != "AI service quota exceeded" {
		t.Fatalf("unexpected failed view: %+v", view)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(notifications) < 2 {
		t.Fatalf("expected a notification per status change, got %d", len(notifications))
	}
	last := notifications[len(notifications)-1]
	if last.Status != domain.StatusFailed || last.Message != "AI service quota exceeded" {
		t.Fatalf("unexpected failure notification: %+v", last)
	}
}

func TestReconcilerConnectedSuspendsPollingAndResetsBackoff(t *testing.T) {
	store := &jobStoreFake{job: &domain.ProcessingJob{DocumentID: "doc-1", Status: domain.StatusExtracting, Progress: 40}}
	feed := &feedFake{}

	r := newReconciler(store, feed, &retryTriggerFake{}, nil)
	r.Start(context.Background())
	defer r.Close()

	waitFor(t, "backoff to accumulate", func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.pollCount >= 2
	})

	feed.SetConnected(true)
	waitFor(t, "backoff reset on connect", func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.pollCount == 0
	})

	settled := store.callCount()
	time.Sleep(50 * time.Millisecond)
	if store.callCount() > settled+1 {
		t.Fatalf("poller must idle while push is connected: %d -> %d", settled, store.callCount())
	}
}

func TestReconcilerRetryRequiresRetryableSnapshot(t *testing.T) {
	store := &jobStoreFake{job: &domain.ProcessingJob{DocumentID: "doc-1", Status: domain.StatusExtracting, Progress: 40}}
	r := newReconciler(store, &feedFake{}, &retryTriggerFake{}, nil)
	r.Start(context.Background())
	defer r.Close()

	waitFor(t, "initial snapshot", func() bool {
		return r.Snapshot().Status == domain.StatusExtracting
	})

	err := r.Retry(context.Background())
	if err == nil || !domain.IsKind(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for non-retryable snapshot, got %v", err)
	}
}

func TestReconcilerRetryInvokesTriggerAndIsIdempotent(t *testing.T) {
	store := &jobStoreFake{job: &domain.ProcessingJob{DocumentID: "doc-1", Status: domain.StatusFailed, FailureCode: "pipeline_timeout", Retryable: true}}
	retrier := &retryTriggerFake{delay: 5 * time.Second}

	r := newReconciler(store, &feedFake{}, retrier, nil)
	r.Start(context.Background())
	defer r.Close()

	waitFor(t, "failed snapshot", func() bool {
		return r.Snapshot().Status == domain.StatusFailed
	})

	if err := r.Retry(context.Background()); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if retrier.callCount() != 1 {
		t.Fatalf("expected one retry request, got %d", retrier.callCount())
	}

	// A concurrent invocation while a retry is in flight is a no-op.
	r.mu.Lock()
	r.retryInFlight = true
	r.mu.Unlock()
	if err := r.Retry(context.Background()); err != nil {
		t.Fatalf("in-flight retry must be a silent no-op, got %v", err)
	}
	if retrier.callCount() != 1 {
		t.Fatalf("in-flight guard leaked a second request")
	}
}

func TestReconcilerDiscardsResultsAfterClose(t *testing.T) {
	store := &jobStoreFake{job: &domain.ProcessingJob{DocumentID: "doc-1", Status: domain.StatusExtracting, Progress: 40}}
	r := newReconciler(store, &feedFake{}, &retryTriggerFake{}, nil)
	r.Start(context.Background())

	waitFor(t, "initial snapshot", func() bool {
		return r.Snapshot().Status == domain.StatusExtracting
	})
	r.Close()

	// A fetch resolving after teardown must not mutate the displayed state.
	r.apply(&domain.ProcessingJob{DocumentID: "doc-1", Status: domain.StatusCompleted, Progress: 100})
	if r.Snapshot().Status != domain.StatusExtracting {
		t.Fatalf("late result applied after Close")
	}
}

func TestCloseDetachesFromChangeFeed(t *testing.T) {
	store := &jobStoreFake{job: &domain.ProcessingJob{DocumentID: "doc-1", Status: domain.StatusExtracting, Progress: 40}}
	feed := &feedFake{}
	r := newReconciler(store, feed, &retryTriggerFake{}, nil)
	r.Start(context.Background())

	waitFor(t, "initial snapshot", func() bool {
		return r.Snapshot().Status == domain.StatusExtracting
	})
	r.Close()

	feed.mu.Lock()
	unsubscribed, connUnregistered := feed.unsubscribed, feed.connUnregistered
	feed.mu.Unlock()
	if !unsubscribed {
		t.Fatalf("Close must drop the job change subscription")
	}
	if !connUnregistered {
		t.Fatalf("Close must unregister the connection handler")
	}

	// A connectivity flap after teardown has nobody left to call.
	feed.SetConnected(true)
}
