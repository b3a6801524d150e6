package httpadapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agridesk/subsidy-extraction/internal/config"
	"github.com/agridesk/subsidy-extraction/internal/core/domain"
	"github.com/agridesk/subsidy-extraction/internal/core/usecase"
)

type watcherFake struct {
	views  []usecase.StatusView
	next   int
	notify func(usecase.Notification)
	closed bool
}

func (f *watcherFake) Start(context.Context) {
	// Queue one change per remaining view so the handler drains them all.
	go func() {
		for i := 1; i < len(f.views); i++ {
			f.notify(usecase.Notification{})
		}
	}()
}

func (f *watcherFake) Close() { f.closed = true }

func (f *watcherFake) Snapshot() usecase.StatusView {
	view := f.views[f.next]
	if f.next < len(f.views)-1 {
		f.next++
	}
	return view
}

func TestWatchStreamsViewsUntilTerminal(t *testing.T) {
	fake := &watcherFake{views: []usecase.StatusView{
		{DocumentID: "doc-1", Status: domain.StatusExtracting, IsProcessing: true, ProgressPercentage: 40},
		{DocumentID: "doc-1", Status: domain.StatusCompleted, ProgressPercentage: 100},
	}}
	factory := func(documentID string, notify func(usecase.Notification)) StatusWatcher {
		fake.notify = notify
		return fake
	}

	handler := NewRouter(config.Config{}, &queueFake{}, &jobsFake{}, &attemptsFake{}, &retrierFake{}, nil, factory).Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/documents/doc-1/watch", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if ct := res.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream content type, got %q", ct)
	}

	body := res.Body.String()
	if !strings.Contains(body, `"status":"extracting"`) {
		t.Fatalf("expected extracting view in stream, got %s", body)
	}
	if !strings.Contains(body, `"status":"completed"`) {
		t.Fatalf("expected completed view in stream, got %s", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Fatalf("expected DONE marker, got %s", body)
	}
	if !fake.closed {
		t.Fatalf("watcher must be closed when the stream ends")
	}
}

func TestWatchUnavailableWithoutFactory(t *testing.T) {
	handler := newTestRouter(&queueFake{}, &jobsFake{}, &attemptsFake{}, &retrierFake{})

	req := httptest.NewRequest(http.MethodGet, "/v1/documents/doc-1/watch", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
}
