package httpadapter

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agridesk/subsidy-extraction/internal/core/usecase"
)

const watchHeartbeatInterval = 15 * time.Second

// watchDocument streams status views over SSE until the document reaches a
// terminal status or the client disconnects. Each event is the full current
// view, not a delta.
func (rt *Router) watchDocument(w http.ResponseWriter, r *http.Request, documentID string) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if rt.watch == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "status watching is not available"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming is not supported"})
		return
	}

	changes := make(chan struct{}, 1)
	watcher := rt.watch(documentID, func(usecase.Notification) {
		select {
		case changes <- struct{}{}:
		default:
		}
	})

	ctx := r.Context()
	watcher.Start(ctx)
	defer watcher.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	emit := func() bool {
		view := watcher.Snapshot()
		payload, err := json.Marshal(view)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return true
		}
		flusher.Flush()
		return view.Status.Terminal()
	}

	if emit() {
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
		flusher.Flush()
		return
	}

	heartbeat := time.NewTicker(watchHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			if emit() {
				_, _ = io.WriteString(w, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
