// Package httpadapter exposes the extraction and status API.
package httpadapter

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/agridesk/subsidy-extraction/internal/config"
	"github.com/agridesk/subsidy-extraction/internal/core/domain"
	"github.com/agridesk/subsidy-extraction/internal/core/ports"
	"github.com/agridesk/subsidy-extraction/internal/core/usecase"
)

// StatusWatcher is one live reconciliation session for a document.
type StatusWatcher interface {
	Start(ctx context.Context)
	Close()
	Snapshot() usecase.StatusView
}

// WatchFactory builds a watcher wired to the shared snapshot cache and the
// push feed. Nil disables the watch endpoint.
type WatchFactory func(documentID string, notify func(usecase.Notification)) StatusWatcher

type Router struct {
	cfg      config.Config
	queue    ports.ExtractionQueue
	jobs     ports.JobReader
	attempts ports.AttemptReader
	retrier  ports.RetryTrigger
	governor *usecase.QuotaGovernor
	watch    WatchFactory
}

func NewRouter(
	cfg config.Config,
	queue ports.ExtractionQueue,
	jobs ports.JobReader,
	attempts ports.AttemptReader,
	retrier ports.RetryTrigger,
	governor *usecase.QuotaGovernor,
	watch WatchFactory,
) *Router {
	return &Router{
		cfg:      cfg,
		queue:    queue,
		jobs:     jobs,
		attempts: attempts,
		retrier:  retrier,
		governor: governor,
		watch:    watch,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.healthz)
	mux.HandleFunc("/v1/documents/", rt.documentSubresource)
	mux.HandleFunc("/v1/quotas", rt.quotaStatus)

	var handler http.Handler = mux
	handler = backpressureMiddleware(handler, rt.cfg.APIMaxInFlight, time.Duration(rt.cfg.APIBackpressureWaitMS)*time.Millisecond)
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)
	handler = accessLogMiddleware(handler)
	handler = requestIDMiddleware(handler)
	return handler
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// documentSubresource dispatches /v1/documents/{id}/{action}.
func (rt *Router) documentSubresource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/documents/")
	documentID, action, _ := strings.Cut(rest, "/")
	if documentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "document id is required"})
		return
	}

	switch action {
	case "extract":
		rt.requestExtraction(w, r, documentID)
	case "status":
		rt.documentStatus(w, r, documentID)
	case "retry":
		rt.retryDocument(w, r, documentID)
	case "attempts":
		rt.attemptHistory(w, r, documentID)
	case "watch":
		rt.watchDocument(w, r, documentID)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown resource"})
	}
}

func (rt *Router) requestExtraction(w http.ResponseWriter, r *http.Request, documentID string) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var body struct {
		FileReference    string `json:"file_reference"`
		FileName         string `json:"file_name"`
		ClientType       string `json:"client_type"`
		DocumentTypeHint string `json:"document_type_hint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.FileReference) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "file_reference is required"})
		return
	}
	if body.ClientType != "" && !domain.ValidClientType(domain.ClientType(body.ClientType)) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported client_type"})
		return
	}

	req := domain.ExtractionRequest{
		DocumentID:       documentID,
		FileReference:    body.FileReference,
		FileName:         body.FileName,
		ClientType:       domain.ClientType(body.ClientType),
		DocumentTypeHint: body.DocumentTypeHint,
	}
	if err := rt.queue.PublishExtractionRequested(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"document_id": documentID,
		"status":      "queued",
	})
}

func (rt *Router) documentStatus(w http.ResponseWriter, r *http.Request, documentID string) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	job, err := rt.jobs.GetJob(r.Context(), documentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usecase.BuildStatusView(job))
}

func (rt *Router) retryDocument(w http.ResponseWriter, r *http.Request, documentID string) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	job, err := rt.jobs.GetJob(r.Context(), documentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if job.Status != domain.StatusFailed || !job.Retryable {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "document is not retryable"})
		return
	}

	delay, err := rt.retrier.RequestRetry(r.Context(), documentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"document_id":   documentID,
		"delay_seconds": int(delay / time.Second),
	})
}

func (rt *Router) attemptHistory(w http.ResponseWriter, r *http.Request, documentID string) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	attempts, err := rt.attempts.AttemptsByDocument(r.Context(), documentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if attempts == nil {
		attempts = []*domain.ExtractionAttempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

func (rt *Router) quotaStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]domain.ServiceQuota{
		string(domain.ServiceRecognitionOCR): rt.governor.CheckStatus(r.Context(), domain.ServiceRecognitionOCR),
		string(domain.ServiceAICompletion):   rt.governor.CheckStatus(r.Context(), domain.ServiceAICompletion),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
