// Package recognition is the HTTP client for the document recognition
// service. It exposes the hybrid OCR+AI pipeline, the AI-only fallback and
// the health probe behind a circuit breaker; retry pacing across tiers is
// owned by the caller.
package recognition

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agridesk/subsidy-extraction/internal/core/domain"
	"github.com/agridesk/subsidy-extraction/internal/infrastructure/resilience"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	exec       *resilience.Executor
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	breakerCfg := resilience.DefaultConfig()
	breakerCfg.RetrySchedule = nil
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		exec:       resilience.NewExecutor(breakerCfg),
	}
}

type extractRequest struct {
	DocumentID       string            `json:"document_id"`
	FileReference    string            `json:"file_reference"`
	FileName         string            `json:"file_name"`
	ClientType       domain.ClientType `json:"client_type"`
	DocumentTypeHint string            `json:"document_type_hint,omitempty"`
}

type extractResponse struct {
	Fields        domain.ExtractedFields     `json:"fields"`
	Confidence    float64                    `json:"confidence"`
	Cost          float64                    `json:"cost"`
	CostBreakdown map[domain.Service]float64 `json:"cost_breakdown,omitempty"`
}

// Primary runs the hybrid OCR+AI pipeline.
func (c *Client) Primary(ctx context.Context, req domain.ExtractionRequest) (domain.RecognitionResult, error) {
	return c.extract(ctx, "/v1/extract/hybrid", "extract_hybrid", req)
}

// Single runs the AI-only pipeline that reads the raw document without OCR.
func (c *Client) Single(ctx context.Context, req domain.ExtractionRequest) (domain.RecognitionResult, error) {
	return c.extract(ctx, "/v1/extract/single", "extract_single", req)
}

func (c *Client) extract(ctx context.Context, path, operation string, req domain.ExtractionRequest) (domain.RecognitionResult, error) {
	payload := extractRequest{
		DocumentID:       req.DocumentID,
		FileReference:    req.FileReference,
		FileName:         req.FileName,
		ClientType:       req.ClientType,
		DocumentTypeHint: req.DocumentTypeHint,
	}

	var response extractResponse
	err := c.exec.Execute(ctx, operation, func(ctx context.Context) error {
		return c.postJSON(ctx, path, payload, &response, operation)
	}, classifyRecognitionError)
	if err != nil {
		return domain.RecognitionResult{}, wrapRecognitionError(operation, err)
	}

	if response.Fields.Kind == "" {
		response.Fields.Kind = req.ClientType
	}
	if response.Fields.Kind != req.ClientType {
		return domain.RecognitionResult{}, domain.WrapError(domain.ErrParsing, operation,
			fmt.Errorf("response fields kind %q does not match client type %q", response.Fields.Kind, req.ClientType))
	}

	return domain.RecognitionResult{
		Fields:        response.Fields,
		Confidence:    response.Confidence,
		Cost:          response.Cost,
		CostBreakdown: response.CostBreakdown,
	}, nil
}

type healthResponse struct {
	OCRHealthy bool `json:"ocr_healthy"`
	AIHealthy  bool `json:"ai_healthy"`
}

// Health probes the recognition service. A failed probe reports both
// pipelines unhealthy instead of returning an error; the caller treats the
// snapshot as advisory.
func (c *Client) Health(ctx context.Context) domain.HealthSnapshot {
	var response healthResponse
	if err := c.getJSON(ctx, "/v1/health", &response, "health"); err != nil {
		return domain.HealthSnapshot{}
	}
	return domain.HealthSnapshot{
		OCRHealthy: response.OCRHealthy,
		AIHealthy:  response.AIHealthy,
	}
}
