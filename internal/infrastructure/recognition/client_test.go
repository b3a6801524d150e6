package recognition

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agridesk/subsidy-extraction/internal/core/domain"
)

func TestPrimaryDecodesHybridResult(t *testing.T) {
	var capturedPath string
	var capturedBody extractRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&capturedBody); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{
			"fields": {"kind":"farm","farm":{"holding_number":"DK-77812","farm_name":"Nygaard","arable_hectares":142.5,"subsidy_scheme":"basic-area-payment","iban":"DK5000400440116243"}},
			"confidence": 0.92,
			"cost": 0.034,
			"cost_breakdown": {"recognition-ocr":0.01,"ai-completion":0.024}
		}`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	result, err := client.Primary(context.Background(), domain.ExtractionRequest{
		DocumentID:    "doc-1",
		FileReference: "bucket/doc-1.pdf",
		FileName:      "application.pdf",
		ClientType:    domain.ClientFarm,
	})
	if err != nil {
		t.Fatalf("Primary() error = %v", err)
	}
	if capturedPath != "/v1/extract/hybrid" {
		t.Fatalf("unexpected path %s", capturedPath)
	}
	if capturedBody.ClientType != domain.ClientFarm || capturedBody.FileReference != "bucket/doc-1.pdf" {
		t.Fatalf("unexpected request body: %+v", capturedBody)
	}
	if result.Confidence != 0.92 {
		t.Fatalf("confidence = %v, want 0.92", result.Confidence)
	}
	if result.Fields.Farm == nil || result.Fields.Farm.HoldingNumber != "DK-77812" {
		t.Fatalf("unexpected fields: %+v", result.Fields)
	}
	if result.CostBreakdown[domain.ServiceRecognitionOCR] != 0.01 || result.CostBreakdown[domain.ServiceAICompletion] != 0.024 {
		t.Fatalf("unexpected cost breakdown: %+v", result.CostBreakdown)
	}
}

func TestSingleHitsAIOnlyEndpoint(t *testing.T) {
	var capturedPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedPath = r.URL.Path
		_, _ = w.Write([]byte(`{"fields":{"kind":"business","business":{"company_name":"Agro ApS"}},"confidence":0.81,"cost":0.02}`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	result, err := client.Single(context.Background(), domain.ExtractionRequest{
		DocumentID: "doc-2",
		ClientType: domain.ClientBusiness,
	})
	if err != nil {
		t.Fatalf("Single() error = %v", err)
	}
	if capturedPath != "/v1/extract/single" {
		t.Fatalf("unexpected path %s", capturedPath)
	}
	if result.Fields.Business == nil || result.Fields.Business.CompanyName != "Agro ApS" {
		t.Fatalf("unexpected fields: %+v", result.Fields)
	}
}

func TestExtractWrapsServerErrorsAsServiceKind(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "ocr backend unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	_, err := client.Primary(context.Background(), domain.ExtractionRequest{
		DocumentID: "doc-3",
		ClientType: domain.ClientFarm,
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !domain.IsKind(err, domain.ErrService) {
		t.Fatalf("expected service kind, got %v", err)
	}
	if !strings.Contains(err.Error(), "ocr backend unavailable") {
		t.Fatalf("expected response body in error, got %v", err)
	}
}

func TestExtractWrapsRejectionAsValidationKind(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unsupported file format", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	_, err := client.Primary(context.Background(), domain.ExtractionRequest{
		DocumentID: "doc-4",
		ClientType: domain.ClientFarm,
	})
	if !domain.IsKind(err, domain.ErrValidation) {
		t.Fatalf("expected validation kind, got %v", err)
	}
	if domain.IsTransient(err) {
		t.Fatalf("validation failures must not be transient")
	}
}

func TestExtractRejectsMismatchedFieldsKind(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"fields":{"kind":"business"},"confidence":0.5,"cost":0.01}`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	_, err := client.Primary(context.Background(), domain.ExtractionRequest{
		DocumentID: "doc-5",
		ClientType: domain.ClientFarm,
	})
	if !domain.IsKind(err, domain.ErrParsing) {
		t.Fatalf("expected parsing kind, got %v", err)
	}
}

func TestHealthReportsPerPipelineState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"ocr_healthy":false,"ai_healthy":true}`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second)
	health := client.Health(context.Background())
	if health.OCRHealthy {
		t.Fatalf("expected unhealthy ocr")
	}
	if !health.AIHealthy {
		t.Fatalf("expected healthy ai")
	}
}

func TestHealthDegradesToUnhealthyOnProbeFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	server.Close()

	client := New(server.URL, time.Second)
	health := client.Health(context.Background())
	if health.OCRHealthy || health.AIHealthy {
		t.Fatalf("expected all-unhealthy snapshot, got %+v", health)
	}
}
