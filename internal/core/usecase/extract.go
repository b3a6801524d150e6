package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agridesk/subsidy-extraction/internal/core/domain"
	"github.com/agridesk/subsidy-extraction/internal/core/ports"
	"github.com/agridesk/subsidy-extraction/internal/infrastructure/cache"
)

// ExtractConfig carries the degradation tunables. The defaults mirror the
// production values but none of them is load-bearing.
type ExtractConfig struct {
	PrimaryRetryDelays    []time.Duration
	SingleServiceDiscount float64
	TemplateConfidence    float64
	AttemptCacheTTL       time.Duration
}

func DefaultExtractConfig() ExtractConfig {
	return ExtractConfig{
		PrimaryRetryDelays:    []time.Duration{time.Second, 3 * time.Second, 8 * time.Second},
		SingleServiceDiscount: 0.8,
		TemplateConfidence:    0.55,
		AttemptCacheTTL:       15 * time.Minute,
	}
}

func (c ExtractConfig) normalize() ExtractConfig {
	out := c
	def := DefaultExtractConfig()
	if len(out.PrimaryRetryDelays) == 0 {
		out.PrimaryRetryDelays = def.PrimaryRetryDelays
	}
	if out.SingleServiceDiscount <= 0 || out.SingleServiceDiscount > 1 {
		out.SingleServiceDiscount = def.SingleServiceDiscount
	}
	if out.TemplateConfidence <= 0 || out.TemplateConfidence > 1 {
		out.TemplateConfidence = def.TemplateConfidence
	}
	if out.AttemptCacheTTL <= 0 {
		out.AttemptCacheTTL = def.AttemptCacheTTL
	}
	return out
}

// ExtractDocumentUseCase runs the ordered fallback chain for one document:
// primary hybrid recognition, single-service recognition, client-type
// template, manual review. Tiers run strictly in sequence; a tier's failure
// is recorded and control moves on. The manual-review tier cannot fail, so
// Extract always returns a finalized attempt and never an error.
type ExtractDocumentUseCase struct {
	recognition ports.RecognitionService
	quota       *QuotaGovernor
	attempts    ports.AttemptStore
	review      ports.ReviewQueue
	templates   *TemplateSet
	cache       *cache.Cache[*domain.ExtractionAttempt]
	cfg         ExtractConfig

	clock func() time.Time
	sleep func(context.Context, time.Duration) error
}

func NewExtractDocumentUseCase(
	recognition ports.RecognitionService,
	quota *QuotaGovernor,
	attempts ports.AttemptStore,
	review ports.ReviewQueue,
	templates *TemplateSet,
	attemptCache *cache.Cache[*domain.ExtractionAttempt],
	cfg ExtractConfig,
) *ExtractDocumentUseCase {
	return &ExtractDocumentUseCase{
		recognition: recognition,
		quota:       quota,
		attempts:    attempts,
		review:      review,
		templates:   templates,
		cache:       attemptCache,
		cfg:         cfg.normalize(),
		clock:       time.Now,
		sleep:       sleepContext,
	}
}

func attemptCacheKey(req domain.ExtractionRequest) string {
	return "attempt:" + req.DocumentID + ":" + req.FileReference
}

func (uc *ExtractDocumentUseCase) Extract(ctx context.Context, req domain.ExtractionRequest) *domain.ExtractionAttempt {
	if cached, ok := uc.cache.Get(attemptCacheKey(req)); ok {
		slog.Debug("extraction_cache_hit", "document_id", req.DocumentID)
		return cached
	}

	start := uc.clock()
	attempt := &domain.ExtractionAttempt{
		ID:            uuid.NewString(),
		DocumentID:    req.DocumentID,
		FileReference: req.FileReference,
		ClientType:    req.ClientType,
		Errors:        []string{},
		CreatedAt:     start,
	}

	health := uc.recognition.Health(ctx)

	switch {
	case uc.tryPrimary(ctx, req, health, attempt):
	case uc.trySingleService(ctx, req, health, attempt):
	case uc.tryTemplate(req, attempt):
	default:
		uc.enqueueManualReview(ctx, req, attempt)
	}

	attempt.ProcessingTimeMs = uc.clock().Sub(start).Milliseconds()
	uc.finalize(ctx, req, attempt)
	return attempt
}

// tryPrimary runs the hybrid strategy with a fixed retry schedule. Only
// transient failures are retried; a validation failure aborts the tier.
func (uc *ExtractDocumentUseCase) tryPrimary(ctx context.Context, req domain.ExtractionRequest, health domain.HealthSnapshot, attempt *domain.ExtractionAttempt) bool {
	if !health.OCRHealthy || !health.AIHealthy {
		attempt.Errors = append(attempt.Errors, "primary skipped: recognition services unhealthy")
		return false
	}

	ocrDecision := uc.quota.CanProceed(ctx, domain.ServiceRecognitionOCR)
	aiDecision := uc.quota.CanProceed(ctx, domain.ServiceAICompletion)
	if !ocrDecision.Allowed || !aiDecision.Allowed {
		slog.Info("primary_tier_quota_denied",
			"document_id", req.DocumentID,
			"ocr_reason", ocrDecision.Reason,
			"ai_reason", aiDecision.Reason,
		)
		attempt.Errors = append(attempt.Errors, "primary skipped: quota exceeded")
		return false
	}

	maxAttempts := len(uc.cfg.PrimaryRetryDelays)
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		callStart := uc.clock()
		result, err := uc.recognition.Primary(ctx, req)
		uc.recordHybridUsage(ctx, result, err, uc.clock().Sub(callStart))

		if err == nil {
			applyResult(attempt, domain.MethodPrimary, result, 1.0)
			return true
		}
		lastErr = err

		if !domain.IsTransient(err) {
			attempt.Errors = append(attempt.Errors, fmt.Sprintf("primary failed: %v", err))
			return false
		}
		if i < maxAttempts-1 {
			if sleepErr := uc.sleep(ctx, uc.cfg.PrimaryRetryDelays[i]); sleepErr != nil {
				break
			}
		}
	}

	attempt.Errors = append(attempt.Errors, fmt.Sprintf("primary failed after %d attempts: %v", maxAttempts, lastErr))
	return false
}

// trySingleService attempts ai-completion alone. Its confidence is discounted
// to reflect the weaker signal of a single-source extraction.
func (uc *ExtractDocumentUseCase) trySingleService(ctx context.Context, req domain.ExtractionRequest, health domain.HealthSnapshot, attempt *domain.ExtractionAttempt) bool {
	if !health.AIHealthy {
		attempt.Errors = append(attempt.Errors, "fallback_1 skipped: ai-completion unhealthy")
		return false
	}
	if decision := uc.quota.CanProceed(ctx, domain.ServiceAICompletion); !decision.Allowed {
		slog.Info("fallback_tier_quota_denied", "document_id", req.DocumentID, "reason", decision.Reason)
		attempt.Errors = append(attempt.Errors, "fallback_1 skipped: quota exceeded")
		return false
	}

	callStart := uc.clock()
	result, err := uc.recognition.Single(ctx, req)
	duration := uc.clock().Sub(callStart)
	uc.quota.RecordUsage(ctx, domain.ServiceAICompletion, 1, result.Cost, err == nil, duration)

	if err != nil {
		attempt.Errors = append(attempt.Errors, fmt.Sprintf("fallback_1 failed: %v", err))
		return false
	}

	applyResult(attempt, domain.MethodFallbackOne, result, uc.cfg.SingleServiceDiscount)
	return true
}

// tryTemplate produces a skeleton from the client-type template table. No
// remote call and no quota check; it fails only when no template exists.
func (uc *ExtractDocumentUseCase) tryTemplate(req domain.ExtractionRequest, attempt *domain.ExtractionAttempt) bool {
	fields, ok := uc.templates.For(req.ClientType)
	if !ok {
		attempt.Errors = append(attempt.Errors, fmt.Sprintf("fallback_2 skipped: no template for client type %q", req.ClientType))
		return false
	}

	attempt.Method = domain.MethodFallbackTwo
	attempt.Confidence = uc.cfg.TemplateConfidence
	attempt.Cost = 0
	attempt.Fields = fields
	return true
}

// enqueueManualReview is the terminal tier. It cannot fail: an enqueue error
// is logged, never surfaced, and the attempt still finalizes.
func (uc *ExtractDocumentUseCase) enqueueManualReview(ctx context.Context, req domain.ExtractionRequest, attempt *domain.ExtractionAttempt) {
	attempt.Method = domain.MethodManualReview
	attempt.Confidence = 0
	attempt.Cost = 0
	attempt.Fields = domain.ExtractedFields{Kind: req.ClientType}

	if err := uc.review.EnqueueManualReview(ctx, attempt); err != nil {
		slog.Error("manual_review_enqueue_failed", "document_id", req.DocumentID, "error", err)
	}
}

func (uc *ExtractDocumentUseCase) finalize(ctx context.Context, req domain.ExtractionRequest, attempt *domain.ExtractionAttempt) {
	if err := uc.attempts.SaveAttempt(ctx, attempt); err != nil {
		slog.Error("attempt_persist_failed", "document_id", req.DocumentID, "method", string(attempt.Method), "error", err)
	}
	uc.cache.Set(ctx, attemptCacheKey(req), attempt, uc.cfg.AttemptCacheTTL)

	slog.Info("extraction_finished",
		"document_id", req.DocumentID,
		"method", string(attempt.Method),
		"confidence", attempt.Confidence,
		"cost", attempt.Cost,
		"tier_errors", len(attempt.Errors),
		"duration_ms", attempt.ProcessingTimeMs,
	)
}

// recordHybridUsage books one request against both services using the
// response's cost breakdown. Accounting is best-effort by contract.
func (uc *ExtractDocumentUseCase) recordHybridUsage(ctx context.Context, result domain.RecognitionResult, err error, duration time.Duration) {
	success := err == nil
	uc.quota.RecordUsage(ctx, domain.ServiceRecognitionOCR, 1, result.CostBreakdown[domain.ServiceRecognitionOCR], success, duration)
	uc.quota.RecordUsage(ctx, domain.ServiceAICompletion, 1, result.CostBreakdown[domain.ServiceAICompletion], success, duration)
}

func applyResult(attempt *domain.ExtractionAttempt, method domain.ExtractionMethod, result domain.RecognitionResult, discount float64) {
	attempt.Method = method
	attempt.Confidence = clampUnit(result.Confidence * discount)
	attempt.Cost = result.Cost
	attempt.Fields = result.Fields
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
