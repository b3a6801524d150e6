package domain

import "time"

type Service string

const (
	ServiceRecognitionOCR Service = "recognition-ocr"
	ServiceAICompletion   Service = "ai-completion"
)

type QuotaWindow string

const (
	WindowDaily     QuotaWindow = "daily"
	WindowPerMinute QuotaWindow = "per_minute"
)

// QuotaLimits is the configured ceiling for one service and window kind.
type QuotaLimits struct {
	Window        QuotaWindow
	RequestsLimit int64
	CostLimit     float64
}

// ServiceQuota is a point-in-time usage snapshot for one (service, period).
// A fresh period always starts from a zero record; history is never rewritten.
type ServiceQuota struct {
	Service       Service   `json:"service"`
	PeriodStart   time.Time `json:"period_start"`
	RequestsUsed  int64     `json:"requests_used"`
	RequestsLimit int64     `json:"requests_limit"`
	CostUsed      float64   `json:"cost_used"`
	CostLimit     float64   `json:"cost_limit"`
	ResetAt       time.Time `json:"reset_at"`
}

// Exhausted reports whether either ceiling has been reached.
func (q ServiceQuota) Exhausted() bool {
	return q.RequestsUsed >= q.RequestsLimit || q.CostUsed >= q.CostLimit
}

// QuotaDecision answers "may I call this service now?".
type QuotaDecision struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// PeriodStart truncates now to the start of the service's current window.
func (w QuotaWindow) PeriodStart(now time.Time) time.Time {
	now = now.UTC()
	if w == WindowPerMinute {
		return now.Truncate(time.Minute)
	}
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// ResetAt returns the moment the current window rolls over.
func (w QuotaWindow) ResetAt(now time.Time) time.Time {
	if w == WindowPerMinute {
		return w.PeriodStart(now).Add(time.Minute)
	}
	return w.PeriodStart(now).Add(24 * time.Hour)
}
