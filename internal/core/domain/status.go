package domain

import "time"

type ProcessingStatus string

const (
	StatusUploading  ProcessingStatus = "uploading"
	StatusVirusScan  ProcessingStatus = "virus_scan"
	StatusExtracting ProcessingStatus = "extracting"
	StatusOCR        ProcessingStatus = "ocr"
	StatusAI         ProcessingStatus = "ai"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// statusOrder fixes the pipeline stage ordering; failed sits outside it.
var statusOrder = map[ProcessingStatus]int{
	StatusUploading:  0,
	StatusVirusScan:  1,
	StatusExtracting: 2,
	StatusOCR:        3,
	StatusAI:         4,
	StatusCompleted:  5,
}

var statusAnchor = map[ProcessingStatus]int{
	StatusUploading:  10,
	StatusVirusScan:  20,
	StatusExtracting: 40,
	StatusOCR:        60,
	StatusAI:         80,
	StatusCompleted:  100,
	StatusFailed:     0,
}

// Rank returns the stage position in the fixed ordering, or -1 for failed
// and unknown statuses.
func (s ProcessingStatus) Rank() int {
	rank, ok := statusOrder[s]
	if !ok {
		return -1
	}
	return rank
}

// Anchor returns the fixed progress anchor for a stage.
func (s ProcessingStatus) Anchor() int {
	return statusAnchor[s]
}

func (s ProcessingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepLabel is the user-facing description of the current stage.
func (s ProcessingStatus) StepLabel() string {
	switch s {
	case StatusUploading:
		return "Uploading document"
	case StatusVirusScan:
		return "Scanning for viruses"
	case StatusExtracting:
		return "Extracting content"
	case StatusOCR:
		return "Running text recognition"
	case StatusAI:
		return "Analyzing with AI"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	default:
		return "Processing"
	}
}

// ProcessingJob is the authoritative per-document job row. The reconciler
// only reads it; the external pipeline owns all writes.
type ProcessingJob struct {
	DocumentID    string           `json:"document_id"`
	Status        ProcessingStatus `json:"status"`
	Progress      int              `json:"progress"`
	FailureCode   string           `json:"failure_code,omitempty"`
	FailureDetail string           `json:"failure_detail,omitempty"`
	Retryable     bool             `json:"retryable"`
	CurrentRetry  int              `json:"current_retry"`
	MaxRetries    int              `json:"max_retries"`
	NextRetryAt   *time.Time       `json:"next_retry_at,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

type ChangeEventType string

const (
	ChangeInsert ChangeEventType = "insert"
	ChangeUpdate ChangeEventType = "update"
	ChangeDelete ChangeEventType = "delete"
)

// JobChangeEvent is one push-channel notification for a job row.
type JobChangeEvent struct {
	EventType ChangeEventType `json:"event_type"`
	Old       *ProcessingJob  `json:"old,omitempty"`
	New       *ProcessingJob  `json:"new,omitempty"`
}

var failureMessages = map[string]string{
	"ai_quota_exceeded":   "AI service quota exceeded",
	"ocr_quota_exceeded":  "Text recognition quota exceeded",
	"virus_detected":      "The uploaded file failed the virus scan",
	"file_too_large":      "The uploaded file exceeds the size limit",
	"unsupported_format":  "The uploaded file format is not supported",
	"document_unreadable": "The document content could not be read",
	"pipeline_timeout":    "Processing took too long and was aborted",
}

// FailureMessage maps a storage failure code to a user-facing message.
// Unknown codes map to a generic message rather than leaking raw codes.
func FailureMessage(code string) string {
	if msg, ok := failureMessages[code]; ok {
		return msg
	}
	return "An unknown error occurred during processing"
}

// FailureKind maps a storage failure code onto the error taxonomy so the
// paired remediation can be selected.
func FailureKind(code string) error {
	switch code {
	case "file_too_large", "unsupported_format", "virus_detected":
		return ErrValidation
	case "document_unreadable":
		return ErrParsing
	case "ai_quota_exceeded", "ocr_quota_exceeded":
		return ErrQuotaDenied
	case "pipeline_timeout":
		return ErrTimeout
	default:
		return ErrUnknown
	}
}
