package httpadapter

import (
	"net/http"

	"github.com/agridesk/subsidy-extraction/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrValidation):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrJobNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrQuotaDenied):
		return http.StatusTooManyRequests
	case domain.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders the error with its remediation hint so API consumers
// can surface an actionable message without decoding error kinds.
func writeError(w http.ResponseWriter, err error) {
	payload := map[string]string{"error": err.Error()}
	if hint := domain.Remediation(err); hint != "" {
		payload["remediation"] = hint
	}
	writeJSON(w, mapErrorToHTTPStatus(err), payload)
}
