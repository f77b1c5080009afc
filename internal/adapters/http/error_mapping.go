package httpadapter

import (
	"net/http"

	"github.com/kirillkom/evidence-core/internal/core/domain"
)

const (
	codeInvalidInput         = "invalid_input"
	codeInsufficientEvidence = "insufficient_evidence"
	codeRetrievalTimeout     = "retrieval_timeout"
	codeTemporary            = "temporarily_unavailable"
	codeInternal             = "internal_error"
)

// Timeout is checked before unavailability: an all-timeout failure carries both kinds.
func mapErrorToHTTPStatus(err error) (int, string) {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, codeInvalidInput
	case domain.IsKind(err, domain.ErrRetrievalTimeout):
		return http.StatusGatewayTimeout, codeRetrievalTimeout
	case domain.IsKind(err, domain.ErrRetrievalUnavailable):
		return http.StatusServiceUnavailable, codeInsufficientEvidence
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable, codeTemporary
	default:
		return http.StatusInternalServerError, codeInternal
	}
}
