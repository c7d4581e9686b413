package httpadapter

import (
	"errors"
	"net/http"

	"github.com/kirillkom/knowledge-server/internal/core/domain"
	"github.com/kirillkom/knowledge-server/internal/infrastructure/resilience"
)

// errorBody is the JSON shape of every non-2xx response from /v1.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func mapErrorToHTTPStatus(err error) int {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytesErr), domain.IsKind(err, domain.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case domain.IsKind(err, domain.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrDocumentNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrStaleStatusTransition):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrEmbeddingUnavailable),
		domain.IsKind(err, domain.ErrTemporary),
		resilience.IsCircuitOpen(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error, status int) string {
	switch {
	case status == http.StatusRequestEntityTooLarge:
		return "too_large"
	case resilience.IsCircuitOpen(err):
		return "circuit_open"
	default:
		return domain.KindOf(err)
	}
}
