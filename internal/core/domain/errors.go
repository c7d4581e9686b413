package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Adapters translate them to transport codes; wrap them with
// WrapError so the operation stays visible in the message.
var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrTooLarge              = errors.New("document too large")
	ErrUnsupportedFormat     = errors.New("unsupported format")
	ErrDocumentNotFound      = errors.New("document not found")
	ErrStaleStatusTransition = errors.New("stale status transition")

	ErrExtractionFailure    = errors.New("extraction failure")
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	ErrIndexWrite           = errors.New("index write failure")
	ErrTemporary            = errors.New("temporary failure")
)

var errorKinds = []struct {
	kind  error
	label string
}{
	{ErrInvalidInput, "invalid_input"},
	{ErrTooLarge, "too_large"},
	{ErrUnsupportedFormat, "unsupported_format"},
	{ErrDocumentNotFound, "not_found"},
	{ErrStaleStatusTransition, "stale_transition"},
	{ErrExtractionFailure, "extraction"},
	{ErrEmbeddingUnavailable, "embedding_unavailable"},
	{ErrIndexWrite, "index_write"},
	{ErrTemporary, "temporary"},
}

func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// KindOf returns a short label for the first error kind err carries, or
// "internal".
func KindOf(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.kind) {
			return k.label
		}
	}
	return "internal"
}
