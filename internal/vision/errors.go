package vision

import (
	"errors"
	"fmt"
)

// Common annotation errors
var (
	// ErrAnnotationFailed is returned when the Cloud Vision API rejects or fails the request.
	ErrAnnotationFailed = errors.New("image annotation failed")

	// ErrMissingCredentials is returned when no usable Google Cloud credentials were found
	// in GOOGLE_CREDENTIALS, GOOGLE_APPLICATION_CREDENTIALS or Application Default Credentials.
	ErrMissingCredentials = errors.New("missing Google Cloud credentials: set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_CREDENTIALS environment variable")

	// ErrEmptyResponse is returned when the API answers without any image response.
	ErrEmptyResponse = errors.New("empty response from Vision API")

	// ErrInvalidURI is returned when the image reference is not a gs:// or http(s) URI.
	ErrInvalidURI = errors.New("invalid image URI")
)

// AnnotationError wraps errors with additional context about the annotation failure.
type AnnotationError struct {
	// Op is the operation that failed (e.g., "Annotate", "LoadJSON").
	Op string

	// Err is the underlying error.
	Err error

	// Details provides additional context about the failure.
	Details string
}

// Error implements the error interface.
func (e *AnnotationError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("vision: %s failed: %s: %v", e.Op, e.Details, e.Err)
	}
	return fmt.Sprintf("vision: %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *AnnotationError) Unwrap() error {
	return e.Err
}

// NewAnnotationError creates a new AnnotationError with the specified operation and underlying error.
func NewAnnotationError(op string, err error, details string) *AnnotationError {
	return &AnnotationError{
		Op:      op,
		Err:     err,
		Details: details,
	}
}

// WrapAnnotationError wraps an error as an AnnotationError if it isn't already one.
func WrapAnnotationError(op string, err error, details string) error {
	if err == nil {
		return nil
	}

	var annErr *AnnotationError
	if errors.As(err, &annErr) {
		return err // Already wrapped
	}

	return NewAnnotationError(op, err, details)
}
