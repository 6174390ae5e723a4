package validation

import (
	"errors"
	"strings"

	"go.uber.org/multierr"
)

var (
	ErrSourceCRS         = errors.New("unrecognized source crs")
	ErrTargetCRS         = errors.New("unrecognized target crs")
	ErrSrcType           = errors.New("missing or wrong required parameter 'src_type'")
	ErrUnsupportedFormat = errors.New("unsupported driver for output format")
	ErrResponseMode      = errors.New("parameter 'response' can take one of: 'prompt', 'deferred'")
	ErrFileNotFound      = errors.New("file not found")
	ErrMissingResource   = errors.New("missing resource")
	ErrAmbiguousResource = errors.New("resource must be either an upload or a path, not both")
	ErrFileTooLarge      = errors.New("uploaded resource exceeds the size limit")
	ErrPayloadMismatch   = errors.New("uploaded resource does not match src_type")
)

// Error carries every problem found in one request. Its message joins
// them with " / " so a caller can fix all of them in one round trip.
type Error struct {
	errs []error
}

func (e *Error) Error() string {
	msgs := make([]string, len(e.errs))
	for i, err := range e.errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, " / ")
}

func (e *Error) Unwrap() []error {
	return e.errs
}

// Problems returns the individual errors in the order they were found.
func (e *Error) Problems() []error {
	return append([]error(nil), e.errs...)
}

func newError(err error) error {
	if err == nil {
		return nil
	}
	return &Error{errs: multierr.Errors(err)}
}
