package errors

import (
	"errors"
)

// Kind classifies an error for propagation decisions.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindTransient errors (timeouts, 5xx, rate limits) are retried with backoff.
	KindTransient
	// KindRejected errors are venue-side validation failures. Never retried.
	KindRejected
	// KindGuardrailBreach errors pause quoting of the affected market.
	KindGuardrailBreach
	// KindFatal errors stop the affected task or refuse startup.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	case KindGuardrailBreach:
		return "guardrail_breach"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var _ error = (*kindError)(nil)

type kindError struct {
	kind Kind
	err  error
}

func (err *kindError) Error() string {
	return err.kind.String() + ": " + err.err.Error()
}

func (err *kindError) Unwrap() error {
	return err.err
}

// WithKind tags err with a kind. A nil err stays nil.
func WithKind(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

func Transient(err error) error { return WithKind(err, KindTransient) }

func Rejected(err error) error { return WithKind(err, KindRejected) }

func GuardrailBreach(err error) error { return WithKind(err, KindGuardrailBreach) }

func Fatal(err error) error { return WithKind(err, KindFatal) }

// KindOf returns the outermost kind attached to err.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func Join(errs ...error) error {
	return errors.Join(errs...)
}
