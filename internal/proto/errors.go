package proto

import "errors"

// Kind classifies an error so callers can decide between retry and reject
// without string matching.
type Kind string

const (
	KindTransport  Kind = "transport"  // network failure, retryable
	KindMedia      Kind = "media"      // device/capture failure, fatal per attempt
	KindValidation Kind = "validation" // malformed or rejected input, never retried
	KindQueue      Kind = "queue"      // queue storage failure
	KindConfig     Kind = "config"     // bad configuration
)

// Error carries a kind alongside the usual operation context.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Op
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a leaf error.
func E(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap attaches a kind and operation to an underlying error.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors
// report an empty kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether a failed operation may be attempted again.
// Validation and media failures are final; transport and queue failures
// are transient by nature. Unclassified errors default to retryable so a
// plain network error from a lower layer still gets its retries.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindMedia, KindConfig:
		return false
	default:
		return err != nil
	}
}
