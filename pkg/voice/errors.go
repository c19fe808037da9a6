package voice

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error by how the orchestrator must react to it.
type Kind string

const (
	// KindTransport covers disconnects and malformed frames. The session moves
	// to disconnected or errored.
	KindTransport Kind = "TransportError"

	// KindProviderTimeout is a stage exceeding its bound. Only the current turn
	// fails.
	KindProviderTimeout Kind = "ProviderTimeout"

	// KindProvider is a transient provider failure within one call. Only the
	// current turn fails.
	KindProvider Kind = "ProviderError"

	// KindProviderUnavailable covers authentication, quota and unsupported
	// model failures. Fatal for the session.
	KindProviderUnavailable Kind = "ProviderUnavailable"

	// KindConfig is an invalid or incompatible setup.
	KindConfig Kind = "ConfigError"

	// KindInterruptionRace is a barge-in that arrived after the response was
	// fully delivered. It starts a new turn and is never surfaced as a failure.
	KindInterruptionRace Kind = "InterruptionRace"
)

// Error is a classified voxbench error.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "cascade: stt".
	Op  string
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so errors.Is(err, &Error{Kind: k})
// works as a kind test.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Errorf builds a classified error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. It returns nil for a nil err and leaves an already
// classified error untouched.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var ve *Error
	if errors.As(err, &ve) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain. Deadline
// expiries are reported as KindProviderTimeout; anything else unclassified is
// KindProvider.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindProviderTimeout
	}
	return KindProvider
}

// IsFatal reports whether err ends the session rather than only the current
// turn.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindProviderUnavailable:
		return true
	}
	return false
}
