package bench

import "fmt"

// Kind classifies where in a test a failure happened.
type Kind int

const (
	KindSetup Kind = iota
	KindConnect
	KindTimedOut
	KindTransport
	KindTeardown
)

func (k Kind) String() string {
	switch k {
	case KindSetup:
		return "setup"
	case KindConnect:
		return "connect"
	case KindTimedOut:
		return "timed out"
	case KindTransport:
		return "transport"
	case KindTeardown:
		return "teardown"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a failed test step.
type Error struct {
	Kind      Kind
	Transport string
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Transport, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Transport, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, transport string, err error) *Error {
	return &Error{Kind: kind, Transport: transport, Err: err}
}
