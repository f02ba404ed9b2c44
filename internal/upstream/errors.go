package upstream

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an upstream failure.
type Kind int

const (
	KindTransport Kind = iota + 1
	KindClientRejected
	KindServerFault
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindClientRejected:
		return "client_rejected"
	case KindServerFault:
		return "server_fault"
	default:
		return "unknown"
	}
}

// ErrMissingEntityRef is returned when a create succeeded at the HTTP level
// but the body carried no usable id.
var ErrMissingEntityRef = errors.New("upstream create returned no entity id")

// Error is every failure returned by Client. Message is the upstream's own
// wording for rejected requests and is safe to show to the caller.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindTransport:
		return fmt.Sprintf("upstream %s: transport: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("upstream %s: %s (%d): %s", e.Op, e.Kind, e.Status, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return 0
}

// IsTransport reports whether err is a connection-level failure.
func IsTransport(err error) bool { return KindOf(err) == KindTransport }

// IsNotFound reports a 404 from the upstream.
func IsNotFound(err error) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.Kind == KindClientRejected && ue.Status == http.StatusNotFound
}

func transportError(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

func statusError(op string, status int, message string) *Error {
	if message == "" {
		message = http.StatusText(status)
	}
	kind := KindServerFault
	if status >= 400 && status < 500 {
		kind = KindClientRejected
	}
	return &Error{Kind: kind, Op: op, Status: status, Message: message}
}
