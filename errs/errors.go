// Package errs centralizes the error kinds surfaced by the overlay core to
// socket callers, mirroring the small sentinel-error style of lnwallet's
// error helpers but without the wire-level structured-error encoding that
// is specific to channel funding messages.
package errs

import "fmt"

// Code identifies one of the error kinds a socket operation can surface.
type Code int

const (
	// CodeNoRoute means the relay graph has no path to the destination,
	// or the first hop is unreachable. Non-retryable at this layer.
	CodeNoRoute Code = iota

	// CodeDockInUse means a bind collision occurred; fatal for that
	// socket.
	CodeDockInUse

	// CodeDhtError means a DHT lookup came back empty or timed out. The
	// caller may retry.
	CodeDhtError

	// CodeHavenMsgBadFormat means the inner (body, endpoint) pair carried
	// by a haven message failed to decode.
	CodeHavenMsgBadFormat

	// CodeRpcTransport means the underlying socket errored out during a
	// GlobalRPC call.
	CodeRpcTransport

	// CodePaymentRefused means the debt limit was reached and settlement
	// is failing; the owning Link moves to Closed.
	CodePaymentRefused

	// CodeInvalid means a packet failed to peel: bad MAC, truncated, or
	// an unknown version. Dropped silently at the receiving link.
	CodeInvalid
)

func (c Code) String() string {
	switch c {
	case CodeNoRoute:
		return "NoRoute"
	case CodeDockInUse:
		return "DockInUse"
	case CodeDhtError:
		return "DhtError"
	case CodeHavenMsgBadFormat:
		return "HavenMsgBadFormat"
	case CodeRpcTransport:
		return "RpcTransport"
	case CodePaymentRefused:
		return "PaymentRefused"
	case CodeInvalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned by socket, link, and DHT
// operations. Callers that need to branch on kind should use errors.As and
// inspect Code, rather than string-matching Error().
type Error struct {
	code Code
	msg  string
	err  error
}

func New(code Code, msg string) *Error {
	return &Error{code: code, msg: msg}
}

func Wrap(code Code, msg string, err error) *Error {
	return &Error{code: code, msg: msg, err: err}
}

func (e *Error) Code() Code { return e.code }

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// Is reports whether target is an *Error with the same code, so callers can
// do errors.Is(err, errs.New(errs.CodeNoRoute, "")) without caring about msg.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.code == e.code
}

var (
	// ErrNoRoute is a sentinel usable with errors.Is.
	ErrNoRoute = New(CodeNoRoute, "no route to destination")

	// ErrDockInUse is a sentinel usable with errors.Is.
	ErrDockInUse = New(CodeDockInUse, "dock already bound")

	// ErrDhtError is a sentinel usable with errors.Is.
	ErrDhtError = New(CodeDhtError, "dht lookup failed")

	// ErrHavenMsgBadFormat is a sentinel usable with errors.Is.
	ErrHavenMsgBadFormat = New(CodeHavenMsgBadFormat, "malformed haven payload")

	// ErrRpcTransport is a sentinel usable with errors.Is.
	ErrRpcTransport = New(CodeRpcTransport, "rpc transport error")

	// ErrPaymentRefused is a sentinel usable with errors.Is.
	ErrPaymentRefused = New(CodePaymentRefused, "debt limit exceeded, settlement failing")

	// ErrInvalid is a sentinel usable with errors.Is.
	ErrInvalid = New(CodeInvalid, "invalid packet")
)
