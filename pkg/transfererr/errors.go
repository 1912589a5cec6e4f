package transfererr

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// Error categories. Every typed error below matches exactly one of them
// with errors.Is.
var (
	ErrConnect   = errors.New("connect failure")
	ErrTimeout   = errors.New("read timeout")
	ErrTransport = errors.New("transport error")
	ErrMalformed = errors.New("malformed frame")
	ErrProtocol  = errors.New("protocol violation")
	ErrBind      = errors.New("bind failure")
)

// ConnectError means the peer could not be reached. It is retried.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect failure to %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool { return target == ErrConnect }

// TimeoutError is a read that produced no data before its deadline.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("read timeout during %s: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// TransportError is a reset, broken pipe or unexpected close.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// MalformedFrameError reports a token that is not a valid identifier.
// The token is discarded and processing continues.
type MalformedFrameError struct {
	Token  string
	Reason string
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame token %q: %s", e.Token, e.Reason)
}

func (e *MalformedFrameError) Is(target error) bool { return target == ErrMalformed }

// ProtocolViolationError is an unexpected handshake token. The connection
// is aborted rather than guessing what the peer meant.
type ProtocolViolationError struct {
	Stage    string
	Received string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation during %s: unexpected %q", e.Stage, e.Received)
}

func (e *ProtocolViolationError) Is(target error) bool { return target == ErrProtocol }

// BindError means the server could not acquire its listening endpoint.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind failure on %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

func (e *BindError) Is(target error) bool { return target == ErrBind }

func NewConnectError(addr string, err error) error {
	return &ConnectError{Addr: addr, Err: err}
}

func NewTimeoutError(op string, err error) error {
	return &TimeoutError{Op: op, Err: err}
}

func NewTransportError(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}

func NewMalformedFrameError(token string, reason string) error {
	return &MalformedFrameError{Token: token, Reason: reason}
}

func NewProtocolViolationError(stage string, received string) error {
	return &ProtocolViolationError{Stage: stage, Received: received}
}

func NewBindError(addr string, err error) error {
	return &BindError{Addr: addr, Err: err}
}

// Classify turns an error from a read or write on a stream into a
// TimeoutError or TransportError. Errors already in the taxonomy are
// returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsCategorised(err) {
		return err
	}
	if IsTimeout(err) {
		return NewTimeoutError(op, err)
	}
	return NewTransportError(op, err)
}

// IsCategorised reports whether err already belongs to a category.
func IsCategorised(err error) bool {
	for _, category := range []error{ErrConnect, ErrTimeout, ErrTransport, ErrMalformed, ErrProtocol, ErrBind} {
		if errors.Is(err, category) {
			return true
		}
	}
	return false
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsClosed reports whether err means the peer went away.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
