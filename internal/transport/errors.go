package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected indicates the realtime channel is absent or closed.
	// Transient: the caller may retry over the fallback transport.
	ErrNotConnected = errors.New("realtime channel not connected")

	// ErrAckTimeout indicates the relay did not acknowledge a frame in time.
	// Transient: the caller may retry over the fallback transport.
	ErrAckTimeout = errors.New("timed out waiting for relay ack")
)

// RejectionError is a protocol-level rejection from the relay. The relay
// judged the payload itself, so retrying it over another transport would
// produce the same answer; callers surface rejections instead of falling
// back.
type RejectionError struct {
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	if e.Message == "" {
		return "relay rejected message: " + e.Code
	}
	return fmt.Sprintf("relay rejected message (%s): %s", e.Code, e.Message)
}

// IsRejection reports whether err is (or wraps) a protocol-level rejection.
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}
