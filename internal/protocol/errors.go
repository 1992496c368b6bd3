// ABOUTME: Close codes and the coded error type carried on connection teardown.
// ABOUTME: The string form "[code] message" is what lands in FAILED state detail.

package protocol

import "fmt"

// Websocket close codes used by the gateway. 1000/1001/1006 are standard;
// the 4xxx range is application-assigned.
const (
	CloseNormal      = 1000
	CloseGoingAway   = 1001
	CloseAbnormal    = 1006
	CloseTimeout     = 4000
	CloseClientError = 4001
	CloseInternal    = 4002
	CloseAuthFailure = 4003
	CloseDisplaced   = 4004
)

// Error is a protocol-level failure with a close code. It is sent to the
// peer in the close frame and recorded as the FAILED state detail.
type Error struct {
	Code    int
	Message string
}

// NewError creates a coded protocol error.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}
