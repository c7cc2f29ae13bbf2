package smtp

import (
	"errors"
	"fmt"
)

// Sentinel errors any caller can check with errors.Is.
var (
	ErrHandshakeFailed = errors.New("smtp: handshake failed")
	ErrNotConnected    = errors.New("smtp: not connected")
)

// ProtocolError is raised when a command is issued from a state that does
// not permit it, per the session's linear state machine. It is raised
// before any bytes are written to the socket.
type ProtocolError struct {
	State   State
	Command string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("smtp: cannot send %s from state %s", e.Command, e.State)
}
