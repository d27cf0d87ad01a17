package lib

import (
	"errors"
	"io"
)

var (
	ErrFormat            = errors.New("utcp: malformed frame")
	ErrConnectionAborted = errors.New("utcp: connection aborted")
	ErrConnectionReset   = errors.New("utcp: connection reset by peer")
	ErrNotConnected      = errors.New("utcp: endpoint is not accepting connections")
	ErrAlreadyConnected  = errors.New("utcp: peer address already has a connection")
	ErrClosed            = errors.New("utcp: use of closed connection")

	// ErrEndOfStream is returned by Recv once the peer has sent FIN and every
	// byte before it has been delivered.
	ErrEndOfStream = io.EOF
)

// TimeoutError is returned by Send when MaxTransmit consecutive
// retransmission timeouts pass without acknowledgment progress.
type TimeoutError struct {
	msg string
}

func (e *TimeoutError) Error() string {
	return e.msg
}

func (e *TimeoutError) Timeout() bool {
	return true
}

func (e *TimeoutError) Temporary() bool {
	return false
}
