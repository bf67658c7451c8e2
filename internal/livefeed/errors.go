package livefeed

import (
	"errors"
	"fmt"
)

var (
	// ErrBufferFull is returned by a sink whose client is not keeping up.
	ErrBufferFull = errors.New("sink buffer full")
	// ErrSinkClosed is returned by a sink after Close.
	ErrSinkClosed = errors.New("sink closed")
	// ErrShutdown is returned by Add after Shutdown.
	ErrShutdown = errors.New("registry shut down")
)

// DeliveryError reports a failed send to one connection.
type DeliveryError struct {
	ConnectionID string
	EventType    string
	Err          error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %s: %v", e.EventType, e.ConnectionID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
