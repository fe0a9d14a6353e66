package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport matches every *TransportError
	ErrTransport = errors.New("queue transport error")

	// ErrInvalidMessage is set on a received message whose body is not a valid job
	ErrInvalidMessage = errors.New("invalid job message")
)

// TransportError is a failed call to the queue service. An empty receive is
// never a TransportError.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }
