package worker

import (
	"errors"
	"fmt"
)

// PanicError is reported for a job whose pipeline panicked
type PanicError struct {
	Val   any
	Stack []byte
}

func (e *PanicError) Error() string { return "panic: unexpected error" }

// Detail includes the recovered value, for logs only
func (e *PanicError) Detail() string { return fmt.Sprintf("panic: %v", e.Val) }

// errBatchInterrupted is reported for batch jobs that never got a slot
var errBatchInterrupted = errors.New("upload interrupted before processing, please retry")
