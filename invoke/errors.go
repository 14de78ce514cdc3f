package invoke

import (
	"errors"
)

var (
	// ErrInterrupted is returned by AwaitResponse when the wait ends before a
	// response is available. The cause (context error or ErrClosed) is wrapped.
	ErrInterrupted = errors.New("invoke: wait interrupted")

	// ErrClosed is the cause of interruptions due to Close
	ErrClosed = errors.New("invoke: coordinator closed")
)
