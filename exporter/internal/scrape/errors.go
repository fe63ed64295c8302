package scrape

import (
	"errors"
	"fmt"
	"time"
)

// ErrPanic is wrapped by the QueryError of a collector that panicked.
var ErrPanic = errors.New("collector panicked")

// TimeoutError reports a collector that exceeded its timeout.
type TimeoutError struct {
	Collector string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("collector %s: timed out after %s", e.Collector, e.Timeout)
}

// QueryError reports a collector whose queries failed, whose connection
// could not be acquired, or which panicked.
type QueryError struct {
	Collector string
	Err       error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("collector %s: %v", e.Collector, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }
