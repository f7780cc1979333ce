package pool

import (
	"fmt"

	"github.com/Sternrassler/requester/pkg/request"
)

// ExecutionError records the failure of a single request. It never affects
// sibling requests of the same pool.
type ExecutionError struct {
	Ordering int
	Request  request.Request
	Err      error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("request %d (%s %s): %v", e.Ordering, e.Request.Method, e.Request.URL, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}
