package history

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested history key is not stored.
var ErrNotFound = errors.New("history entry not found")

// Operations reported by HistoryIOError.
const (
	OpRead  = "read"
	OpParse = "parse"
	OpWrite = "write"
)

// HistoryIOError reports a failure reading, parsing or writing the history
// document. On a parse failure Record starts over from an empty document
// and returns the error after writing it.
type HistoryIOError struct {
	Op       string
	Location string
	Err      error
}

func (e *HistoryIOError) Error() string {
	if e.Location == "" {
		return fmt.Sprintf("history %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("history %s %s: %v", e.Op, e.Location, e.Err)
}

func (e *HistoryIOError) Unwrap() error {
	return e.Err
}
