package aggregator

import (
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/requester/pkg/pool"
	"github.com/Sternrassler/requester/pkg/request"
)

// Failure is one failed request of a batch.
type Failure struct {
	Request request.Request
	Err     error
}

// BatchError combines every failed request of a finished batch into a
// single report.
type BatchError struct {
	Failures []Failure
}

// Error renders one "request\nerror" block per failure, separated by a
// blank line.
func (e *BatchError) Error() string {
	blocks := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		blocks[i] = f.Request.String() + "\n" + cause(f.Err).Error()
	}
	return strings.Join(blocks, "\n\n")
}

// Unwrap returns the individual failures for errors.Is/As.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// CombineErrors collects every failed response. It returns nil when the
// batch has no failures.
func CombineErrors(responses []request.Response) *BatchError {
	var failures []Failure
	for _, r := range responses {
		if r.Err != nil {
			failures = append(failures, Failure{Request: r.Request, Err: r.Err})
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return &BatchError{Failures: failures}
}

// cause strips the pool's ExecutionError wrapper, whose request details
// are already part of the report.
func cause(err error) error {
	var execErr *pool.ExecutionError
	if errors.As(err, &execErr) && execErr.Err != nil {
		return execErr.Err
	}
	return err
}

// ErrorReporter surfaces the combined failure report of a batch.
type ErrorReporter interface {
	ReportErrors(err *BatchError)
}

// ErrorReporterFunc adapts a function to ErrorReporter.
type ErrorReporterFunc func(err *BatchError)

// ReportErrors calls f(err).
func (f ErrorReporterFunc) ReportErrors(err *BatchError) {
	f(err)
}

// LogReporter writes the combined report to a logger.
type LogReporter struct {
	Logger zerolog.Logger
}

// ReportErrors implements ErrorReporter.
func (r LogReporter) ReportErrors(err *BatchError) {
	r.Logger.Warn().
		Int("failures", len(err.Failures)).
		Str("report", err.Error()).
		Msg("Requests failed")
}
