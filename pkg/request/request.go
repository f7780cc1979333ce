// Package request defines the request and response types shared by the
// environment resolver, worker pool, aggregator and history store.
package request

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// Environment holds the key/value bindings a batch of requests is executed with.
// It is shared read-only between all workers of a pool.
type Environment map[string]any

// Request is a single user-specified request.
// It is immutable once submitted to a pool.
type Request struct {
	// Text is the original request text as written by the user
	Text string

	// Method is the upper-case HTTP method (e.g. "GET")
	Method string

	// URL is the request URL, possibly containing {{name}} placeholders
	URL string

	// Header holds extra request headers
	Header http.Header

	// Body is the raw request body (empty for none)
	Body string

	// Timeout bounds a single execution (0 = executor default)
	Timeout time.Duration
}

// String returns the original request text.
func (r Request) String() string {
	if r.Text != "" {
		return r.Text
	}
	return r.Method + " " + r.URL
}

// Result is the successful outcome of executing a Request.
type Result struct {
	// StatusCode is the HTTP status code of the final response
	StatusCode int `json:"status_code"`

	// Status is the HTTP status line (e.g. "200 OK")
	Status string `json:"status"`

	// Method is the method that was actually sent
	Method string `json:"method"`

	// URL is the final URL after redirects
	URL string `json:"url"`

	// Redirects lists every URL traversed, final URL last
	Redirects []string `json:"redirects,omitempty"`

	// Header holds the response headers
	Header http.Header `json:"header,omitempty"`

	// Body is the response body
	Body []byte `json:"body,omitempty"`

	// Elapsed is the wall time spent executing the request
	Elapsed time.Duration `json:"elapsed"`
}

// Code returns the status code as text for status lines. It is empty for a
// nil result.
func (r *Result) Code() string {
	if r == nil {
		return ""
	}
	return strconv.Itoa(r.StatusCode)
}

// Response is the outcome of executing one Request of a batch.
// Exactly one of Result and Err is set.
type Response struct {
	Request  Request
	Result   *Result
	Err      error
	Ordering int
}

// Failed reports whether execution of the request failed.
func (r Response) Failed() bool {
	return r.Err != nil
}

// Executor executes a single request in the context of an environment.
// Implementations must be safe for concurrent use.
type Executor interface {
	Execute(ctx context.Context, req Request, env Environment) (*Result, error)
}

// ExecutorFunc adapts an ordinary function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req Request, env Environment) (*Result, error)

// Execute calls f(ctx, req, env).
func (f ExecutorFunc) Execute(ctx context.Context, req Request, env Environment) (*Result, error) {
	return f(ctx, req, env)
}
