package requester

import (
	"github.com/Sternrassler/requester/pkg/aggregator"
	"github.com/Sternrassler/requester/pkg/request"
)

// Activity names reported through Handler.Activity.
const (
	ActivityEnv     = "RequesterEnv"
	ActivityRequest = "Requester"
)

// Handler receives the progress and results of a run. Every method is
// called on the scheduler goroutine and must not block.
type Handler interface {
	// Activity shows a status text under name; an empty text clears it
	Activity(name, text string)

	// Progress reports the requests still pending on every aggregator tick
	Progress(pending []request.Request, tick int)

	// Response delivers one response in arrival order
	Response(resp request.Response, received, total int)

	// Batch delivers all responses in submission order
	Batch(responses []request.Response)

	// Errors delivers the combined report of failed requests
	Errors(err *aggregator.BatchError)

	// StatusError reports a non-fatal error such as a failed env source
	StatusError(err error)

	// Finished is called last, once per run
	Finished(cancelled bool)
}

// NopHandler ignores every event. Embed it to implement only some methods.
type NopHandler struct{}

func (NopHandler) Activity(string, string) {}
func (NopHandler) Progress([]request.Request, int) {}
func (NopHandler) Response(request.Response, int, int) {}
func (NopHandler) Batch([]request.Response) {}
func (NopHandler) Errors(*aggregator.BatchError) {}
func (NopHandler) StatusError(error) {}
func (NopHandler) Finished(bool) {}
