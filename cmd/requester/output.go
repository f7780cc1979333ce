package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/Sternrassler/requester/pkg/aggregator"
	"github.com/Sternrassler/requester/pkg/config"
	"github.com/Sternrassler/requester/pkg/request"
	"github.com/Sternrassler/requester/pkg/requester"
)

var (
	bold   = color.New(color.Bold)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
)

// consoleHandler renders a run on the terminal. Results go to out; the
// progress bar, warnings and the error report go to errOut.
//
// Bodies are printed for a single request when change_focus_after_request
// is set and for every request when change_focus_after_requests is set.
// With reorder_tabs_after_requests results are printed once the batch is
// complete, in file order; otherwise they are printed as they arrive.
type consoleHandler struct {
	requester.NopHandler

	out    io.Writer
	errOut io.Writer
	cfg    config.Config
	bar    *progressbar.ProgressBar
}

func newConsoleHandler(out, errOut io.Writer, cfg config.Config) *consoleHandler {
	return &consoleHandler{out: out, errOut: errOut, cfg: cfg}
}

func (h *consoleHandler) progress() *progressbar.ProgressBar {
	if h.bar == nil {
		h.bar = progressbar.NewOptions(-1,
			progressbar.OptionSetWriter(h.errOut),
			progressbar.OptionSetWidth(30),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionSpinnerType(14),
		)
	}
	return h.bar
}

func (h *consoleHandler) Activity(name, text string) {
	if text == "" {
		return
	}
	h.progress().Describe(text)
}

func (h *consoleHandler) Response(resp request.Response, received, total int) {
	bar := h.progress()
	bar.ChangeMax(total)
	_ = bar.Set(received)

	if h.cfg.ReorderTabsAfterRequests {
		return
	}
	_ = bar.Clear()
	h.print(resp, total)
}

func (h *consoleHandler) Batch(responses []request.Response) {
	if h.bar != nil {
		_ = h.bar.Finish()
	}
	if !h.cfg.ReorderTabsAfterRequests {
		return
	}
	for _, resp := range responses {
		h.print(resp, len(responses))
	}
}

func (h *consoleHandler) Errors(err *aggregator.BatchError) {
	red.Fprintf(h.errOut, "%d request(s) failed:\n", len(err.Failures))
	fmt.Fprintln(h.errOut, err.Error())
}

func (h *consoleHandler) StatusError(err error) {
	yellow.Fprintf(h.errOut, "warning: %v\n", err)
}

func (h *consoleHandler) Finished(cancelled bool) {
	if h.bar != nil {
		_ = h.bar.Exit()
	}
	if cancelled {
		yellow.Fprintln(h.errOut, "cancelled")
	}
}

// print writes the status line of resp and, if configured, its body.
func (h *consoleHandler) print(resp request.Response, total int) {
	if resp.Failed() {
		red.Fprintf(h.out, "ERR ")
		fmt.Fprintf(h.out, "%s: %v\n", resp.Request, resp.Err)
		return
	}

	res := resp.Result
	statusColor(res.StatusCode).Fprintf(h.out, "%s ", res.Code())
	fmt.Fprintf(h.out, "%s %s (%s)\n", res.Method, res.URL, res.Elapsed.Round(time.Millisecond))

	if h.showBody(total) && len(res.Body) > 0 {
		fmt.Fprintf(h.out, "%s\n\n", res.Body)
	}
}

func (h *consoleHandler) showBody(total int) bool {
	if total == 1 {
		return h.cfg.ChangeFocusAfterRequest
	}
	return h.cfg.ChangeFocusAfterRequests
}

// failures counts the failed responses.
func (h *consoleHandler) failures(responses []request.Response) int {
	n := 0
	for _, resp := range responses {
		if resp.Failed() {
			n++
		}
	}
	return n
}

func statusColor(code int) *color.Color {
	switch {
	case code >= 500:
		return red
	case code >= 400:
		return yellow
	case code >= 300:
		return bold
	default:
		return green
	}
}
