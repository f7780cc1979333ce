package requester

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/Sternrassler/requester/pkg/aggregator"
	"github.com/Sternrassler/requester/pkg/env"
	"github.com/Sternrassler/requester/pkg/history"
	"github.com/Sternrassler/requester/pkg/pool"
	"github.com/Sternrassler/requester/pkg/request"
)

// Run is one invocation in flight. Its unexported fields other than the
// guarded ones are only touched on the scheduler goroutine.
type Run struct {
	req        *Requester
	ctx        context.Context
	invocation Invocation
	handler    Handler
	resolution *env.Resolution

	mu              sync.Mutex
	pool            *pool.Pool
	cancelRequested bool
	responses       []request.Response
	statusErrs      []error
	err             error
	cancelled       bool
	done            chan struct{}
}

// Done is closed once the run has finished.
func (run *Run) Done() <-chan struct{} {
	return run.done
}

// Wait blocks until the run finishes or ctx is done. It returns the
// responses in submission order and the error that stopped the run, if any.
// It must not be called from a Handler.
func (run *Run) Wait(ctx context.Context) ([]request.Response, error) {
	select {
	case <-run.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	return run.responses, run.err
}

// Pool returns the pool executing the run, or nil before it was created.
func (run *Run) Pool() *pool.Pool {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.pool
}

// Cancel stops surfacing results of this run. Requests already executing
// are not interrupted.
func (run *Run) Cancel() {
	run.mu.Lock()
	p := run.pool
	run.cancelRequested = true
	run.mu.Unlock()

	if p != nil {
		p.Cancel()
	}
}

// Cancelled reports whether the run ended because it was cancelled.
func (run *Run) Cancelled() bool {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.cancelled
}

// StatusErrors returns the non-fatal errors reported during the run.
func (run *Run) StatusErrors() []error {
	run.mu.Lock()
	defer run.mu.Unlock()
	return append([]error(nil), run.statusErrs...)
}

func (run *Run) start() {
	run.resolution = run.req.resolver.Start(run.ctx, run.invocation.Sources)
	run.pollEnv(0)
}

// pollEnv checks in with the env resolution without blocking and
// reschedules itself until the environment is available or the bound is
// exceeded.
func (run *Run) pollEnv(count int) {
	cfg := run.req.config
	interval := cfg.RefreshInterval / EnvPollDivisor

	environment, errs, ok := run.resolution.Poll()
	if !ok {
		if cfg.EnvTimeout > 0 && time.Duration(count)*interval > cfg.EnvTimeout {
			run.resolution.Abandon()
			run.handler.Activity(ActivityEnv, "")
			run.req.logger.Error().Dur("timeout", cfg.EnvTimeout).Msg("Environment resolution timed out")
			run.statusError(env.ErrResolutionTimeout)
			run.abort(env.ErrResolutionTimeout, false)
			return
		}
		if count > 0 {
			run.handler.Activity(ActivityEnv, "Resolving env "+aggregator.Activity(count, aggregator.ActivitySpaces))
		}
		run.req.sched.After(interval, func() { run.pollEnv(count + 1) })
		return
	}

	if count > 0 {
		run.handler.Activity(ActivityEnv, "")
	}
	for _, err := range errs {
		run.statusError(err)
	}
	run.submit(environment)
}

// submit parses the requests, starts the pool and hands it to the aggregator.
func (run *Run) submit(environment request.Environment) {
	r := run.req
	inv := run.invocation

	requests := inv.Requests
	if len(requests) == 0 {
		parsed, err := request.Parse(inv.Text, inv.Limit)
		if err != nil {
			run.statusError(err)
			run.abort(err, false)
			return
		}
		requests = parsed
	}
	requests = request.Prepare(requests, r.config.RequestTimeout)

	concurrency := r.config.Concurrency
	if inv.Concurrency > 0 {
		concurrency = inv.Concurrency
	}

	p := pool.New(requests, environment, r.executor, pool.Config{
		Concurrency: concurrency,
		RateLimit:   r.config.RateLimit,
	})

	run.mu.Lock()
	run.pool = p
	cancelled := run.cancelRequested
	run.mu.Unlock()

	if cancelled {
		run.abort(nil, true)
		return
	}

	r.registry.Register(p)
	go p.Run(run.ctx)

	r.logger.Info().
		Str("pool_id", p.ID()).
		Int("requests", len(requests)).
		Int("concurrency", concurrency).
		Int("env_bindings", len(environment)).
		Msg("Batch submitted")

	h := run.handler
	handlers := aggregator.Handlers{
		Progress: func(pending []request.Request, tick int) {
			h.Progress(pending, tick)
			h.Activity(ActivityRequest, requestActivity(pending, tick))
		},
		Response: h.Response,
		Batch: func(responses []request.Response) {
			h.Activity(ActivityRequest, "")
			h.Batch(responses)
		},
		Errors:      aggregator.ErrorReporterFunc(h.Errors),
		StatusError: run.statusError,
		Finished: func(cancelled bool) {
			if cancelled {
				h.Activity(ActivityRequest, "")
			}
			h.Finished(cancelled)
		},
	}
	if r.history != nil {
		handlers.History = history.Recorder{
			Store: r.history,
			Provenance: history.Provenance{
				EnvString: inv.Sources.Inline,
				File:      inv.Sources.File,
				EnvFile:   inv.Sources.EnvFile,
			},
		}
	}

	g := r.agg.Gather(run.ctx, p, handlers)
	go func() {
		<-g.Done()
		if g.Cancelled() {
			run.finish(nil, nil, true)
			return
		}
		run.finish(g.Responses(), nil, false)
	}()
}

// requestActivity renders the status text for pending requests.
func requestActivity(pending []request.Request, tick int) string {
	indicator := aggregator.Activity(tick, aggregator.ActivitySpaces)
	switch len(pending) {
	case 0:
		return ""
	case 1:
		return indicator + " " + pending[0].Method + " " + request.BaseURL(pending[0].URL)
	default:
		return indicator + " " + strconv.Itoa(len(pending)) + " requests"
	}
}

func (run *Run) statusError(err error) {
	run.mu.Lock()
	run.statusErrs = append(run.statusErrs, err)
	run.mu.Unlock()
	run.handler.StatusError(err)
}

// abort ends a run that never reached the aggregator.
func (run *Run) abort(err error, cancelled bool) {
	run.handler.Finished(cancelled)
	run.finish(nil, err, cancelled)
}

func (run *Run) finish(responses []request.Response, err error, cancelled bool) {
	run.mu.Lock()
	run.responses = responses
	run.err = err
	run.cancelled = cancelled
	run.mu.Unlock()
	close(run.done)
}
