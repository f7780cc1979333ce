// Package pool executes a fixed batch of requests with a bounded set of
// concurrent workers.
//
// Workers append each Response to the pool as soon as it is produced; a
// single consumer pops them from the front while the batch is still running.
// Responses arrive in completion order and carry the Ordering of their request
// so submission order can be restored once the pool is done.
//
// Example usage:
//
//	p := pool.Submit(ctx, requests, env, executor, pool.DefaultConfig())
//	for !p.Done() {
//	    for resp, ok := p.Pop(); ok; resp, ok = p.Pop() {
//	        // handle resp
//	    }
//	}
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Sternrassler/requester/pkg/request"
)

// Config holds worker pool configuration
type Config struct {
	// Concurrency is the maximum number of requests executing at once (>= 1)
	Concurrency int

	// RateLimit caps dispatches per second (0 = unlimited)
	RateLimit float64

	// Burst is the rate limiter burst size (defaults to Concurrency)
	Burst int
}

// DefaultConfig returns the default pool configuration
func DefaultConfig() Config {
	return Config{
		Concurrency: 10,
	}
}

// Pool is one submitted batch of requests.
type Pool struct {
	id       string
	requests []request.Request
	env      request.Environment
	executor request.Executor
	config   Config
	limiter  *rate.Limiter

	mu        sync.Mutex
	completed []request.Response
	finished  []bool
	count     int

	done      atomic.Bool
	cancelled atomic.Bool
	started   atomic.Bool

	logger zerolog.Logger
}

// New creates a pool for requests without starting it. Concurrency below 1
// is clamped to 1. A pool with no requests is done immediately.
func New(requests []request.Request, env request.Environment, executor request.Executor, config Config) *Pool {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}

	p := &Pool{
		id:       uuid.NewString(),
		requests: requests,
		env:      env,
		executor: executor,
		config:   config,
		finished: make([]bool, len(requests)),
	}
	p.logger = log.With().Str("component", "pool").Str("pool_id", p.id).Logger()

	if config.RateLimit > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = config.Concurrency
		}
		p.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	if len(requests) == 0 {
		p.done.Store(true)
	}
	return p
}

// Submit creates a pool and starts executing it on background goroutines.
func Submit(ctx context.Context, requests []request.Request, env request.Environment, executor request.Executor, config Config) *Pool {
	p := New(requests, env, executor, config)
	go p.Run(ctx)
	return p
}

// Run executes every request exactly once and returns when all workers have
// finished. Calling Run more than once has no effect.
func (p *Pool) Run(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) || len(p.requests) == 0 {
		return
	}

	start := time.Now()
	poolsActive.Inc()
	defer poolsActive.Dec()

	workers := p.config.Concurrency
	if workers > len(p.requests) {
		workers = len(p.requests)
	}

	p.logger.Debug().
		Int("requests", len(p.requests)).
		Int("workers", workers).
		Msg("Starting worker pool")

	queue := make(chan int, len(p.requests))
	for i := range p.requests {
		queue <- i
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go p.worker(ctx, queue, &wg, i)
	}
	wg.Wait()

	p.logger.Debug().
		Int("requests", len(p.requests)).
		Dur("duration", time.Since(start)).
		Bool("cancelled", p.Cancelled()).
		Msg("Worker pool finished")
}

// worker executes requests from the queue until it is drained
func (p *Pool) worker(ctx context.Context, queue <-chan int, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for idx := range queue {
		p.add(p.execute(ctx, idx))
		processed++
	}

	p.logger.Debug().
		Int("worker_id", workerID).
		Int("requests_processed", processed).
		Msg("Worker completed")
}

func (p *Pool) execute(ctx context.Context, idx int) (resp request.Response) {
	req := p.requests[idx]
	resp = request.Response{Request: req, Ordering: idx}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic", r).
				Int("ordering", idx).
				Msg("Request executor panicked")
			resp.Result = nil
			resp.Err = &ExecutionError{Ordering: idx, Request: req, Err: fmt.Errorf("panic: %v", r)}
		}

		requestDuration.Observe(time.Since(start).Seconds())
		if resp.Err != nil {
			requestsTotal.WithLabelValues("error").Inc()
		} else {
			requestsTotal.WithLabelValues("success").Inc()
		}
	}()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			resp.Err = &ExecutionError{Ordering: idx, Request: req, Err: fmt.Errorf("rate limit wait: %w", err)}
			return resp
		}
	}

	execCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	result, err := p.executor.Execute(execCtx, req, p.env)
	if err != nil {
		p.logger.Debug().
			Err(err).
			Int("ordering", idx).
			Str("method", req.Method).
			Str("url", req.URL).
			Msg("Request failed")
		resp.Err = &ExecutionError{Ordering: idx, Request: req, Err: err}
		return resp
	}
	if result == nil {
		resp.Err = &ExecutionError{Ordering: idx, Request: req, Err: fmt.Errorf("executor returned no result")}
		return resp
	}

	resp.Result = result
	return resp
}

// add appends a completed response. done flips only after the final
// response is visible to Pop.
func (p *Pool) add(resp request.Response) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.completed = append(p.completed, resp)
	p.finished[resp.Ordering] = true
	p.count++
	if p.count == len(p.requests) {
		p.done.Store(true)
	}
}

// Pop removes and returns the earliest completed response not yet popped.
func (p *Pool) Pop() (request.Response, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.completed) == 0 {
		return request.Response{}, false
	}
	resp := p.completed[0]
	p.completed[0] = request.Response{}
	p.completed = p.completed[1:]
	return resp, true
}

// Len returns the number of completed responses waiting to be popped.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.completed)
}

// Completed returns how many requests have produced a response so far.
func (p *Pool) Completed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// Pending returns the requests that have not produced a response yet,
// in submission order.
func (p *Pool) Pending() []request.Request {
	p.mu.Lock()
	defer p.mu.Unlock()

	pending := make([]request.Request, 0, len(p.requests)-p.count)
	for i, fin := range p.finished {
		if !fin {
			pending = append(pending, p.requests[i])
		}
	}
	return pending
}

// Done reports whether every request has produced a response or the pool
// was cancelled. Once true it stays true.
func (p *Pool) Done() bool {
	return p.done.Load()
}

// Cancel marks the pool done. Requests already executing are not
// interrupted; consumers stop surfacing their results. Cancelling a pool
// whose requests have all completed has no effect.
func (p *Pool) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.count == len(p.requests) {
		return
	}
	if p.cancelled.CompareAndSwap(false, true) {
		poolCancellations.Inc()
		p.logger.Debug().Int("completed", p.count).Msg("Pool cancelled")
	}
	p.done.Store(true)
}

// Cancelled reports whether Cancel was called.
func (p *Pool) Cancelled() bool {
	return p.cancelled.Load()
}

// ID returns the pool identifier.
func (p *Pool) ID() string {
	return p.id
}

// Requests returns the submitted requests.
func (p *Pool) Requests() []request.Request {
	return p.requests
}

// Env returns the environment the pool executes with.
func (p *Pool) Env() request.Environment {
	return p.env
}
