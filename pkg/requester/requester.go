// Package requester coordinates batch runs: it resolves the environment,
// submits the requests to a worker pool, registers the pool, and drains it
// with the aggregator on a single cooperative scheduler.
//
// Example usage:
//
//	r := requester.New(requester.DefaultConfig(), executor, requester.WithHistory(store))
//	r.Start(ctx)
//	defer r.Stop()
//
//	run := r.Run(ctx, requester.Invocation{Text: text, Sources: env.SourcesFromText(text, path)}, handler)
//	responses, err := run.Wait(ctx)
package requester

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/requester/pkg/aggregator"
	"github.com/Sternrassler/requester/pkg/env"
	"github.com/Sternrassler/requester/pkg/history"
	"github.com/Sternrassler/requester/pkg/logging"
	"github.com/Sternrassler/requester/pkg/pool"
	"github.com/Sternrassler/requester/pkg/registry"
	"github.com/Sternrassler/requester/pkg/request"
	"github.com/Sternrassler/requester/pkg/scheduler"
)

// EnvPollDivisor splits the refresh interval into env resolution check-ins.
const EnvPollDivisor = 4

// Config holds the coordinator configuration.
type Config struct {
	// Concurrency is the default worker count per pool
	Concurrency int

	// MaxPools bounds the registry; the oldest pool is cancelled beyond it
	MaxPools int

	// RefreshInterval is the aggregator polling period
	RefreshInterval time.Duration

	// EnvTimeout abandons env resolution after this long (0 = unbounded)
	EnvTimeout time.Duration

	// RequestTimeout applies to every request (0 = unbounded)
	RequestTimeout time.Duration

	// RateLimit caps request dispatches per second and pool (0 = unlimited)
	RateLimit float64
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:     pool.DefaultConfig().Concurrency,
		MaxPools:        registry.DefaultCapacity,
		RefreshInterval: aggregator.DefaultInterval,
	}
}

// Option configures a Requester.
type Option func(*Requester)

// WithHistory records finished batches in store.
func WithHistory(store *history.Store) Option {
	return func(r *Requester) {
		r.history = store
	}
}

// WithResolver replaces the environment resolver.
func WithResolver(resolver *env.Resolver) Option {
	return func(r *Requester) {
		r.resolver = resolver
	}
}

// Requester is the process-wide owner of the scheduler, the pool registry,
// the env resolver and the history store.
type Requester struct {
	config   Config
	executor request.Executor
	sched    *scheduler.Scheduler
	registry *registry.Registry
	resolver *env.Resolver
	agg      *aggregator.Aggregator
	history  *history.Store
	logger   zerolog.Logger
}

// New creates a coordinator. Start must be called before Run.
func New(cfg Config, executor request.Executor, opts ...Option) *Requester {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = aggregator.DefaultInterval
	}

	sched := scheduler.New()
	r := &Requester{
		config:   cfg,
		executor: executor,
		sched:    sched,
		registry: registry.New(cfg.MaxPools),
		resolver: env.NewResolver(),
		agg:      aggregator.New(sched, cfg.RefreshInterval),
		logger:   logging.NewLogger("requester"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs the scheduler loop until ctx is cancelled or Stop is called.
func (r *Requester) Start(ctx context.Context) {
	go r.sched.Run(ctx)
}

// Stop ends the scheduler loop. Runs still in flight never finish.
func (r *Requester) Stop() {
	r.sched.Stop()
}

// CancelAll cancels every registered pool and returns how many there were.
func (r *Requester) CancelAll() int {
	return r.registry.CancelAll()
}

// Registry returns the pool registry.
func (r *Requester) Registry() *registry.Registry {
	return r.registry
}

// History returns the history store, or nil when history is disabled.
func (r *Requester) History() *history.Store {
	return r.history
}

// Invocation describes one batch.
type Invocation struct {
	// Text is parsed into requests unless Requests is set
	Text string

	// Limit caps the number of parsed requests (0 = all)
	Limit int

	// Requests are used as-is when non-empty
	Requests []request.Request

	// Sources the environment is resolved from
	Sources env.Sources

	// Concurrency overrides the configured worker count when > 0
	Concurrency int
}

// Run starts a batch and returns immediately. h receives every event on
// the scheduler goroutine.
func (r *Requester) Run(ctx context.Context, inv Invocation, h Handler) *Run {
	if h == nil {
		h = NopHandler{}
	}

	run := &Run{
		req:        r,
		ctx:        ctx,
		invocation: inv,
		handler:    h,
		done:       make(chan struct{}),
	}
	r.sched.Post(run.start)
	return run
}

// Replay runs the request stored in history under key with the
// environment sources it was recorded with.
func (r *Requester) Replay(ctx context.Context, key string, h Handler) (*Run, error) {
	if r.history == nil {
		return nil, errors.New("history is disabled")
	}

	entry, err := r.history.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("replay %q: %w", key, err)
	}

	prov := entry.Provenance()
	inv := Invocation{
		Text:    entry.Request,
		Limit:   1,
		Sources: env.Sources{Inline: prov.EnvString, File: prov.File, EnvFile: prov.EnvFile},
	}
	return r.Run(ctx, inv, h), nil
}
