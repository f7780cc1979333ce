// Package aggregator drains worker pools from the cooperative scheduler.
//
// Each gathering polls one pool at a fixed interval. Every tick reports the
// pending requests, then pops all completed responses and hands them to the
// per-response callback in arrival order. Once a tick starts with the pool
// done, the accumulated responses are sorted back into submission order and
// delivered as one batch, followed by the combined error report and history
// persistence.
package aggregator

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/requester/pkg/pool"
	"github.com/Sternrassler/requester/pkg/request"
	"github.com/Sternrassler/requester/pkg/scheduler"
)

// DefaultInterval is the period between two polls of a pool.
const DefaultInterval = 200 * time.Millisecond

// State is the lifecycle stage of a gathering.
type State int

const (
	// StatePolling repeats ticks until the pool is done.
	StatePolling State = iota

	// StateFinalizing delivers the ordered batch.
	StateFinalizing

	// StateTerminal ignores any further tick.
	StateTerminal
)

// Persister stores a finished, ordered batch.
type Persister interface {
	Persist(ctx context.Context, responses []request.Response) error
}

// Handlers receives the output of one gathering. Every field is optional.
// All callbacks run on the scheduler goroutine.
type Handlers struct {
	// Progress is called on every tick with the requests still pending
	Progress func(pending []request.Request, tick int)

	// Response is called for each response in arrival order
	Response func(resp request.Response, received, total int)

	// Batch is called once with all responses in submission order
	Batch func(responses []request.Response)

	// Errors receives the combined failure report (default: logged)
	Errors ErrorReporter

	// History persists the ordered batch (nil disables history)
	History Persister

	// StatusError receives non-fatal errors such as history I/O failures
	StatusError func(err error)

	// Finished is called when the gathering terminates
	Finished func(cancelled bool)
}

// Aggregator starts gatherings on a scheduler.
type Aggregator struct {
	sched    *scheduler.Scheduler
	interval time.Duration
	logger   zerolog.Logger
}

// New creates an aggregator polling at interval (DefaultInterval if <= 0).
func New(sched *scheduler.Scheduler, interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Aggregator{
		sched:    sched,
		interval: interval,
		logger:   log.With().Str("component", "aggregator").Logger(),
	}
}

// Gather starts polling p. The first tick is scheduled immediately.
func (a *Aggregator) Gather(ctx context.Context, p *pool.Pool, h Handlers) *Gathering {
	if h.Errors == nil {
		h.Errors = LogReporter{Logger: a.logger}
	}

	g := &Gathering{
		agg:      a,
		ctx:      ctx,
		pool:     p,
		handlers: h,
		done:     make(chan struct{}),
		logger:   a.logger.With().Str("pool_id", p.ID()).Logger(),
	}
	a.sched.Post(g.tick)
	return g
}

// Gathering is the polling state of one pool.
// Its fields are only touched from the scheduler goroutine.
type Gathering struct {
	agg       *Aggregator
	ctx       context.Context
	pool      *pool.Pool
	handlers  Handlers
	state     State
	ticks     int
	responses []request.Response
	cancelled bool
	done      chan struct{}
	logger    zerolog.Logger
}

// Done is closed once the gathering is terminal.
func (g *Gathering) Done() <-chan struct{} {
	return g.done
}

// Responses returns the ordered batch. Only valid after Done is closed.
func (g *Gathering) Responses() []request.Response {
	return g.responses
}

// Cancelled reports whether the gathering stopped because its pool was
// cancelled. Only valid after Done is closed.
func (g *Gathering) Cancelled() bool {
	return g.cancelled
}

func (g *Gathering) tick() {
	if g.state != StatePolling {
		return
	}
	if g.pool.Cancelled() {
		g.terminate(true)
		return
	}

	if g.handlers.Progress != nil {
		g.handlers.Progress(g.pool.Pending(), g.ticks)
	}

	// Snapshot before draining: a response appended after this point is
	// picked up by the next tick instead of being lost.
	done := g.pool.Done()
	total := len(g.pool.Requests())

	for resp, ok := g.pool.Pop(); ok; resp, ok = g.pool.Pop() {
		if g.pool.Cancelled() {
			g.terminate(true)
			return
		}
		g.responses = append(g.responses, resp)
		g.logger.Debug().
			Int("ordering", resp.Ordering).
			Int("received", len(g.responses)).
			Bool("failed", resp.Failed()).
			Msg("Response drained")
		if g.handlers.Response != nil {
			g.handlers.Response(resp, len(g.responses), total)
		}
	}

	if done {
		if g.pool.Cancelled() {
			g.terminate(true)
			return
		}
		g.finalize()
		return
	}

	g.ticks++
	g.agg.sched.After(g.agg.interval, g.tick)
}

func (g *Gathering) finalize() {
	g.state = StateFinalizing

	sort.SliceStable(g.responses, func(i, j int) bool {
		return g.responses[i].Ordering < g.responses[j].Ordering
	})

	if g.handlers.Batch != nil {
		g.handlers.Batch(g.responses)
	}

	if report := CombineErrors(g.responses); report != nil {
		g.handlers.Errors.ReportErrors(report)
	}

	g.logger.Info().
		Int("responses", len(g.responses)).
		Int("ticks", g.ticks).
		Msg("Batch complete")

	if g.handlers.History == nil {
		g.terminate(false)
		return
	}

	// history I/O runs off the scheduler goroutine
	responses := g.responses
	go func() {
		err := g.handlers.History.Persist(g.ctx, responses)
		g.agg.sched.Post(func() {
			if err != nil {
				g.logger.Warn().Err(err).Msg("History persistence reported an error")
				if g.handlers.StatusError != nil {
					g.handlers.StatusError(err)
				}
			}
			g.terminate(false)
		})
	}()
}

func (g *Gathering) terminate(cancelled bool) {
	if g.state == StateTerminal {
		return
	}
	g.state = StateTerminal
	g.cancelled = cancelled

	if cancelled {
		g.logger.Debug().Int("received", len(g.responses)).Msg("Gathering stopped, pool cancelled")
	}
	if g.handlers.Finished != nil {
		g.handlers.Finished(cancelled)
	}
	close(g.done)
}
