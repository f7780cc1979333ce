// Package registry retains the most recently created worker pools so that
// stale ones can be cancelled.
package registry

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/requester/pkg/pool"
)

// DefaultCapacity is the number of pools retained when none is configured.
const DefaultCapacity = 10

// Registry is a bounded FIFO of pools. Registering beyond capacity evicts
// and cancels the earliest-registered pool.
type Registry struct {
	mu       sync.Mutex
	pools    []*pool.Pool
	capacity int
	logger   zerolog.Logger
}

// New creates a registry holding at most capacity pools.
// A capacity below 1 falls back to DefaultCapacity.
func New(capacity int) *Registry {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Registry{
		capacity: capacity,
		logger:   log.With().Str("component", "registry").Logger(),
	}
}

// Register appends p. While the registry is over capacity the oldest pool
// is removed and cancelled. Evicted pools are returned.
func (r *Registry) Register(p *pool.Pool) []*pool.Pool {
	r.mu.Lock()
	r.pools = append(r.pools, p)

	var evicted []*pool.Pool
	for len(r.pools) > r.capacity {
		evicted = append(evicted, r.pools[0])
		r.pools[0] = nil
		r.pools = r.pools[1:]
	}
	r.mu.Unlock()

	for _, old := range evicted {
		old.Cancel()
		r.logger.Debug().Str("pool_id", old.ID()).Msg("Evicted pool from registry")
	}
	return evicted
}

// CancelAll cancels every registered pool and returns how many there were.
// Pools stay registered; in-flight requests are not interrupted.
func (r *Registry) CancelAll() int {
	pools := r.Pools()
	for _, p := range pools {
		p.Cancel()
	}
	r.logger.Debug().Int("pools", len(pools)).Msg("Cancelled all registered pools")
	return len(pools)
}

// Pools returns the registered pools, oldest first.
func (r *Registry) Pools() []*pool.Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*pool.Pool(nil), r.pools...)
}

// Len returns the number of registered pools.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}

// Capacity returns the maximum number of retained pools.
func (r *Registry) Capacity() int {
	return r.capacity
}
