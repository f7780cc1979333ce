package registry

import (
	"context"
	"testing"

	"github.com/Sternrassler/requester/pkg/pool"
	"github.com/Sternrassler/requester/pkg/request"
)

func idlePool() *pool.Pool {
	exec := request.ExecutorFunc(func(ctx context.Context, req request.Request, env request.Environment) (*request.Result, error) {
		return &request.Result{StatusCode: 200}, nil
	})
	// never run, so the pool stays not-done until cancelled
	return pool.New([]request.Request{{Method: "GET", URL: "http://localhost/"}}, nil, exec, pool.DefaultConfig())
}

func TestNew_CapacityDefault(t *testing.T) {
	tests := []struct {
		capacity int
		want     int
	}{
		{0, DefaultCapacity},
		{-3, DefaultCapacity},
		{1, 1},
		{25, 25},
	}

	for _, tt := range tests {
		if got := New(tt.capacity).Capacity(); got != tt.want {
			t.Errorf("New(%d).Capacity() = %d, want %d", tt.capacity, got, tt.want)
		}
	}
}

func TestRegister_EvictsOldest(t *testing.T) {
	r := New(3)
	pools := []*pool.Pool{idlePool(), idlePool(), idlePool(), idlePool()}

	for _, p := range pools[:3] {
		if evicted := r.Register(p); len(evicted) != 0 {
			t.Fatalf("unexpected eviction below capacity: %v", evicted)
		}
	}

	evicted := r.Register(pools[3])
	if len(evicted) != 1 || evicted[0] != pools[0] {
		t.Fatalf("evicted = %v, want first pool", evicted)
	}
	if !pools[0].Done() || !pools[0].Cancelled() {
		t.Error("evicted pool must be cancelled")
	}
	for i, p := range pools[1:] {
		if p.Done() {
			t.Errorf("pool %d touched by eviction", i+1)
		}
	}

	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}
	got := r.Pools()
	for i, p := range pools[1:] {
		if got[i] != p {
			t.Errorf("Pools()[%d] out of order", i)
		}
	}
}

func TestRegister_NeverExceedsCapacity(t *testing.T) {
	r := New(DefaultCapacity)
	for i := 0; i < 3*DefaultCapacity; i++ {
		r.Register(idlePool())
		if r.Len() > DefaultCapacity {
			t.Fatalf("registry holds %d pools, capacity %d", r.Len(), DefaultCapacity)
		}
	}
}

func TestCancelAll(t *testing.T) {
	r := New(5)
	pools := []*pool.Pool{idlePool(), idlePool()}
	for _, p := range pools {
		r.Register(p)
	}

	if n := r.CancelAll(); n != 2 {
		t.Errorf("CancelAll() = %d, want 2", n)
	}
	for i, p := range pools {
		if !p.Done() || !p.Cancelled() {
			t.Errorf("pool %d not cancelled", i)
		}
	}
	if r.Len() != 2 {
		t.Errorf("CancelAll must keep pools registered, Len() = %d", r.Len())
	}
}
