// Package registry implements the connection registry (C2): a
// connection-id -> transport-handle map with targeted send and broadcast.
// There is no reverse (handle -> id) index. It holds no ownership over the connection itself — the
// connection manager exclusively owns the transport and the close
// capability; the registry only ever looks things up by id.
package registry

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/SkynetNext/game-gateway/internal/protocol"
)

// shardCount mirrors the teacher's session manager: 16 shards keep lock
// contention low under tens of thousands of concurrent connections.
const shardCount = 16

var (
	// ErrNotFound is returned by Send when the id is not registered.
	ErrNotFound = errors.New("registry: connection not found")
	// ErrClosed is returned by Send when the connection is already closing.
	ErrClosed = errors.New("registry: connection closed")
	// ErrQueueFull is returned by Send when the outbound queue is saturated.
	ErrQueueFull = errors.New("registry: outbound queue full")
)

// Handle is what the registry holds per connection: enough to enqueue a
// frame for delivery and to know whether the connection is still live.
type Handle interface {
	// Enqueue offers a frame to the connection's bounded outbound queue.
	// It must never block; ok is false if the queue is full.
	Enqueue(f protocol.Frame) (ok bool)
	// Closed reports whether the connection has begun its close cascade.
	Closed() bool
}

type shard struct {
	mu      sync.RWMutex
	entries map[uint64]Handle
}

// Registry is the process-wide connection registry. It is constructed once
// at startup and passed in as a capability, never reached via a global.
type Registry struct {
	shards [shardCount]*shard
	active int64
	total  int64
}

// New constructs an empty Registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[uint64]Handle)}
	}
	return r
}

func (r *Registry) shardFor(id uint64) *shard {
	return r.shards[id&(shardCount-1)]
}

// Register adds an entry for id, which must already be unique (the
// connection manager owns ConnectionID allocation; I5).
func (r *Registry) Register(id uint64, h Handle) {
	s := r.shardFor(id)
	s.mu.Lock()
	s.entries[id] = h
	s.mu.Unlock()
	atomic.AddInt64(&r.active, 1)
	atomic.AddInt64(&r.total, 1)
}

// Unregister removes id. A no-op if id is absent.
func (r *Registry) Unregister(id uint64) {
	s := r.shardFor(id)
	s.mu.Lock()
	_, existed := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if existed {
		atomic.AddInt64(&r.active, -1)
	}
}

// Lookup returns id's handle, if registered.
func (r *Registry) Lookup(id uint64) (Handle, bool) {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.entries[id]
	return h, ok
}

// Send enqueues f for delivery on connection id. It is non-blocking with
// respect to slow peers: if the connection's queue is full the call returns
// ErrQueueFull rather than waiting.
func (r *Registry) Send(id uint64, f protocol.Frame) error {
	h, ok := r.Lookup(id)
	if !ok {
		return ErrNotFound
	}
	if h.Closed() {
		return ErrClosed
	}
	if !h.Enqueue(f) {
		return ErrQueueFull
	}
	return nil
}

// Broadcast enqueues f on every live connection and returns the number of
// connections it was successfully handed to. Per-connection failures
// (closed, full queue) are counted, not raised.
func (r *Registry) Broadcast(f protocol.Frame) int {
	delivered := 0
	for _, s := range r.shards {
		s.mu.RLock()
		for _, h := range s.entries {
			if h.Closed() {
				continue
			}
			if h.Enqueue(f) {
				delivered++
			}
		}
		s.mu.RUnlock()
	}
	return delivered
}

// CloseAll returns every currently-registered id; it does not signal any
// connection itself. The actual shutdown signal comes from the connection
// manager's own close cascade, which the caller drives for each returned id.
func (r *Registry) CloseAll() []uint64 {
	var ids []uint64
	for _, s := range r.shards {
		s.mu.RLock()
		for id := range s.entries {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
	}
	return ids
}

// ActiveCount returns the number of currently registered connections.
func (r *Registry) ActiveCount() int64 {
	return atomic.LoadInt64(&r.active)
}

// TotalCount returns the cumulative number of connections ever registered.
func (r *Registry) TotalCount() int64 {
	return atomic.LoadInt64(&r.total)
}
