package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/SkynetNext/game-gateway/internal/auth"
	"github.com/SkynetNext/game-gateway/internal/protocol"
	"github.com/SkynetNext/game-gateway/internal/ratelimit"
	"github.com/SkynetNext/game-gateway/internal/registry"
	"github.com/SkynetNext/game-gateway/internal/router"
)

// fakeHandle is a registry.Handle that records every frame enqueued to it.
type fakeHandle struct {
	mu     sync.Mutex
	frames []protocol.Frame
	closed bool
}

func (h *fakeHandle) Enqueue(f protocol.Frame) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.frames = append(h.frames, f)
	return true
}

func (h *fakeHandle) Closed() bool { return h.closed }

func (h *fakeHandle) last() (protocol.Frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.frames) == 0 {
		return protocol.Frame{}, false
	}
	return h.frames[len(h.frames)-1], true
}

type fakeAuthenticator struct {
	ok                bool
	identity, token   string
}

func (a fakeAuthenticator) Authenticate(_ context.Context, _ uint64, _ string, _ []byte) (string, string, bool) {
	return a.identity, a.token, a.ok
}

type fakeSender struct {
	mu      sync.Mutex
	calls   int
	lastErr error
}

func (s *fakeSender) SendDownstream(_ context.Context, _ router.PoolID, _ string, _ uint64, _ protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.lastErr
}

type fakeCloser struct {
	mu     sync.Mutex
	closed []uint64
}

func (c *fakeCloser) CloseByID(connID uint64, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, connID)
}

type fakeStats struct {
	droppedAuth, droppedRoute, evictions int
	droppedRate                          map[ratelimit.Scope]int
	mu                                   sync.Mutex
}

func newFakeStats() *fakeStats { return &fakeStats{droppedRate: make(map[ratelimit.Scope]int)} }

func (s *fakeStats) IncFramesDroppedAuth() { s.mu.Lock(); s.droppedAuth++; s.mu.Unlock() }
func (s *fakeStats) IncFramesDroppedRate(scope ratelimit.Scope) {
	s.mu.Lock()
	s.droppedRate[scope]++
	s.mu.Unlock()
}
func (s *fakeStats) IncFramesDroppedRoute() { s.mu.Lock(); s.droppedRoute++; s.mu.Unlock() }
func (s *fakeStats) IncAuthEvictions()      { s.mu.Lock(); s.evictions++; s.mu.Unlock() }

func newTestDispatcher(t *testing.T) (*Dispatcher, *registry.Registry, *fakeSender, *fakeCloser, *fakeStats) {
	t.Helper()
	reg := registry.New()
	limiter := ratelimit.NewLimiter(ratelimit.Config{GlobalQPS: 1000, GlobalBurst: 1000})
	t.Cleanup(limiter.Stop)

	routes := router.NewTable()
	routes.SetEndpoints(router.PoolLogic, []string{"127.0.0.1:9001"})
	routes.MarkHealthy(router.PoolLogic, "127.0.0.1:9001", true)

	sender := &fakeSender{}
	closer := &fakeCloser{}
	stats := newFakeStats()

	d := &Dispatcher{
		AuthReg:               auth.New(),
		Limiter:               limiter,
		Routes:                routes,
		Registry:              reg,
		Auth:                  fakeAuthenticator{ok: true, identity: "player-1", token: "tok"},
		Sender:                sender,
		Closer:                closer,
		Stats:                 stats,
		SendDownstreamTimeout: time.Second,
	}
	return d, reg, sender, closer, stats
}

const playerMessageType int32 = 101

func TestDispatchRejectsUnauthenticatedPlayerFrame(t *testing.T) {
	d, reg, sender, _, stats := newTestDispatcher(t)

	h := &fakeHandle{}
	reg.Register(1, h)

	d.Dispatch(context.Background(), 1, "10.0.0.1", protocol.Frame{MessageType: playerMessageType})

	if sender.calls != 0 {
		t.Fatalf("expected no downstream send for unauthenticated frame, got %d calls", sender.calls)
	}
	if stats.droppedAuth != 1 {
		t.Fatalf("droppedAuth = %d, want 1", stats.droppedAuth)
	}
	f, ok := h.last()
	if !ok || f.MessageType != protocol.ErrorUnauthorized {
		t.Fatalf("expected unauthorized error reply, got %+v ok=%v", f, ok)
	}
}

func TestDispatchHandlesAuthAndForwardsSubsequentFrames(t *testing.T) {
	d, reg, sender, _, _ := newTestDispatcher(t)

	h := &fakeHandle{}
	reg.Register(1, h)

	d.Dispatch(context.Background(), 1, "10.0.0.1", protocol.Frame{MessageType: protocol.AuthMessageType})

	f, ok := h.last()
	if !ok || f.MessageType != protocol.AuthResponseMessageType {
		t.Fatalf("expected auth response, got %+v ok=%v", f, ok)
	}

	d.Dispatch(context.Background(), 1, "10.0.0.1", protocol.Frame{MessageType: playerMessageType})
	if sender.calls != 1 {
		t.Fatalf("expected one downstream send after auth, got %d", sender.calls)
	}
}

func TestDispatchSingleDeviceLoginEvictsPriorConnection(t *testing.T) {
	d, reg, _, closer, stats := newTestDispatcher(t)

	h1 := &fakeHandle{}
	reg.Register(1, h1)
	h2 := &fakeHandle{}
	reg.Register(2, h2)

	d.Dispatch(context.Background(), 1, "10.0.0.1", protocol.Frame{MessageType: protocol.AuthMessageType})
	d.Dispatch(context.Background(), 2, "10.0.0.2", protocol.Frame{MessageType: protocol.AuthMessageType})

	if stats.evictions != 1 {
		t.Fatalf("evictions = %d, want 1", stats.evictions)
	}
	if len(closer.closed) != 1 || closer.closed[0] != 1 {
		t.Fatalf("expected connection 1 to be closed by eviction, got %+v", closer.closed)
	}
}

func TestDispatchRouteFailureIsCountedAndRepliesInternalError(t *testing.T) {
	d, reg, _, _, stats := newTestDispatcher(t)

	h := &fakeHandle{}
	reg.Register(1, h)
	d.Dispatch(context.Background(), 1, "10.0.0.1", protocol.Frame{MessageType: protocol.AuthMessageType})

	// Empty the pool so routing fails even though the connection is authed.
	d.Routes.SetEndpoints(router.PoolLogic, nil)

	d.Dispatch(context.Background(), 1, "10.0.0.1", protocol.Frame{MessageType: playerMessageType})

	if stats.droppedRoute != 1 {
		t.Fatalf("droppedRoute = %d, want 1", stats.droppedRoute)
	}
	f, ok := h.last()
	if !ok || f.MessageType != protocol.ErrorInternal {
		t.Fatalf("expected internal error reply, got %+v ok=%v", f, ok)
	}
}

func TestDispatchDoesNotRetryOnDownstreamError(t *testing.T) {
	d, reg, sender, _, stats := newTestDispatcher(t)
	sender.lastErr = errors.New("downstream unavailable")

	h := &fakeHandle{}
	reg.Register(1, h)
	d.Dispatch(context.Background(), 1, "10.0.0.1", protocol.Frame{MessageType: protocol.AuthMessageType})

	d.Dispatch(context.Background(), 1, "10.0.0.1", protocol.Frame{MessageType: playerMessageType})

	if sender.calls != 1 {
		t.Fatalf("expected exactly one send attempt (no retry), got %d", sender.calls)
	}
	if stats.droppedRoute != 1 {
		t.Fatalf("droppedRoute = %d, want 1", stats.droppedRoute)
	}
}

func TestDispatchSkipsWhenDraining(t *testing.T) {
	d, reg, sender, _, _ := newTestDispatcher(t)
	d.Draining = func() bool { return true }

	h := &fakeHandle{}
	reg.Register(1, h)
	d.Dispatch(context.Background(), 1, "10.0.0.1", protocol.Frame{MessageType: playerMessageType})

	if sender.calls != 0 {
		t.Fatalf("expected no downstream send while draining, got %d", sender.calls)
	}
	if _, ok := h.last(); ok {
		t.Fatal("expected no reply to be enqueued while draining")
	}
}
