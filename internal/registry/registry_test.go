package registry

import (
	"testing"

	"github.com/SkynetNext/game-gateway/internal/protocol"
)

type fakeHandle struct {
	frames []protocol.Frame
	full   bool
	closed bool
}

func (h *fakeHandle) Enqueue(f protocol.Frame) bool {
	if h.full || h.closed {
		return false
	}
	h.frames = append(h.frames, f)
	return true
}

func (h *fakeHandle) Closed() bool { return h.closed }

func TestRegisterLookupUnregister(t *testing.T) {
	r := New()
	h := &fakeHandle{}
	r.Register(1, h)

	got, ok := r.Lookup(1)
	if !ok || got != h {
		t.Fatalf("Lookup(1) = %v, %v; want %v, true", got, ok, h)
	}
	if r.ActiveCount() != 1 || r.TotalCount() != 1 {
		t.Fatalf("ActiveCount=%d TotalCount=%d, want 1, 1", r.ActiveCount(), r.TotalCount())
	}

	r.Unregister(1)
	if _, ok := r.Lookup(1); ok {
		t.Fatal("expected Lookup to fail after Unregister")
	}
	if r.ActiveCount() != 0 {
		t.Fatalf("ActiveCount = %d, want 0", r.ActiveCount())
	}
	if r.TotalCount() != 1 {
		t.Fatalf("TotalCount = %d, want 1 (cumulative)", r.TotalCount())
	}
}

func TestSendErrors(t *testing.T) {
	r := New()

	if err := r.Send(99, protocol.Frame{}); err != ErrNotFound {
		t.Fatalf("Send on unknown id = %v, want ErrNotFound", err)
	}

	closedH := &fakeHandle{closed: true}
	r.Register(1, closedH)
	if err := r.Send(1, protocol.Frame{}); err != ErrClosed {
		t.Fatalf("Send on closed handle = %v, want ErrClosed", err)
	}

	fullH := &fakeHandle{full: true}
	r.Register(2, fullH)
	if err := r.Send(2, protocol.Frame{}); err != ErrQueueFull {
		t.Fatalf("Send on full queue = %v, want ErrQueueFull", err)
	}

	okH := &fakeHandle{}
	r.Register(3, okH)
	if err := r.Send(3, protocol.Frame{MessageType: 1}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(okH.frames) != 1 || okH.frames[0].MessageType != 1 {
		t.Fatalf("expected frame delivered to handle, got %+v", okH.frames)
	}
}

func TestBroadcastSkipsClosedAndFull(t *testing.T) {
	r := New()
	live := &fakeHandle{}
	closed := &fakeHandle{closed: true}
	full := &fakeHandle{full: true}

	r.Register(1, live)
	r.Register(2, closed)
	r.Register(3, full)

	delivered := r.Broadcast(protocol.Frame{MessageType: 5})
	if delivered != 1 {
		t.Fatalf("Broadcast delivered = %d, want 1", delivered)
	}
	if len(live.frames) != 1 {
		t.Fatalf("expected live handle to receive the broadcast frame")
	}
}

func TestCloseAllReturnsAllRegisteredIDs(t *testing.T) {
	r := New()
	r.Register(1, &fakeHandle{})
	r.Register(2, &fakeHandle{})
	r.Register(3, &fakeHandle{})

	ids := r.CloseAll()
	if len(ids) != 3 {
		t.Fatalf("CloseAll returned %d ids, want 3", len(ids))
	}
}
