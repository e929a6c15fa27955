package conn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/SkynetNext/game-gateway/internal/protocol"
	"github.com/SkynetNext/game-gateway/internal/registry"
)

type recordingDispatcher struct {
	frames chan protocol.Frame
}

func (d *recordingDispatcher) Dispatch(_ context.Context, _ uint64, _ string, f protocol.Frame) {
	d.frames <- f
}

type noopStats struct{}

func (noopStats) IncAccepted()                {}
func (noopStats) IncClosed(reason CloseReason) {}
func (noopStats) IncFramesIn()                {}
func (noopStats) IncFramesOut()               {}
func (noopStats) AddBytesIn(n int)            {}
func (noopStats) AddBytesOut(n int)           {}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WriteIdle = time.Hour // don't fire heartbeats mid-test
	return cfg
}

func TestAcceptDispatchesDecodedFrame(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	reg := registry.New()
	disp := &recordingDispatcher{frames: make(chan protocol.Frame, 1)}
	mgr := NewManager(testConfig(), reg, disp, noopStats{})

	c := mgr.Accept(server)
	defer c.Close(ReasonShutdown)

	want := protocol.Frame{MessageType: 100, Sequence: 1, TimestampMs: time.Now().UnixMilli(), Body: []byte("hi")}
	go func() {
		_ = protocol.Encode(client, want, protocol.DefaultCompressThreshold)
	}()

	select {
	case got := <-disp.frames:
		if got.MessageType != want.MessageType || string(got.Body) != string(want.Body) {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestRegistrySendDeliversThroughWriteLoop(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	reg := registry.New()
	disp := &recordingDispatcher{frames: make(chan protocol.Frame, 1)}
	mgr := NewManager(testConfig(), reg, disp, noopStats{})

	c := mgr.Accept(server)
	defer c.Close(ReasonShutdown)

	readDone := make(chan protocol.Frame, 1)
	go func() {
		buf := make([]byte, 4096)
		n, err := client.Read(buf)
		if err != nil {
			return
		}
		frames, _, _ := protocol.Decode(buf[:n], protocol.DefaultCompressThreshold)
		if len(frames) > 0 {
			readDone <- frames[0]
		}
	}()

	reply := protocol.Frame{MessageType: protocol.AuthResponseMessageType, Body: []byte(`{"ok":true}`)}
	if err := reg.Send(c.ID, reply); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-readDone:
		if got.MessageType != reply.MessageType {
			t.Fatalf("got message type %d, want %d", got.MessageType, reply.MessageType)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write")
	}
}

func TestCloseUnregistersConnection(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	reg := registry.New()
	disp := &recordingDispatcher{frames: make(chan protocol.Frame, 1)}
	mgr := NewManager(testConfig(), reg, disp, noopStats{})

	c := mgr.Accept(server)
	c.Close(ReasonPeerClosed)

	if _, ok := reg.Lookup(c.ID); ok {
		t.Fatal("expected connection to be unregistered after Close")
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %v, want StateClosed", c.State())
	}
}

func TestEnqueueFailsOnClosedConnection(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	reg := registry.New()
	disp := &recordingDispatcher{frames: make(chan protocol.Frame, 1)}
	mgr := NewManager(testConfig(), reg, disp, noopStats{})

	c := mgr.Accept(server)
	c.Close(ReasonPeerClosed)

	if c.Enqueue(protocol.Frame{MessageType: 1}) {
		t.Fatal("expected Enqueue to fail on a closed connection")
	}
}
