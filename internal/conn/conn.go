// Package conn implements the connection manager (C5): the per-connection
// reader/writer loops, idle watchdog and close cascade described in
// spec §4.5. It fuses the reader with the dispatcher (spec §5 allows this
// when the dispatcher is non-blocking with respect to other connections —
// here each connection already runs on its own goroutine, so a dispatcher
// that suspends on an external capability only ever blocks its own
// connection, never another).
package conn

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/game-gateway/internal/logger"
	"github.com/SkynetNext/game-gateway/internal/protocol"
	"github.com/SkynetNext/game-gateway/internal/registry"
	"go.uber.org/zap"
)

// State is the connection's position in the CREATED -> ACTIVE -> AUTHED ->
// CLOSING -> CLOSED state machine (spec §4.5).
type State int32

const (
	StateCreated State = iota
	StateActive
	StateAuthed
	StateClosing
	StateClosed
)

// Dispatcher is the external capability a decoded frame is handed to. It
// must be safe to call from many connection goroutines concurrently; a
// single connection always calls it sequentially (ordering guarantee, §5).
type Dispatcher interface {
	Dispatch(ctx context.Context, connID uint64, remoteIP string, f protocol.Frame)
}

// Config pins the manager's timeouts and codec policy (spec §6).
type Config struct {
	ReadIdle          time.Duration
	WriteIdle         time.Duration
	WriterDrain       time.Duration
	CompressThreshold int
	SendQueueSize     int
}

// DefaultConfig matches spec §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		ReadIdle:          60 * time.Second,
		WriteIdle:         30 * time.Second,
		WriterDrain:       2 * time.Second,
		CompressThreshold: protocol.DefaultCompressThreshold,
		SendQueueSize:     256,
	}
}

// CloseReason records why a connection's close cascade started, for stats
// and logs.
type CloseReason string

const (
	ReasonPeerClosed  CloseReason = "peer_closed"
	ReasonMalformed   CloseReason = "malformed"
	ReasonOversize    CloseReason = "oversize"
	ReasonDecompress  CloseReason = "decompress_failed"
	ReasonIdleTimeout CloseReason = "idle_timeout"
	ReasonWriteError  CloseReason = "write_error"
	ReasonShutdown    CloseReason = "shutdown"
)

// Stats is the subset of GatewayStats (spec §3) the connection manager
// updates directly.
type Stats interface {
	IncAccepted()
	IncClosed(reason CloseReason)
	IncFramesIn()
	IncFramesOut()
	AddBytesIn(n int)
	AddBytesOut(n int)
}

// AuthDeauthenticator lets the manager drive the auth registry's half of the
// close cascade (C3) without importing internal/auth directly.
type AuthDeauthenticator interface {
	Deauthenticate(conn uint64)
}

// Connection is the owned value: the manager exclusively holds the
// transport and the close capability. The registry only ever sees it
// through the Handle interface, never as a back-reference.
type Connection struct {
	ID         uint64
	RemoteAddr string

	netConn net.Conn
	cfg     Config
	mgr     *Manager

	createdAt    time.Time
	lastReadAt   atomic.Value // time.Time
	lastWriteAt  atomic.Value // time.Time
	state        atomic.Int32
	closed       atomic.Bool
	closeOnce    sync.Once
	closeReason  CloseReason
	sendQueue    chan protocol.Frame
	writerDoneCh chan struct{}
}

// Enqueue implements registry.Handle. It never blocks: a full queue is
// reported back as a failed offer, never a wait.
func (c *Connection) Enqueue(f protocol.Frame) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.sendQueue <- f:
		return true
	default:
		return false
	}
}

// Closed implements registry.Handle.
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

// MarkAuthed transitions ACTIVE -> AUTHED on a successful system/auth frame.
func (c *Connection) MarkAuthed() {
	c.state.CompareAndSwap(int32(StateActive), int32(StateAuthed))
}

// Manager owns the accept-to-close lifecycle for every connection: it
// allocates ConnectionIDs, starts each connection's reader and writer, and
// drives the close cascade (spec §4.5).
type Manager struct {
	cfg        Config
	registry   *registry.Registry
	dispatcher Dispatcher
	stats      Stats
	authReg    AuthDeauthenticator

	nextID   atomic.Uint64
	draining atomic.Bool
	wg       sync.WaitGroup
}

// NewManager constructs a Manager. reg and dispatcher are injected
// capabilities, wired once at startup (spec §9: avoid ambient globals).
// dispatcher may be nil if the caller needs to construct the dispatcher
// after the manager (the dispatcher typically depends on the manager as its
// ConnCloser); set it with SetDispatcher before calling Accept.
func NewManager(cfg Config, reg *registry.Registry, dispatcher Dispatcher, stats Stats) *Manager {
	return &Manager{cfg: cfg, registry: reg, dispatcher: dispatcher, stats: stats}
}

// SetDispatcher wires the dispatcher after construction. Not safe to call
// concurrently with Accept; intended for one-time startup wiring only.
func (m *Manager) SetDispatcher(d Dispatcher) {
	m.dispatcher = d
}

// SetAuthDeauthenticator wires C3's eviction hook into the close cascade.
// Not safe to call concurrently with Accept; intended for one-time startup
// wiring only.
func (m *Manager) SetAuthDeauthenticator(a AuthDeauthenticator) {
	m.authReg = a
}

// MarkAuthedByID transitions the connection identified by connID from
// ACTIVE to AUTHED, if it is still registered. It implements
// dispatch.ConnAuthMarker so the dispatcher can drive the state transition
// without the registry itself owning connection internals.
func (m *Manager) MarkAuthedByID(connID uint64) {
	if h, ok := m.registry.Lookup(connID); ok {
		if c, ok := h.(*Connection); ok {
			c.MarkAuthed()
		}
	}
}

// Accept registers nc as a new connection and starts its reader/writer
// loops. It returns immediately; the connection runs on its own goroutines
// until it closes.
func (m *Manager) Accept(nc net.Conn) *Connection {
	id := m.nextID.Add(1)
	c := &Connection{
		ID:           id,
		RemoteAddr:   nc.RemoteAddr().String(),
		netConn:      nc,
		cfg:          m.cfg,
		mgr:          m,
		createdAt:    time.Now(),
		sendQueue:    make(chan protocol.Frame, m.cfg.SendQueueSize),
		writerDoneCh: make(chan struct{}),
	}
	c.setState(StateActive)
	c.lastReadAt.Store(time.Now())
	c.lastWriteAt.Store(time.Now())

	m.registry.Register(id, c)
	m.stats.IncAccepted()

	m.wg.Add(2)
	go m.writeLoop(c)
	go m.readLoop(c)
	return c
}

// CloseByID closes a connection looked up by id, if it is still registered.
// It implements dispatch.ConnCloser so the dispatcher can drive a
// single-device-login eviction close without the registry owning the close
// capability.
func (m *Manager) CloseByID(connID uint64, reason string) {
	if h, ok := m.registry.Lookup(connID); ok {
		if c, ok := h.(*Connection); ok {
			c.Close(CloseReason(reason))
		}
	}
}

// Draining reports whether the supervisor has begun graceful shutdown; the
// dispatcher consults this to refuse new frames during drain.
func (m *Manager) Draining() bool {
	return m.draining.Load()
}

// BeginShutdown flips the draining flag and closes every live connection,
// returning once all have finished closing or the deadline elapses.
func (m *Manager) BeginShutdown(ctx context.Context) {
	m.draining.Store(true)
	for _, id := range m.registry.CloseAll() {
		if h, ok := m.registry.Lookup(id); ok {
			if c, ok := h.(*Connection); ok {
				c.Close(ReasonShutdown)
			}
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (m *Manager) readLoop(c *Connection) {
	defer m.wg.Done()

	var buf []byte
	readBuf := make([]byte, 32*1024)
	for {
		if err := c.netConn.SetReadDeadline(time.Now().Add(c.cfg.ReadIdle)); err != nil {
			c.Close(ReasonIdleTimeout)
			return
		}

		n, err := c.netConn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
			c.lastReadAt.Store(time.Now())
			m.stats.AddBytesIn(n)

			for {
				frames, consumed, decErr := protocol.Decode(buf, c.cfg.CompressThreshold)
				buf = buf[consumed:]
				for _, f := range frames {
					m.stats.IncFramesIn()
					m.dispatcher.Dispatch(context.Background(), c.ID, hostOf(c.RemoteAddr), f)
				}
				if decErr != nil {
					switch {
					case errors.Is(decErr, protocol.ErrMalformed):
						c.Close(ReasonMalformed)
					case errors.Is(decErr, protocol.ErrOversize):
						c.Close(ReasonOversize)
					default:
						c.Close(ReasonDecompress)
					}
					return
				}
				if consumed == 0 {
					break
				}
			}
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				c.Close(ReasonIdleTimeout)
				return
			}
			c.Close(ReasonPeerClosed)
			return
		}
	}
}

func (m *Manager) writeLoop(c *Connection) {
	defer m.wg.Done()
	defer close(c.writerDoneCh)

	for {
		select {
		case f, ok := <-c.sendQueue:
			if !ok {
				return
			}
			if err := c.writeFrame(f); err != nil {
				c.Close(ReasonWriteError)
				return
			}
		case <-time.After(c.cfg.WriteIdle):
			if c.closed.Load() {
				return
			}
			heartbeat := protocol.Frame{MessageType: protocol.HeartbeatMessageType, TimestampMs: time.Now().UnixMilli()}
			if err := c.writeFrame(heartbeat); err != nil {
				c.Close(ReasonWriteError)
				return
			}
		}
	}
}

// writeFrame encodes f with the same self-describing header Decode expects
// on the read side — no outer length prefix, so the wire format is
// symmetric in both directions and a client can decode a reply with the
// exact same streaming decoder the gateway uses for inbound frames.
func (c *Connection) writeFrame(f protocol.Frame) error {
	if err := c.netConn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	var cb countingWriter
	if err := protocol.Encode(&cb, f, c.cfg.CompressThreshold); err != nil {
		return err
	}
	if _, err := c.netConn.Write(cb.buf); err != nil {
		return err
	}
	c.lastWriteAt.Store(time.Now())
	c.mgr.stats.IncFramesOut()
	c.mgr.stats.AddBytesOut(len(cb.buf))
	return nil
}

type countingWriter struct{ buf []byte }

func (w *countingWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// Close starts the close cascade. Idempotent: only the first caller's
// reason takes effect.
func (c *Connection) Close(reason CloseReason) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeReason = reason
		c.setState(StateClosing)

		// Unblock the writer loop and let it drain within the deadline.
		close(c.sendQueue)
		select {
		case <-c.writerDoneCh:
		case <-time.After(c.cfg.WriterDrain):
		}

		c.netConn.Close()
		c.mgr.registry.Unregister(c.ID)
		if c.mgr.authReg != nil {
			c.mgr.authReg.Deauthenticate(c.ID)
		}
		c.setState(StateClosed)
		c.mgr.stats.IncClosed(reason)
		logger.L.Debug("connection closed",
			zap.Uint64("conn_id", c.ID),
			zap.String("remote_addr", c.RemoteAddr),
			zap.String("reason", string(reason)),
		)
	})
}

func hostOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
