// Package dispatch implements the dispatcher half of C6: for each decoded
// frame it runs the auth gate, the rate gate, the special-cased system/auth
// handshake, and routing/forwarding to the downstream capability. It never
// retries (spec §9: retries, if any, are the downstream client's
// responsibility) and never blocks a connection other than the one that
// produced the frame.
package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/SkynetNext/game-gateway/internal/auth"
	"github.com/SkynetNext/game-gateway/internal/logger"
	"github.com/SkynetNext/game-gateway/internal/middleware"
	"github.com/SkynetNext/game-gateway/internal/protocol"
	"github.com/SkynetNext/game-gateway/internal/ratelimit"
	"github.com/SkynetNext/game-gateway/internal/registry"
	"github.com/SkynetNext/game-gateway/internal/router"
)

// Authenticator is the injected capability behind auth: token minting and
// validation live outside this system (spec §1's out-of-scope collaborators).
type Authenticator interface {
	// Authenticate validates an auth-class frame's body and, on success,
	// returns the identity it resolves to and the token to record.
	Authenticate(ctx context.Context, connID uint64, remoteIP string, body []byte) (identity, token string, ok bool)
}

// Sender is the injected send_downstream(pool_id, conn_id, frame) capability
// (spec §4.6 step 6). The dispatcher does not wait for a reply; replies
// arrive asynchronously through Registry.Send.
type Sender interface {
	SendDownstream(ctx context.Context, pool router.PoolID, endpoint string, connID uint64, f protocol.Frame) error
}

// ConnCloser lets the dispatcher drive an eviction close without the
// registry itself owning the close capability (spec §9: the registry holds
// only IDs, never back-references).
type ConnCloser interface {
	CloseByID(connID uint64, reason string)
}

// ConnAuthMarker lets the dispatcher advance a connection's local state
// machine from ACTIVE to AUTHED once the auth registry accepts a login,
// without the dispatcher owning connection internals.
type ConnAuthMarker interface {
	MarkAuthedByID(connID uint64)
}

// Stats is the subset of GatewayStats the dispatcher updates directly.
type Stats interface {
	IncFramesDroppedAuth()
	IncFramesDroppedRate(scope ratelimit.Scope)
	IncFramesDroppedRoute()
	IncAuthEvictions()
}

// Dispatcher wires the auth registry, rate limiter, route table and the two
// injected capabilities together. It is constructed once at startup and
// passed in as a capability (spec §9: no ambient globals).
type Dispatcher struct {
	AuthReg               *auth.Registry
	Limiter               *ratelimit.Limiter
	Routes                *router.Table
	Registry              *registry.Registry
	Auth                  Authenticator
	Sender                Sender
	Closer                ConnCloser
	AuthMarker            ConnAuthMarker
	Stats                 Stats
	Draining              func() bool
	SendDownstreamTimeout time.Duration
}

// Dispatch runs the full C6 contract for one decoded frame from conn on ip.
func (d *Dispatcher) Dispatch(ctx context.Context, connID uint64, remoteIP string, f protocol.Frame) {
	start := time.Now()
	entry := &middleware.AccessLogEntry{
		RemoteAddr:  remoteIP,
		ConnID:      connID,
		MessageType: f.MessageType,
	}
	defer func() {
		entry.DurationMs = time.Since(start).Milliseconds()
		middleware.LogAccess(ctx, entry)
	}()

	if d.Draining != nil && d.Draining() {
		entry.Status = "dropped_draining"
		return
	}

	class := protocol.Classify(f.MessageType)

	authed := d.AuthReg.IsAuthenticated(connID)
	if class.RequiresAuth() && !authed {
		d.Stats.IncFramesDroppedAuth()
		d.replyError(connID, protocol.ErrorUnauthorized)
		entry.Status = "dropped_auth"
		return
	}

	var identity string
	if authed {
		if info, ok := d.AuthReg.Info(connID); ok {
			identity = info.Identity
		}
	}

	admitted, scope := d.Limiter.Allow(remoteIP, identity, authed)
	if !admitted {
		d.Stats.IncFramesDroppedRate(scope)
		logger.L.Warn("frame dropped by rate limiter",
			zap.Uint64("conn_id", connID), zap.String("scope", string(scope)))
		d.replyError(connID, protocol.ErrorServerBusy)
		entry.Status = "dropped_rate"
		return
	}

	if class == protocol.ClassSystemAuth && f.MessageType == protocol.AuthMessageType {
		d.handleAuth(ctx, connID, remoteIP, f)
		entry.Status = "auth"
		return
	}
	if class == protocol.ClassSystemAuth {
		// Heartbeats and other system frames need no further action.
		entry.Status = "system"
		return
	}

	poolID, ok := router.ClassPool(class)
	if !ok {
		d.Stats.IncFramesDroppedRoute()
		d.replyError(connID, protocol.ErrorInternal)
		entry.Status = "dropped_route"
		return
	}
	entry.Pool = string(poolID)

	endpoint, err := d.Routes.Select(poolID)
	if err != nil {
		d.Stats.IncFramesDroppedRoute()
		d.replyError(connID, protocol.ErrorInternal)
		entry.Status = "dropped_route"
		entry.Error = err.Error()
		return
	}
	entry.Endpoint = endpoint

	sendCtx := ctx
	var cancel context.CancelFunc
	if d.SendDownstreamTimeout > 0 {
		sendCtx, cancel = context.WithTimeout(ctx, d.SendDownstreamTimeout)
		defer cancel()
	}
	if err := d.Sender.SendDownstream(sendCtx, poolID, endpoint, connID, f); err != nil {
		d.Stats.IncFramesDroppedRoute()
		logger.L.Warn("downstream send failed",
			zap.Uint64("conn_id", connID), zap.String("pool", string(poolID)), zap.Error(err))
		entry.Status = "error"
		entry.Error = err.Error()
		return
	}
	entry.Status = "forwarded"
}

func (d *Dispatcher) handleAuth(ctx context.Context, connID uint64, remoteIP string, f protocol.Frame) {
	identity, token, ok := d.Auth.Authenticate(ctx, connID, remoteIP, f.Body)
	if !ok {
		d.replyError(connID, protocol.ErrorUnauthorized)
		return
	}

	if d.AuthMarker != nil {
		d.AuthMarker.MarkAuthedByID(connID)
	}

	evictedConn, evicted := d.AuthReg.Authenticate(connID, identity, token)
	if evicted {
		d.Stats.IncAuthEvictions()
		logger.L.Info("single-device-login evicted prior connection",
			zap.String("identity", identity), zap.Uint64("evicted_conn_id", evictedConn), zap.Uint64("new_conn_id", connID))
		d.Closer.CloseByID(evictedConn, "auth_evicted")
	}

	reply := protocol.Frame{
		MessageType: protocol.AuthResponseMessageType,
		TimestampMs: time.Now().UnixMilli(),
		Body:        []byte(`{"ok":true}`),
	}
	_ = d.Registry.Send(connID, reply)
}

func (d *Dispatcher) replyError(connID uint64, errorType int32) {
	_ = d.Registry.Send(connID, protocol.Frame{
		MessageType: errorType,
		TimestampMs: time.Now().UnixMilli(),
	})
}
