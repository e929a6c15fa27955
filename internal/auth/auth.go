// Package auth implements the auth registry (C3): connection-id -> AuthInfo
// and identity -> connection-id, enforcing the single-device-login
// invariant. Grounded on the original ConnectionRegistry's
// authenticateConnection: a new login always wins and evicts whichever
// connection previously held the identity.
package auth

import (
	"sync"
	"time"
)

// Info is immutable after creation; it is replaced, never mutated, by a
// subsequent authenticate call for the same connection.
type Info struct {
	Identity        string
	Token           string
	AuthenticatedAt time.Time
}

// Registry maps conn<->identity under a single mutex: the single-device
// eviction must observe and mutate both maps as one atomic step, exactly as
// the Java predecessor's synchronized authenticateConnection does.
type Registry struct {
	mu          sync.Mutex
	byConn      map[uint64]Info
	connByIdent map[string]uint64
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		byConn:      make(map[uint64]Info),
		connByIdent: make(map[string]uint64),
	}
}

// Authenticate writes both maps atomically with respect to each other. If
// identity already maps to a different connection, that connection is
// evicted from the auth map and its id is returned as evictedConn (true) —
// the caller is responsible for closing it. Re-authenticating the same
// (conn, identity) pair refreshes token/timestamp without evicting anyone.
// The new mapping always wins.
func (r *Registry) Authenticate(conn uint64, identity, token string) (evictedConn uint64, evicted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byConn[conn] = Info{Identity: identity, Token: token, AuthenticatedAt: time.Now()}

	prevConn, hadPrev := r.connByIdent[identity]
	r.connByIdent[identity] = conn

	if hadPrev && prevConn != conn {
		delete(r.byConn, prevConn)
		return prevConn, true
	}
	return 0, false
}

// Deauthenticate removes both mappings for conn, if present.
func (r *Registry) Deauthenticate(conn uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.byConn[conn]
	if !ok {
		return
	}
	delete(r.byConn, conn)
	if cur, ok := r.connByIdent[info.Identity]; ok && cur == conn {
		delete(r.connByIdent, info.Identity)
	}
}

// IsAuthenticated reports whether conn currently holds an AuthInfo.
func (r *Registry) IsAuthenticated(conn uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byConn[conn]
	return ok
}

// LookupByIdentity returns the connection currently bound to identity.
func (r *Registry) LookupByIdentity(identity string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.connByIdent[identity]
	return conn, ok
}

// Info returns conn's AuthInfo, if authenticated.
func (r *Registry) Info(conn uint64) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.byConn[conn]
	return info, ok
}

// SnapshotCount returns the number of currently authenticated connections.
func (r *Registry) SnapshotCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn)
}
