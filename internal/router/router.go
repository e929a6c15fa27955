// Package router implements the routing table (part of C6): for each
// downstream pool, an ordered list of endpoints with a health flag and a
// round-robin cursor. Class -> pool mapping and round-robin selection are
// grounded on the teacher's RoutingRule/roundRobinCounters, generalized from
// per-service-type rules to the spec's fixed message-class pools.
package router

import (
	"errors"
	"sync"

	"github.com/SkynetNext/game-gateway/internal/protocol"
)

// PoolID names one of the fixed downstream pools.
type PoolID string

const (
	PoolLogic   PoolID = "logic"
	PoolChat    PoolID = "chat"
	PoolPayment PoolID = "payment"
)

// ErrNoHealthyEndpoint is returned when a pool is empty or every endpoint
// in it is unhealthy.
var ErrNoHealthyEndpoint = errors.New("router: no healthy endpoint")

// ClassPool maps a MessageClass to the pool that serves it: player/bag/
// battle/activity -> logic, chat/guild -> chat, error/system-auth have no
// downstream pool (handled locally by the dispatcher).
func ClassPool(class protocol.MessageClass) (PoolID, bool) {
	switch class {
	case protocol.ClassPlayer, protocol.ClassBag, protocol.ClassBattle, protocol.ClassActivity:
		return PoolLogic, true
	case protocol.ClassChat, protocol.ClassGuild:
		return PoolChat, true
	default:
		return "", false
	}
}

type endpoint struct {
	addr    string
	healthy bool
}

type pool struct {
	mu        sync.Mutex
	endpoints []*endpoint
	cursor    int
}

// Table is the live routing table: one pool per PoolID, each independently
// configurable and hot-reloadable.
type Table struct {
	mu    sync.RWMutex
	pools map[PoolID]*pool
}

// NewTable constructs an empty Table.
func NewTable() *Table {
	return &Table{pools: make(map[PoolID]*pool)}
}

// SetEndpoints replaces a pool's endpoint list wholesale (used by config
// load and hot reload). New endpoints start healthy; the round-robin
// cursor resets.
func (t *Table) SetEndpoints(id PoolID, addrs []string) {
	p := &pool{endpoints: make([]*endpoint, 0, len(addrs))}
	for _, a := range addrs {
		p.endpoints = append(p.endpoints, &endpoint{addr: a, healthy: true})
	}

	t.mu.Lock()
	t.pools[id] = p
	t.mu.Unlock()
}

// MarkHealthy updates one endpoint's health flag, as driven by the periodic
// out-of-band health check (§4.6). The dispatcher only ever reads health;
// this is the sole writer.
func (t *Table) MarkHealthy(id PoolID, addr string, healthy bool) {
	t.mu.RLock()
	p, ok := t.pools[id]
	t.mu.RUnlock()
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.endpoints {
		if e.addr == addr {
			e.healthy = healthy
			return
		}
	}
}

// Select round-robins over id's healthy endpoints: it atomically advances
// the cursor, skipping unhealthy entries, and treats a full unhealthy cycle
// as an empty pool.
func (t *Table) Select(id PoolID) (string, error) {
	t.mu.RLock()
	p, ok := t.pools[id]
	t.mu.RUnlock()
	if !ok {
		return "", ErrNoHealthyEndpoint
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.endpoints)
	if n == 0 {
		return "", ErrNoHealthyEndpoint
	}

	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		if p.endpoints[idx].healthy {
			p.cursor = (idx + 1) % n
			return p.endpoints[idx].addr, nil
		}
	}
	return "", ErrNoHealthyEndpoint
}

// Snapshot returns, for monitoring, every endpoint and its health per pool.
func (t *Table) Snapshot() map[PoolID]map[string]bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[PoolID]map[string]bool, len(t.pools))
	for id, p := range t.pools {
		p.mu.Lock()
		m := make(map[string]bool, len(p.endpoints))
		for _, e := range p.endpoints {
			m[e.addr] = e.healthy
		}
		p.mu.Unlock()
		out[id] = m
	}
	return out
}
