package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// Scope names the bucket tier that rejected a request, for counters/logs.
type Scope string

const (
	ScopeNone     Scope = ""
	ScopeGlobal   Scope = "global"
	ScopeIP       Scope = "ip"
	ScopeIdentity Scope = "identity"
)

// evictAfter is how long an IP/identity bucket can sit untouched before the
// sweep reclaims it. The global bucket is never evicted.
const evictAfter = 5 * time.Minute

// sweepInterval is how often the background eviction sweep runs.
const sweepInterval = 60 * time.Second

// Config pins the three scopes' capacity/refill per §4.4's formulas.
type Config struct {
	GlobalQPS   int
	GlobalBurst int
}

// Limiter composes the global, per-IP and per-identity token buckets and
// evaluates them in that order, short-circuiting on the first rejection.
type Limiter struct {
	cfg    Config
	global *TokenBucket

	mu         sync.RWMutex
	ipBuckets  map[string]*TokenBucket
	idBuckets  map[string]*TokenBucket

	totalRequests  int64
	totalRejected  int64
	rejectedByScope map[Scope]*int64

	stopSweep chan struct{}
	sweepOnce sync.Once
}

func ipBucketParams(globalQPS int) (capacity, refill float64) {
	ipQPS := globalQPS / 10
	if ipQPS < 1 {
		ipQPS = 1
	}
	return float64(ipQPS) * 2, float64(ipQPS)
}

func identityBucketParams(globalQPS int) (capacity, refill float64) {
	idQPS := globalQPS / 100
	if idQPS < 10 {
		idQPS = 10
	}
	return float64(idQPS) * 2, float64(idQPS)
}

// NewLimiter constructs a Limiter and starts its background eviction sweep.
func NewLimiter(cfg Config) *Limiter {
	l := &Limiter{
		cfg:       cfg,
		global:    NewTokenBucket(float64(cfg.GlobalBurst), float64(cfg.GlobalQPS)),
		ipBuckets: make(map[string]*TokenBucket),
		idBuckets: make(map[string]*TokenBucket),
		rejectedByScope: map[Scope]*int64{
			ScopeGlobal:   new(int64),
			ScopeIP:       new(int64),
			ScopeIdentity: new(int64),
		},
		stopSweep: make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow evaluates global -> ip -> identity (only if authenticated), in that
// order, short-circuiting on the first rejection: a later scope is never
// charged once an earlier one rejects. It returns the admitting/rejecting
// verdict and, on rejection, which scope rejected.
func (l *Limiter) Allow(ip, identity string, authenticated bool) (admitted bool, rejectedScope Scope) {
	atomic.AddInt64(&l.totalRequests, 1)

	if !l.globalBucket().TryAcquire() {
		l.recordReject(ScopeGlobal)
		return false, ScopeGlobal
	}

	ipBucket := l.getOrCreateIPBucket(ip)
	if !ipBucket.TryAcquire() {
		l.recordReject(ScopeIP)
		return false, ScopeIP
	}

	if authenticated {
		idBucket := l.getOrCreateIdentityBucket(identity)
		if !idBucket.TryAcquire() {
			l.recordReject(ScopeIdentity)
			return false, ScopeIdentity
		}
	}

	return true, ScopeNone
}

func (l *Limiter) recordReject(scope Scope) {
	atomic.AddInt64(&l.totalRejected, 1)
	if counter, ok := l.rejectedByScope[scope]; ok {
		atomic.AddInt64(counter, 1)
	}
}

func (l *Limiter) globalBucket() *TokenBucket {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.global
}

// SetGlobalLimit replaces the global bucket's capacity/refill rate, for
// config hot-reload. Existing per-IP/identity buckets keep their current
// params; only buckets created after this call (including ones re-created
// on first use after the sweep evicted them as idle) use the new limit.
func (l *Limiter) SetGlobalLimit(qps, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg.GlobalQPS = qps
	l.cfg.GlobalBurst = burst
	l.global = NewTokenBucket(float64(burst), float64(qps))
}

func (l *Limiter) getOrCreateIPBucket(ip string) *TokenBucket {
	l.mu.RLock()
	b, ok := l.ipBuckets[ip]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.ipBuckets[ip]; ok {
		return b
	}
	capacity, refill := ipBucketParams(l.cfg.GlobalQPS)
	b = NewTokenBucket(capacity, refill)
	l.ipBuckets[ip] = b
	return b
}

func (l *Limiter) getOrCreateIdentityBucket(identity string) *TokenBucket {
	l.mu.RLock()
	b, ok := l.idBuckets[identity]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.idBuckets[identity]; ok {
		return b
	}
	capacity, refill := identityBucketParams(l.cfg.GlobalQPS)
	b = NewTokenBucket(capacity, refill)
	l.idBuckets[identity] = b
	return b
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopSweep:
			return
		}
	}
}

func (l *Limiter) sweep() {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, b := range l.ipBuckets {
		if b.IdleSince(now) > evictAfter {
			delete(l.ipBuckets, ip)
		}
	}
	for id, b := range l.idBuckets {
		if b.IdleSince(now) > evictAfter {
			delete(l.idBuckets, id)
		}
	}
}

// Stop halts the background eviction sweep. Safe to call once.
func (l *Limiter) Stop() {
	l.sweepOnce.Do(func() { close(l.stopSweep) })
}

// Stats is the snapshot surfaced in the admin metrics endpoint's "rate" block.
type Stats struct {
	BucketsIP       int
	BucketsIdentity int
	Rejected        int64
}

// Stats returns a point-in-time snapshot of limiter statistics.
func (l *Limiter) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Stats{
		BucketsIP:       len(l.ipBuckets),
		BucketsIdentity: len(l.idBuckets),
		Rejected:        atomic.LoadInt64(&l.totalRejected),
	}
}

// RejectedByScope returns the rejection count for a single scope.
func (l *Limiter) RejectedByScope(scope Scope) int64 {
	if counter, ok := l.rejectedByScope[scope]; ok {
		return atomic.LoadInt64(counter)
	}
	return 0
}
