package gateway

import (
	"sync/atomic"
	"time"

	"github.com/SkynetNext/game-gateway/internal/conn"
	"github.com/SkynetNext/game-gateway/internal/metrics"
	"github.com/SkynetNext/game-gateway/internal/ratelimit"
)

// Stats is the process-wide GatewayStats (spec §3): monotonic u64 counters
// updated with atomic add from many connection goroutines, mirrored into
// Prometheus for the admin /metrics surface and summarized as plain ints for
// the /stats JSON snapshot (spec §6).
type Stats struct {
	startedAt time.Time

	accepted int64
	closed   int64

	framesIn  int64
	framesOut int64

	droppedMalformed int64
	droppedOversize  int64
	droppedAuth      int64
	droppedRate      int64
	droppedRoute     int64

	bytesIn  int64
	bytesOut int64

	authEvictions int64
}

// NewStats constructs a Stats with its uptime clock started.
func NewStats() *Stats {
	return &Stats{startedAt: time.Now()}
}

func (s *Stats) IncAccepted() {
	atomic.AddInt64(&s.accepted, 1)
	metrics.TotalConnections.Inc()
	metrics.ActiveConnections.Inc()
}

func (s *Stats) IncClosed(reason conn.CloseReason) {
	atomic.AddInt64(&s.closed, 1)
	metrics.ActiveConnections.Dec()
	switch reason {
	case conn.ReasonMalformed:
		atomic.AddInt64(&s.droppedMalformed, 1)
	case conn.ReasonOversize:
		atomic.AddInt64(&s.droppedOversize, 1)
	}
}

func (s *Stats) IncFramesIn()  { atomic.AddInt64(&s.framesIn, 1) }
func (s *Stats) IncFramesOut() { atomic.AddInt64(&s.framesOut, 1) }

func (s *Stats) AddBytesIn(n int)  { atomic.AddInt64(&s.bytesIn, int64(n)) }
func (s *Stats) AddBytesOut(n int) { atomic.AddInt64(&s.bytesOut, int64(n)) }

func (s *Stats) IncFramesDroppedAuth() {
	atomic.AddInt64(&s.droppedAuth, 1)
	metrics.RoutingErrors.WithLabelValues("auth").Inc()
}

func (s *Stats) IncFramesDroppedRate(scope ratelimit.Scope) {
	atomic.AddInt64(&s.droppedRate, 1)
	metrics.RateLimitRejected.Inc()
	metrics.RoutingErrors.WithLabelValues("rate_" + string(scope)).Inc()
}

func (s *Stats) IncFramesDroppedRoute() {
	atomic.AddInt64(&s.droppedRoute, 1)
	metrics.RoutingErrors.WithLabelValues("route").Inc()
}

func (s *Stats) IncAuthEvictions() {
	atomic.AddInt64(&s.authEvictions, 1)
	metrics.AuthEvictions.Inc()
}

// Snapshot is the exact shape spec §6 pins for the admin metrics endpoint.
type Snapshot struct {
	Connections struct {
		Active int64 `json:"active"`
		Total  int64 `json:"total"`
	} `json:"connections"`
	Frames struct {
		In      int64 `json:"in"`
		Out     int64 `json:"out"`
		Dropped struct {
			Malformed int64 `json:"malformed"`
			Oversize  int64 `json:"oversize"`
			Auth      int64 `json:"auth"`
			Rate      int64 `json:"rate"`
			Route     int64 `json:"route"`
		} `json:"dropped"`
	} `json:"frames"`
	Bytes struct {
		In  int64 `json:"in"`
		Out int64 `json:"out"`
	} `json:"bytes"`
	Auth struct {
		Authenticated int `json:"authenticated"`
	} `json:"auth"`
	Rate struct {
		BucketsIP       int   `json:"buckets_ip"`
		BucketsIdentity int   `json:"buckets_identity"`
		Rejected        int64 `json:"rejected"`
	} `json:"rate"`
	UptimeSec int64 `json:"uptime_sec"`
}

func (s *Stats) Snapshot(active, authenticated int, rate ratelimit.Stats) Snapshot {
	var snap Snapshot
	snap.Connections.Active = int64(active)
	snap.Connections.Total = atomic.LoadInt64(&s.accepted)
	snap.Frames.In = atomic.LoadInt64(&s.framesIn)
	snap.Frames.Out = atomic.LoadInt64(&s.framesOut)
	snap.Frames.Dropped.Malformed = atomic.LoadInt64(&s.droppedMalformed)
	snap.Frames.Dropped.Oversize = atomic.LoadInt64(&s.droppedOversize)
	snap.Frames.Dropped.Auth = atomic.LoadInt64(&s.droppedAuth)
	snap.Frames.Dropped.Rate = atomic.LoadInt64(&s.droppedRate)
	snap.Frames.Dropped.Route = atomic.LoadInt64(&s.droppedRoute)
	snap.Bytes.In = atomic.LoadInt64(&s.bytesIn)
	snap.Bytes.Out = atomic.LoadInt64(&s.bytesOut)
	snap.Auth.Authenticated = authenticated
	snap.Rate.BucketsIP = rate.BucketsIP
	snap.Rate.BucketsIdentity = rate.BucketsIdentity
	snap.Rate.Rejected = rate.Rejected
	snap.UptimeSec = int64(time.Since(s.startedAt).Seconds())
	return snap
}
