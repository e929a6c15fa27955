// Package gateway wires the connection registry, auth registry, rate
// limiter, routing table, connection manager and dispatcher into the
// running process (C7): the TCP accept loop, the admin HTTP surface
// (/metrics, /stats, /healthz, /readyz), the background route/health
// refresh jobs, and graceful shutdown.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/SkynetNext/game-gateway/internal/auth"
	"github.com/SkynetNext/game-gateway/internal/config"
	"github.com/SkynetNext/game-gateway/internal/conn"
	"github.com/SkynetNext/game-gateway/internal/consul"
	"github.com/SkynetNext/game-gateway/internal/dispatch"
	"github.com/SkynetNext/game-gateway/internal/logger"
	"github.com/SkynetNext/game-gateway/internal/metrics"
	"github.com/SkynetNext/game-gateway/internal/middleware"
	"github.com/SkynetNext/game-gateway/internal/pool"
	"github.com/SkynetNext/game-gateway/internal/ratelimit"
	"github.com/SkynetNext/game-gateway/internal/redis"
	"github.com/SkynetNext/game-gateway/internal/registry"
	"github.com/SkynetNext/game-gateway/internal/retry"
	"github.com/SkynetNext/game-gateway/internal/router"
)

// Gateway is the top-level supervisor. Constructed once at startup, it owns
// every long-lived capability and the goroutines driving them.
type Gateway struct {
	cfg     *config.Config
	podName string

	registry   *registry.Registry
	authReg    *auth.Registry
	limiter    *ratelimit.Limiter
	routes     *router.Table
	connMgr    *conn.Manager
	dispatcher *dispatch.Dispatcher
	downstream *DefaultDownstream
	stats      *Stats
	poolMgr    *pool.Manager

	redisClient *redis.Client
	discovery   *consul.Discovery

	configPath string
	hotReload  *config.HotReloadManager

	listener      net.Listener
	adminListener net.Listener
	adminServer   *http.Server

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

// New assembles a Gateway from cfg without starting any network I/O.
// configPath, if non-empty, is watched for changes and reloaded into the
// route table and rate limiter while the gateway runs.
func New(cfg *config.Config, podName string, configPath string) (*Gateway, error) {
	reg := registry.New()
	authReg := auth.New()
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		GlobalQPS:   cfg.Limits.GlobalQPS,
		GlobalBurst: cfg.Limits.GlobalBurst,
	})
	routes := router.NewTable()
	for name, addrs := range cfg.Routes {
		routes.SetEndpoints(router.PoolID(name), addrs)
	}

	poolMgr := pool.NewManager(&cfg.ConnectionPool)
	stats := NewStats()
	retryCfg := retry.RetryConfig{
		MaxRetries: cfg.ConnectionPool.MaxRetries,
		RetryDelay: cfg.ConnectionPool.RetryDelay,
	}
	downstream := NewDefaultDownstream(poolMgr, retryCfg, cfg.Frame.CompressThreshold)

	connCfg := conn.Config{
		ReadIdle:          time.Duration(cfg.Timeouts.ReadIdleSec) * time.Second,
		WriteIdle:         time.Duration(cfg.Timeouts.WriteIdleSec) * time.Second,
		WriterDrain:       2 * time.Second,
		CompressThreshold: cfg.Frame.CompressThreshold,
		SendQueueSize:     256,
	}
	connMgr := conn.NewManager(connCfg, reg, nil, stats)
	connMgr.SetAuthDeauthenticator(authReg)

	dispatcher := &dispatch.Dispatcher{
		AuthReg:               authReg,
		Limiter:               limiter,
		Routes:                routes,
		Registry:              reg,
		Auth:                  simpleAuthenticator{},
		Sender:                downstream,
		Closer:                connMgr,
		AuthMarker:            connMgr,
		Stats:                 stats,
		Draining:              connMgr.Draining,
		SendDownstreamTimeout: 5 * time.Second,
	}
	connMgr.SetDispatcher(dispatcher)

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&cfg.Redis)
	}

	var discovery *consul.Discovery
	if cfg.Consul.Address != "" {
		discovery = consul.NewDiscovery(cfg.Consul.Address, cfg.Consul.RefreshInterval)
	}

	gw := &Gateway{
		cfg:         cfg,
		podName:     podName,
		registry:    reg,
		authReg:     authReg,
		limiter:     limiter,
		routes:      routes,
		connMgr:     connMgr,
		dispatcher:  dispatcher,
		downstream:  downstream,
		stats:       stats,
		poolMgr:     poolMgr,
		redisClient: redisClient,
		discovery:   discovery,
		configPath:  configPath,
	}
	if configPath != "" {
		gw.hotReload = config.NewHotReloadManager(cfg, gw.applyReloadedConfig)
	}
	return gw, nil
}

// applyReloadedConfig is the HotReloadManager's reload callback: it pushes a
// freshly-loaded config's routes and global rate limit into the already
// running route table and limiter. Everything else (listen/admin addrs,
// timeouts, connection pool sizing) requires a restart to take effect.
func (g *Gateway) applyReloadedConfig(newCfg *config.Config) error {
	for name, addrs := range newCfg.Routes {
		g.routes.SetEndpoints(router.PoolID(name), addrs)
	}
	g.limiter.SetGlobalLimit(newCfg.Limits.GlobalQPS, newCfg.Limits.GlobalBurst)
	logger.L.Info("configuration hot-reloaded", zap.String("path", g.configPath))
	return nil
}

// Start opens the client listen socket, starts the admin HTTP server, and
// launches the background route/health refresh jobs. It returns once the
// listener is open; the accept loop itself runs on its own goroutine.
func (g *Gateway) Start(ctx context.Context) error {
	g.bgCtx, g.bgCancel = context.WithCancel(context.Background())

	middleware.InitAccessLogger(256, 2*time.Second)

	ln, err := net.Listen("tcp", g.cfg.Listen.Addr)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", g.cfg.Listen.Addr, err)
	}
	g.listener = ln

	g.wg.Add(1)
	go g.acceptLoop()

	if err := g.startAdminServer(); err != nil {
		return err
	}

	if g.redisClient != nil {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			if routes, err := g.redisClient.LoadRoutes(g.bgCtx); err == nil {
				g.applyRoutes(routes)
			}
			go g.redisClient.RefreshLoop(g.bgCtx, g.cfg.Redis.RefreshInterval, g.applyRoutes)
			_ = g.redisClient.WatchRoutes(g.bgCtx, g.applyRoutes)
		}()
	}

	if g.discovery != nil && g.cfg.Consul.ServiceName != "" {
		g.discovery.StartRefreshLoop(g.bgCtx, g.cfg.Consul.ServiceName, g.applyHealth)
	}

	if g.hotReload != nil {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			if err := g.hotReload.WatchConfigFile(g.bgCtx, g.configPath, 10*time.Second); err != nil && g.bgCtx.Err() == nil {
				logger.L.Warn("config hot-reload watch stopped", zap.Error(err))
			}
		}()
	}

	logger.L.Info("gateway started",
		zap.String("listen_addr", g.cfg.Listen.Addr),
		zap.String("pod", g.podName),
	)
	return nil
}

// Addr returns the bound client listen address, including the OS-assigned
// port when Listen.Addr requests ":0" (used by tests and by dynamic-port
// deployments that discover their own address after Start).
func (g *Gateway) Addr() net.Addr {
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

func (g *Gateway) acceptLoop() {
	defer g.wg.Done()
	for {
		nc, err := g.listener.Accept()
		if err != nil {
			if g.connMgr.Draining() {
				return
			}
			logger.L.Warn("accept failed", zap.Error(err))
			return
		}
		if int(g.registry.ActiveCount()) >= g.cfg.Limits.MaxConnections {
			metrics.IncConnectionRejected("max_connections")
			_ = nc.Close()
			continue
		}
		g.connMgr.Accept(nc)
	}
}

func (g *Gateway) applyRoutes(routes map[router.PoolID][]string) {
	for id, addrs := range routes {
		g.routes.SetEndpoints(id, addrs)
	}
}

func (g *Gateway) applyHealth(entries []consul.ServiceEntry) {
	for _, e := range entries {
		addr := fmt.Sprintf("%s:%d", e.Address, e.Port)
		for _, id := range []router.PoolID{router.PoolLogic, router.PoolChat, router.PoolPayment} {
			g.routes.MarkHealthy(id, addr, true)
		}
	}
}

func (g *Gateway) startAdminServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/stats", g.handleStats)
	mux.HandleFunc("/healthz", g.handleHealthz)
	mux.HandleFunc("/readyz", g.handleReadyz)

	ln, err := net.Listen("tcp", g.cfg.Admin.Addr)
	if err != nil {
		return fmt.Errorf("gateway: listen on admin addr %s: %w", g.cfg.Admin.Addr, err)
	}
	g.adminListener = ln
	g.adminServer = &http.Server{Handler: mux}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.adminServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.L.Error("admin server failed", zap.Error(err))
		}
	}()
	return nil
}

// AdminAddr returns the bound admin HTTP address, including the
// OS-assigned port when Admin.Addr requests ":0".
func (g *Gateway) AdminAddr() net.Addr {
	if g.adminListener == nil {
		return nil
	}
	return g.adminListener.Addr()
}

func (g *Gateway) handleStats(w http.ResponseWriter, _ *http.Request) {
	snap := g.stats.Snapshot(int(g.registry.ActiveCount()), g.authReg.SnapshotCount(), g.limiter.Stats())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (g *Gateway) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if g.connMgr.Draining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// Shutdown drains every live connection within ctx's deadline, then stops
// the admin server and background jobs.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.listener != nil {
		_ = g.listener.Close()
	}

	g.connMgr.BeginShutdown(ctx)

	if g.adminServer != nil {
		_ = g.adminServer.Shutdown(ctx)
	}

	g.limiter.Stop()
	if g.bgCancel != nil {
		g.bgCancel()
	}
	if g.redisClient != nil {
		_ = g.redisClient.Close()
	}
	_ = g.poolMgr.Close()
	middleware.ShutdownAccessLogger()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
