package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/SkynetNext/game-gateway/internal/config"
	"github.com/SkynetNext/game-gateway/internal/protocol"
)

func testCfg() *config.Config {
	return &config.Config{
		Listen: config.ListenConfig{Addr: "127.0.0.1:0"},
		Admin:  config.AdminConfig{Addr: "127.0.0.1:0"},
		Limits: config.LimitsConfig{MaxConnections: 100, GlobalQPS: 1000, GlobalBurst: 1000},
		Timeouts: config.TimeoutsConfig{
			ReadIdleSec: 60, WriteIdleSec: 30, ShutdownSec: 5,
		},
		Frame: config.FrameConfig{MaxBodyBytes: 1 << 20, CompressThreshold: 1024},
		Routes: map[string][]string{
			"logic": {"127.0.0.1:19999"},
		},
		ConnectionPool: config.ConnectionPoolConfig{
			MaxConnections: 100, MaxConnectionsPerService: 10,
			IdleTimeout: time.Minute, DialTimeout: time.Second,
			ReadTimeout: time.Second, WriteTimeout: time.Second,
			MaxRetries: 1, RetryDelay: 10 * time.Millisecond,
		},
	}
}

func TestNewConstructsWithoutError(t *testing.T) {
	gw, err := New(testCfg(), "test-pod", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if gw.registry == nil || gw.authReg == nil || gw.limiter == nil || gw.dispatcher == nil {
		t.Fatal("expected New to wire every core capability")
	}
}

func TestStartAcceptsConnectionsAndShutdownDrains(t *testing.T) {
	gw, err := New(testCfg(), "test-pod", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := gw.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	addr := gw.Addr()
	if addr == nil {
		t.Fatal("expected Addr to be non-nil after Start")
	}

	c, err := net.DialTimeout("tcp", addr.String(), time.Second)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	defer c.Close()

	body := []byte(`{"user":"alice","token":"tok"}`)
	if err := protocol.Encode(c, protocol.Frame{MessageType: protocol.AuthMessageType, Body: body}, protocol.DefaultCompressThreshold); err != nil {
		t.Fatalf("encode auth frame: %v", err)
	}

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("read auth response: %v", err)
	}
	frames, _, decErr := protocol.Decode(buf[:n], protocol.DefaultCompressThreshold)
	if decErr != nil || len(frames) == 0 {
		t.Fatalf("decode auth response: frames=%v err=%v", frames, decErr)
	}
	if frames[0].MessageType != protocol.AuthResponseMessageType {
		t.Fatalf("message type = %d, want %d", frames[0].MessageType, protocol.AuthResponseMessageType)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestAdminEndpoints(t *testing.T) {
	gw, err := New(testCfg(), "test-pod", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := gw.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	}()

	adminAddr := gw.AdminAddr()
	if adminAddr == nil {
		t.Fatal("expected AdminAddr to be non-nil after Start")
	}

	healthzURL := fmt.Sprintf("http://%s/healthz", adminAddr.String())
	resp, err := http.Get(healthzURL)
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}

	statsURL := fmt.Sprintf("http://%s/stats", adminAddr.String())
	resp2, err := http.Get(statsURL)
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	defer resp2.Body.Close()
	var snap map[string]interface{}
	if err := json.NewDecoder(resp2.Body).Decode(&snap); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if _, ok := snap["connections"]; !ok {
		t.Fatal("expected stats snapshot to include a connections field")
	}
}
