// Package consul implements one concrete source for the periodic
// out-of-band health check spec §4.6 requires: polling Consul's HTTP health
// API and reporting which endpoints are currently passing.
package consul

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/SkynetNext/game-gateway/internal/logger"
	"go.uber.org/zap"
)

// ServiceEntry is one passing service instance.
type ServiceEntry struct {
	Address string
	Port    int
}

// Discovery polls Consul's health API for one service name.
type Discovery struct {
	consulAddress   string
	httpClient      *http.Client
	refreshInterval time.Duration
}

// NewDiscovery creates a new Consul service discovery instance.
func NewDiscovery(consulAddress string, refreshInterval time.Duration) *Discovery {
	return &Discovery{
		consulAddress:   consulAddress,
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		refreshInterval: refreshInterval,
	}
}

// DiscoverServices queries Consul for every passing instance of serviceName.
func (d *Discovery) DiscoverServices(ctx context.Context, serviceName string) ([]ServiceEntry, error) {
	url := fmt.Sprintf("%s/v1/health/service/%s?passing=true", d.consulAddress, serviceName)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query Consul: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("consul API returned status %d: %s", resp.StatusCode, string(body))
	}

	var entries []struct {
		Service struct {
			Address string `json:"Address"`
			Port    int    `json:"Port"`
		} `json:"Service"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	result := make([]ServiceEntry, 0, len(entries))
	for _, e := range entries {
		result = append(result, ServiceEntry{Address: e.Service.Address, Port: e.Service.Port})
	}
	return result, nil
}

// StartRefreshLoop polls DiscoverServices on refreshInterval and hands each
// snapshot to callback, which the caller wires to router.Table.MarkHealthy.
func (d *Discovery) StartRefreshLoop(ctx context.Context, serviceName string, callback func([]ServiceEntry)) {
	go func() {
		ticker := time.NewTicker(d.refreshInterval)
		defer ticker.Stop()

		if services, err := d.DiscoverServices(ctx, serviceName); err != nil {
			logger.Error("initial Consul service discovery failed", zap.String("service", serviceName), zap.Error(err))
		} else {
			callback(services)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				services, err := d.DiscoverServices(ctx, serviceName)
				if err != nil {
					logger.Error("Consul service discovery failed", zap.String("service", serviceName), zap.Error(err))
					continue
				}
				callback(services)
			}
		}
	}()
}
