// internal/llm/factory.go
package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"energy-assistant/internal/common/config"
	"energy-assistant/internal/common/logger"
	"energy-assistant/internal/common/metrics"
)

// defaultProviderName is preferred by GetDefaultProvider when healthy.
const defaultProviderName = "ollama"

var (
	ErrProviderNotFound  = errors.New("PROVIDER_NOT_FOUND")
	ErrNoHealthyProvider = errors.New("NO_HEALTHY_PROVIDER")
)

// Factory owns the set of active providers built from configuration. The
// active map is replaced wholesale on reload; reads go through the RWMutex.
type Factory struct {
	mu sync.RWMutex

	registry      *Registry
	providers     map[string]Provider
	order         []string
	healthTimeout time.Duration
	logger        logger.Logger
}

// NewFactory instantiates every enabled provider whose settings pass its
// plugin's schema. Zero active providers is a degraded state, logged but not
// fatal.
func NewFactory(registry *Registry, cfg map[string]config.ProviderConfig, healthTimeout time.Duration, log logger.Logger) *Factory {
	f := &Factory{
		registry:      registry,
		healthTimeout: healthTimeout,
		logger:        log.WithFields(map[string]interface{}{"component": "provider-factory"}),
	}
	f.providers, f.order = f.buildProviders(cfg)

	if len(f.providers) == 0 {
		f.logger.Warn("no active providers configured, chat requests will be rejected", nil)
	}

	return f
}

// buildProviders walks the config entries in name order so iteration and
// fallback selection stay deterministic.
func (f *Factory) buildProviders(cfg map[string]config.ProviderConfig) (map[string]Provider, []string) {
	names := make([]string, 0, len(cfg))
	for name := range cfg {
		names = append(names, name)
	}
	sort.Strings(names)

	providers := make(map[string]Provider)
	order := make([]string, 0, len(names))

	for _, name := range names {
		entry := cfg[name]
		if !entry.Enabled {
			f.logger.Info("provider disabled in config, skipping", map[string]interface{}{
				"provider": name,
			})
			continue
		}

		provider, ok := f.registry.Create(entry.Plugin, name, entry.Settings)
		if !ok {
			continue
		}

		providers[name] = provider
		order = append(order, name)
		f.logger.Info("provider activated", map[string]interface{}{
			"provider": name,
			"plugin":   entry.Plugin,
		})
	}

	return providers, order
}

// GetProvider returns the named active provider.
func (f *Factory) GetProvider(name string) (Provider, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	provider, exists := f.providers[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return provider, nil
}

// GetAllProviders returns active providers in registration order.
func (f *Factory) GetAllProviders() []Provider {
	f.mu.RLock()
	defer f.mu.RUnlock()

	providers := make([]Provider, 0, len(f.order))
	for _, name := range f.order {
		providers = append(providers, f.providers[name])
	}
	return providers
}

// GetProviderNames returns active provider names in registration order.
func (f *Factory) GetProviderNames() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, len(f.order))
	copy(names, f.order)
	return names
}

// GetHealthyProvider scans active providers in registration order and
// returns the first that reports healthy.
func (f *Factory) GetHealthyProvider(ctx context.Context) (Provider, error) {
	for _, provider := range f.GetAllProviders() {
		if provider.IsHealthy(ctx) {
			return provider, nil
		}
	}
	return nil, ErrNoHealthyProvider
}

// GetDefaultProvider prefers the distinguished default provider when it is
// active and healthy, then falls back to the first healthy one.
func (f *Factory) GetDefaultProvider(ctx context.Context) (Provider, error) {
	f.mu.RLock()
	preferred, exists := f.providers[defaultProviderName]
	f.mu.RUnlock()

	if exists && preferred.IsHealthy(ctx) {
		return preferred, nil
	}
	return f.GetHealthyProvider(ctx)
}

// ReloadProviders rebuilds the active set from fresh config and swaps it in
// under the write lock.
func (f *Factory) ReloadProviders(cfg map[string]config.ProviderConfig) {
	providers, order := f.buildProviders(cfg)

	f.mu.Lock()
	f.providers = providers
	f.order = order
	f.mu.Unlock()

	f.logger.Info("providers reloaded", map[string]interface{}{
		"activeCount": len(order),
		"providers":   order,
	})
}

// GetAllProviderStatuses polls every active provider concurrently. Each poll
// races an independent timer sized by the health check timeout, so the whole
// aggregate settles within the slowest single timeout rather than the sum.
func (f *Factory) GetAllProviderStatuses(ctx context.Context) []ProviderStatus {
	providers := f.GetAllProviders()

	var wg sync.WaitGroup
	var mu sync.Mutex
	statuses := make(map[string]ProviderStatus, len(providers))

	for _, provider := range providers {
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()

			pollCtx, cancel := context.WithTimeout(ctx, f.healthTimeout)
			defer cancel()

			done := make(chan ProviderStatus, 1)
			go func() {
				done <- p.Status(pollCtx)
			}()

			timer := time.NewTimer(f.healthTimeout)
			defer timer.Stop()

			var status ProviderStatus
			select {
			case status = <-done:
			case <-timer.C:
				status = ProviderStatus{
					Name:        p.Name(),
					Status:      StatusUnhealthy,
					LastChecked: time.Now().UTC(),
					Error:       fmt.Sprintf("health check timed out after %s", f.healthTimeout),
				}
			}

			healthy := 0.0
			if status.Status == StatusHealthy {
				healthy = 1.0
			}
			metrics.ProviderHealthy.WithLabelValues(p.Name()).Set(healthy)

			mu.Lock()
			statuses[p.Name()] = status
			mu.Unlock()
		}(provider)
	}

	wg.Wait()

	ordered := make([]ProviderStatus, 0, len(providers))
	for _, name := range f.GetProviderNames() {
		if status, ok := statuses[name]; ok {
			ordered = append(ordered, status)
		}
	}
	return ordered
}
