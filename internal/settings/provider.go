// Package settings owns the runtime executor settings lifecycle:
// initialized once at startup, refreshed on admin change, and captured as
// an immutable snapshot per run.
package settings

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/nodadyoushutup/llmctl/internal/store"
)

type settingsStore interface {
	LoadExecutorSettings(ctx context.Context) (store.ExecutorSettings, error)
}

// Provider serves executor settings snapshots.
type Provider struct {
	store  settingsStore
	logger *zap.Logger

	mu      sync.RWMutex
	current store.ExecutorSettings
	loaded  bool
}

// NewProvider creates an uninitialised provider; call Init before use.
func NewProvider(s settingsStore, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{store: s, logger: logger}
}

// Init loads settings once at startup.
func (p *Provider) Init(ctx context.Context) error {
	return p.Refresh(ctx)
}

// Refresh reloads settings from the store. Runs already in flight keep the
// snapshot they captured at start.
func (p *Provider) Refresh(ctx context.Context) error {
	settings, err := p.store.LoadExecutorSettings(ctx)
	if err != nil {
		return fmt.Errorf("load executor settings: %w", err)
	}
	p.mu.Lock()
	p.current = settings
	p.loaded = true
	p.mu.Unlock()
	p.logger.Info("executor settings refreshed",
		zap.String("namespace", settings.K8sNamespace),
		zap.Int("execution_timeout_seconds", settings.ExecutionTimeoutSeconds))
	return nil
}

// Snapshot returns a copy of the current settings. Callers must capture
// one snapshot per run and carry it, not re-read mid-run.
func (p *Provider) Snapshot() store.ExecutorSettings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.loaded {
		return store.DefaultExecutorSettings()
	}
	return p.current
}
