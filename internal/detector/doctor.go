package detector

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultCacheTTL = 5 * time.Minute

// Prober runs a single capability probe.
type Prober interface {
	RunDoctor(ctx context.Context) (*Capabilities, error)
}

// CachedDoctor caches probe results so readiness checks stay cheap.
type CachedDoctor struct {
	prober Prober
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.RWMutex
	cached *Capabilities
}

func NewCachedDoctor(prober Prober, logger *slog.Logger) *CachedDoctor {
	return &CachedDoctor{
		prober: prober,
		ttl:    defaultCacheTTL,
		logger: logger,
	}
}

// Get returns cached capabilities if fresh, otherwise re-probes.
func (d *CachedDoctor) Get(ctx context.Context) (*Capabilities, error) {
	d.mu.RLock()
	if d.cached != nil && time.Since(d.cached.ProbedAt) < d.ttl {
		caps := d.cached
		d.mu.RUnlock()
		return caps, nil
	}
	d.mu.RUnlock()

	return d.Refresh(ctx)
}

// Peek returns the last probe result without probing. Nil until the first
// successful probe.
func (d *CachedDoctor) Peek() *Capabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cached
}

// Refresh forces a probe. On failure a stale result is returned if present.
func (d *CachedDoctor) Refresh(ctx context.Context) (*Capabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	caps, err := d.prober.RunDoctor(ctx)
	if err != nil {
		d.logger.Warn("detector probe failed", "error", err)
		if d.cached != nil {
			d.logger.Info("returning stale detector capabilities")
			return d.cached, nil
		}
		return nil, err
	}

	d.cached = caps
	return caps, nil
}

func (d *CachedDoctor) Invalidate() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}
