// Package cleanup prunes acknowledged messages past retention, expired
// send-log rows, and stale attachment cache entries.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/elemta-relay/relaycore/internal/attachcache"
	"github.com/elemta-relay/relaycore/internal/metrics"
	"github.com/elemta-relay/relaycore/internal/store"
)

// Config controls retention windows.
type Config struct {
	Interval         time.Duration
	DefaultRetention time.Duration // reported messages, overridable per tenant
	SendLogRetention time.Duration // must exceed the widest rate-limit window
}

// DefaultConfig returns the loop defaults: 7-day message retention and
// a send-log horizon of the 24h day-window plus an hour of margin.
func DefaultConfig() Config {
	return Config{
		Interval:         time.Hour,
		DefaultRetention: 7 * 24 * time.Hour,
		SendLogRetention: 25 * time.Hour,
	}
}

// Loop is the cleanup loop.
type Loop struct {
	cfg    Config
	store  store.StorageAdapter
	cache  *attachcache.Cache
	reg    *metrics.Registry
	logger *slog.Logger
	now    func() time.Time
}

// New wires a Loop. cache, reg, and nowFn may be nil.
func New(cfg Config, s store.StorageAdapter, cache *attachcache.Cache, reg *metrics.Registry, nowFn func() time.Time) *Loop {
	if nowFn == nil {
		nowFn = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.DefaultRetention <= 0 {
		cfg.DefaultRetention = DefaultConfig().DefaultRetention
	}
	if cfg.SendLogRetention <= 0 {
		cfg.SendLogRetention = DefaultConfig().SendLogRetention
	}
	return &Loop{
		cfg:    cfg,
		store:  s,
		cache:  cache,
		reg:    reg,
		logger: slog.Default().With("component", "cleanup"),
		now:    nowFn,
	}
}

// Run drives iterations until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := l.Iterate(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Error("cleanup iteration failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Iterate runs one pruning pass. Retention is evaluated per tenant so
// an override never shortens or stretches another tenant's window.
func (l *Loop) Iterate(ctx context.Context) error {
	now := l.now()

	tenants, err := l.store.ListTenants()
	if err != nil {
		return fmt.Errorf("cleanup: list tenants: %w", err)
	}

	purged := 0
	for _, t := range tenants {
		if err := ctx.Err(); err != nil {
			return err
		}
		retention := l.cfg.DefaultRetention
		if t.RetentionOverrideHr > 0 {
			retention = time.Duration(t.RetentionOverrideHr) * time.Hour
		}
		n, err := l.store.DeleteReportedForTenantBefore(t.ID, now.Add(-retention))
		if err != nil {
			return fmt.Errorf("cleanup: purge tenant %q: %w", t.ID, err)
		}
		purged += n
	}

	// Messages submitted without a tenant use the global default.
	n, err := l.store.DeleteReportedForTenantBefore("", now.Add(-l.cfg.DefaultRetention))
	if err != nil {
		return fmt.Errorf("cleanup: purge untenanted: %w", err)
	}
	purged += n

	logs, err := l.store.DeleteSendLogBefore(now.Add(-l.cfg.SendLogRetention))
	if err != nil {
		return fmt.Errorf("cleanup: truncate send log: %w", err)
	}

	evicted := 0
	if l.cache != nil {
		evicted = l.cache.EvictExpired()
	}

	if l.reg != nil && purged > 0 {
		l.reg.MessagesPurged.Add(float64(purged))
	}
	if purged > 0 || logs > 0 || evicted > 0 {
		l.logger.Info("cleanup pass", "messages_purged", purged, "send_log_rows", logs, "cache_evicted", evicted)
	}
	return nil
}
