// Package coordinator owns loop lifecycles, wake-up signalling,
// suspension state, and the external operation surface of the relay
// core (submit, list, delete, suspend, activate, run-now).
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/elemta-relay/relaycore/internal/cleanup"
	"github.com/elemta-relay/relaycore/internal/dispatch"
	"github.com/elemta-relay/relaycore/internal/metrics"
	"github.com/elemta-relay/relaycore/internal/report"
	"github.com/elemta-relay/relaycore/internal/smtppool"
	"github.com/elemta-relay/relaycore/internal/store"
)

// Config sizes the coordinator's own concerns; the loops carry their
// own configs.
type Config struct {
	ReaperInterval time.Duration
	DrainGrace     time.Duration // bound on in-flight work at shutdown

	DefaultAccountID string // applied to submissions that omit account_id
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		ReaperInterval: time.Minute,
		DrainGrace:     10 * time.Second,
	}
}

// SubmitResult is the outcome of one submit call.
type SubmitResult struct {
	Queued   int
	Rejected []store.RejectedMessage
}

// DeleteResult reports delete_messages counts.
type DeleteResult struct {
	Removed  int
	NotFound int
}

// SuspensionSnapshot is returned by Suspend/Activate.
type SuspensionSnapshot struct {
	TenantID         string
	SuspendAll       bool
	SuspendedBatches []string
}

// Coordinator wires the loops together and routes external commands.
type Coordinator struct {
	cfg      Config
	store    store.StorageAdapter
	dispatch *dispatch.Loop
	report   *report.Loop
	cleanup  *cleanup.Loop
	pool     *smtppool.Pool
	reg      *metrics.Registry
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New assembles a Coordinator. pool, reg, and nowFn may be nil.
func New(cfg Config, s store.StorageAdapter, d *dispatch.Loop, r *report.Loop, c *cleanup.Loop,
	pool *smtppool.Pool, reg *metrics.Registry, nowFn func() time.Time) *Coordinator {
	if nowFn == nil {
		nowFn = time.Now
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = DefaultConfig().ReaperInterval
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = DefaultConfig().DrainGrace
	}
	return &Coordinator{
		cfg:      cfg,
		store:    s,
		dispatch: d,
		report:   r,
		cleanup:  c,
		pool:     pool,
		reg:      reg,
		logger:   slog.Default().With("component", "coordinator"),
		now:      nowFn,
	}
}

// Start launches the three loops plus the connection reaper. It is an
// error to start twice without an intervening Stop.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("coordinator: already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.started = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatch.Run(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.report.Run(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.cleanup.Run(ctx)
	}()

	if c.pool != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			ticker := time.NewTicker(c.cfg.ReaperInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					c.pool.ReapIdle()
				}
			}
		}()
	}

	c.logger.Info("relay core started")
	return nil
}

// Stop cancels the loops, waits up to DrainGrace for in-flight work,
// then closes pooled sessions. Loops past the grace are abandoned to
// their cancelled contexts.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.cfg.DrainGrace):
		c.logger.Warn("drain grace elapsed, abandoning in-flight work")
	}

	if c.pool != nil {
		c.pool.CloseAll()
	}
	c.logger.Info("relay core stopped")
}

// Submit queues messages for a tenant. defaultPriority applies to
// messages that carry PriorityUnset; a configured default account fills
// an absent account_id. Accepted messages wake the dispatch loop.
func (c *Coordinator) Submit(tenantID string, defaultPriority int, msgs []store.Message) (SubmitResult, error) {
	batch := make([]store.Message, len(msgs))
	for i, m := range msgs {
		m.TenantID = tenantID
		if m.Priority == store.PriorityUnset && defaultPriority >= store.PriorityImmediate && defaultPriority <= store.PriorityLow {
			m.Priority = defaultPriority
		}
		if m.AccountID == "" {
			m.AccountID = c.cfg.DefaultAccountID
		}
		batch[i] = m
	}

	accepted, rejected, err := c.store.InsertMessages(batch)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("coordinator: submit: %w", err)
	}

	if len(accepted) > 0 {
		if c.reg != nil {
			c.reg.MessagesQueued.Add(float64(len(accepted)))
		}
		c.dispatch.Wake()
	}
	return SubmitResult{Queued: len(accepted), Rejected: rejected}, nil
}

// ListMessages returns message records, optionally only non-terminal ones.
func (c *Coordinator) ListMessages(tenantID string, activeOnly bool) ([]store.Message, error) {
	return c.store.ListMessages(tenantID, activeOnly)
}

// DeleteMessages removes messages by client id within the tenant scope.
func (c *Coordinator) DeleteMessages(tenantID string, ids []string) (DeleteResult, error) {
	removed, notFound, err := c.store.DeleteMessages(tenantID, ids)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("coordinator: delete: %w", err)
	}
	return DeleteResult{Removed: removed, NotFound: notFound}, nil
}

// Suspend pauses dispatch for a tenant. With no batch the whole tenant
// is suspended; with a batch only that tag is. Adding a batch while the
// tenant is wholly suspended is a conflict: the caller must activate
// first.
func (c *Coordinator) Suspend(tenantID, batch string) (SuspensionSnapshot, error) {
	t, err := c.store.GetTenant(tenantID)
	if err != nil {
		return SuspensionSnapshot{}, fmt.Errorf("coordinator: suspend %q: %w", tenantID, err)
	}

	if batch == "" {
		t.SuspendAll = true
		t.SuspendedBatches = map[string]bool{}
	} else {
		if t.SuspendAll {
			return SuspensionSnapshot{}, fmt.Errorf("coordinator: suspend batch %q: tenant already wholly suspended: %w", batch, store.ErrConflict)
		}
		if t.SuspendedBatches == nil {
			t.SuspendedBatches = map[string]bool{}
		}
		t.SuspendedBatches[batch] = true
	}

	if err := c.store.UpsertTenant(t); err != nil {
		return SuspensionSnapshot{}, fmt.Errorf("coordinator: suspend %q: %w", tenantID, err)
	}
	c.logger.Info("tenant suspended", "tenant_id", tenantID, "batch", batch)
	return snapshot(t), nil
}

// Activate resumes dispatch. With no batch the tenant's suspension
// state is cleared entirely; with a batch only that tag is removed.
// Activating a single batch while the tenant is wholly suspended is a
// conflict.
func (c *Coordinator) Activate(tenantID, batch string) (SuspensionSnapshot, error) {
	t, err := c.store.GetTenant(tenantID)
	if err != nil {
		return SuspensionSnapshot{}, fmt.Errorf("coordinator: activate %q: %w", tenantID, err)
	}

	if batch == "" {
		t.SuspendAll = false
		t.SuspendedBatches = map[string]bool{}
	} else {
		if t.SuspendAll {
			return SuspensionSnapshot{}, fmt.Errorf("coordinator: activate batch %q: tenant wholly suspended: %w", batch, store.ErrConflict)
		}
		delete(t.SuspendedBatches, batch)
	}

	if err := c.store.UpsertTenant(t); err != nil {
		return SuspensionSnapshot{}, fmt.Errorf("coordinator: activate %q: %w", tenantID, err)
	}
	c.dispatch.Wake()
	c.logger.Info("tenant activated", "tenant_id", tenantID, "batch", batch)
	return snapshot(t), nil
}

// RunNow wakes the dispatch and report loops ahead of their next tick.
// It signals only; callers observe results through list_messages or the
// report sink rather than blocking on an iteration.
func (c *Coordinator) RunNow(tenantID string) {
	c.dispatch.Wake()
	c.report.Wake()
	c.logger.Info("run-now signalled", "tenant_id", tenantID)
}

// Pause stops all dispatching until Resume; the flag lives in storage
// so every process sharing the store observes it.
func (c *Coordinator) Pause() error {
	return c.store.SetConfig(dispatch.SuspendedConfigKey, "true")
}

// Resume re-enables dispatching.
func (c *Coordinator) Resume() error {
	if err := c.store.SetConfig(dispatch.SuspendedConfigKey, "false"); err != nil {
		return err
	}
	c.dispatch.Wake()
	return nil
}

func snapshot(t store.Tenant) SuspensionSnapshot {
	out := SuspensionSnapshot{TenantID: t.ID, SuspendAll: t.SuspendAll}
	for b := range t.SuspendedBatches {
		out.SuspendedBatches = append(out.SuspendedBatches, b)
	}
	return out
}
