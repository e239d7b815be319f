// Package dispatch runs the delivery engine's main loop: claim ready
// messages, materialize attachments, compose MIME, drive the send
// through the connection pool under the rate limiter, and record the
// outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/elemta-relay/relaycore/internal/attachcache"
	"github.com/elemta-relay/relaycore/internal/attachment"
	"github.com/elemta-relay/relaycore/internal/compose"
	"github.com/elemta-relay/relaycore/internal/limiter"
	"github.com/elemta-relay/relaycore/internal/metrics"
	"github.com/elemta-relay/relaycore/internal/retry"
	"github.com/elemta-relay/relaycore/internal/store"
)

// SuspendedConfigKey is the storage config key the coordinator writes
// to pause dispatching globally. The loop reads it once per iteration,
// so staleness is bounded by one interval.
const SuspendedConfigKey = "dispatch_suspended"

// Deliverer performs one SMTP transaction for a composed message.
// The production implementation leases a pooled session; tests swap in
// a fake.
type Deliverer interface {
	Deliver(ctx context.Context, account store.Account, from string, rcpts []string, data []byte) error
}

// Recorder mirrors per-account and per-tenant delivery outcomes to an
// external store that survives process restarts. Implemented by
// metrics.ValkeyStore.
type Recorder interface {
	RecordSent(ctx context.Context, accountID, tenantID string) error
	RecordDeferred(ctx context.Context, accountID, reason string) error
	RecordFailed(ctx context.Context, accountID, tenantID, kind, messageID, recipient, errMsg string) error
}

// Config sizes the loop's concurrency and cadence.
type Config struct {
	Interval                time.Duration
	BatchSize               int
	MaxConcurrentSends      int // global cap across all accounts
	MaxConcurrentPerAccount int
	SendTimeout             time.Duration
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		Interval:                10 * time.Second,
		BatchSize:               100,
		MaxConcurrentSends:      20,
		MaxConcurrentPerAccount: 3,
		SendTimeout:             2 * time.Minute,
	}
}

// Loop is the dispatch loop. One logical instance runs per process.
type Loop struct {
	cfg      Config
	store    store.StorageAdapter
	limiter  *limiter.Limiter
	resolver *attachment.Resolver
	cache    *attachcache.Cache
	deliver  Deliverer
	schedule *retry.Schedule
	reg      *metrics.Registry
	logger   *slog.Logger
	now      func() time.Time

	wake      chan struct{}
	globalSem *semaphore.Weighted
	recorder  Recorder

	mu      sync.Mutex
	tenants map[string]store.Tenant // refreshed each iteration
}

// New wires a Loop. reg may be nil to skip metrics; nowFn may be nil
// for time.Now.
func New(cfg Config, s store.StorageAdapter, lim *limiter.Limiter, res *attachment.Resolver,
	cache *attachcache.Cache, del Deliverer, sched *retry.Schedule, reg *metrics.Registry,
	nowFn func() time.Time) *Loop {
	if nowFn == nil {
		nowFn = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.MaxConcurrentSends <= 0 {
		cfg.MaxConcurrentSends = DefaultConfig().MaxConcurrentSends
	}
	if cfg.MaxConcurrentPerAccount <= 0 {
		cfg.MaxConcurrentPerAccount = DefaultConfig().MaxConcurrentPerAccount
	}
	return &Loop{
		cfg:       cfg,
		store:     s,
		limiter:   lim,
		resolver:  res,
		cache:     cache,
		deliver:   del,
		schedule:  sched,
		reg:       reg,
		logger:    slog.Default().With("component", "dispatch"),
		now:       nowFn,
		wake:      make(chan struct{}, 1),
		globalSem: semaphore.NewWeighted(int64(cfg.MaxConcurrentSends)),
		tenants:   map[string]store.Tenant{},
	}
}

// SetRecorder attaches an external counter mirror. Recorder errors are
// logged at debug and never affect delivery.
func (l *Loop) SetRecorder(r Recorder) {
	l.recorder = r
}

// Wake nudges the loop to run an iteration before its next tick.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run drives iterations until ctx is cancelled. Loop-level errors are
// logged and retried on the next tick; nothing escalates past here.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := l.Iterate(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Error("dispatch iteration failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-l.wake:
		}
	}
}

func (l *Loop) suspended() bool {
	v, ok, err := l.store.GetConfig(SuspendedConfigKey)
	if err != nil {
		return false
	}
	return ok && v == "true"
}

// Iterate runs one pass: quotas, claim, group by account, send.
func (l *Loop) Iterate(ctx context.Context) error {
	if l.suspended() {
		return nil
	}

	now := l.now()

	accounts, err := l.store.ListAccounts()
	if err != nil {
		return fmt.Errorf("dispatch: list accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil
	}

	tenants, err := l.store.ListTenants()
	if err != nil {
		return fmt.Errorf("dispatch: list tenants: %w", err)
	}
	tmap := make(map[string]store.Tenant, len(tenants))
	for _, t := range tenants {
		tmap[t.ID] = t
	}
	l.mu.Lock()
	l.tenants = tmap
	l.mu.Unlock()

	accountsByID := make(map[string]store.Account, len(accounts))
	quotas := make([]store.AccountQuota, 0, len(accounts))
	for _, a := range accounts {
		accountsByID[a.ID] = a
		remaining, err := l.limiter.RemainingQuota(a, now)
		if err != nil {
			return fmt.Errorf("dispatch: quota for %q: %w", a.ID, err)
		}
		if remaining <= 0 {
			// Out of quota: claim anyway so the send-time check can
			// push each ready message to the window's next capacity
			// instant (defer policy) or terminally reject it.
			remaining = l.cfg.BatchSize
		}
		quotas = append(quotas, store.AccountQuota{AccountID: a.ID, Remaining: remaining})
	}
	if len(quotas) == 0 {
		return nil
	}

	claimed, err := l.store.ClaimReady(now, quotas, l.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("dispatch: claim ready: %w", err)
	}
	if len(claimed) == 0 {
		return nil
	}

	// Group by account, preserving claim order (priority, deferred_ts,
	// created_ts) within each group.
	groups := make(map[string][]store.Message)
	var order []string
	for _, m := range claimed {
		if _, seen := groups[m.AccountID]; !seen {
			order = append(order, m.AccountID)
		}
		groups[m.AccountID] = append(groups[m.AccountID], m)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, accountID := range order {
		account := accountsByID[accountID]
		msgs := groups[accountID]
		g.Go(func() error {
			l.processAccountGroup(gctx, account, msgs)
			return nil
		})
	}
	return g.Wait()
}

// processAccountGroup sends one account's claimed messages. Workers pull
// from an ordered channel so higher-priority messages are always begun
// first, while up to MaxConcurrentPerAccount sends overlap.
func (l *Loop) processAccountGroup(ctx context.Context, account store.Account, msgs []store.Message) {
	feed := make(chan store.Message)
	var wg sync.WaitGroup

	workers := l.cfg.MaxConcurrentPerAccount
	if workers > len(msgs) {
		workers = len(msgs)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range feed {
				l.processMessage(ctx, account, m)
			}
		}()
	}

	for _, m := range msgs {
		select {
		case <-ctx.Done():
			close(feed)
			wg.Wait()
			return
		case feed <- m:
		}
	}
	close(feed)
	wg.Wait()
}

// processMessage runs the full pipeline for one claimed message. Errors
// never bubble past here; every path ends in a storage write.
func (l *Loop) processMessage(ctx context.Context, account store.Account, m store.Message) {
	now := l.now()
	logger := l.logger.With("message_id", m.ID, "pk", m.PK, "account_id", account.ID, "retry_count", m.RetryCount)

	// Admission check at send time; the claim-time quota map can be
	// stale by one iteration.
	decision, err := l.limiter.Check(account, now)
	if err != nil {
		logger.Error("limiter check failed", "error", err)
		return
	}
	switch {
	case decision.Rejected:
		if err := l.store.MarkError(m.PK, now, "rate_limited", nil, m.RetryCount); err != nil {
			logger.Error("mark rate-limit reject failed", "error", err)
		}
		l.countFailed("rate_limited")
		if l.recorder != nil {
			if err := l.recorder.RecordFailed(context.Background(), account.ID, m.TenantID, "rate_limited", m.ID, firstRecipient(m), "rate_limited"); err != nil {
				logger.Debug("recorder failed", "error", err)
			}
		}
		return
	case !decision.Admitted:
		if err := l.store.DeferMessage(m.PK, decision.NextTryTS, "rate_limited"); err != nil {
			logger.Error("rate-limit defer failed", "error", err)
		}
		if l.reg != nil {
			l.reg.MessagesDeferred.Inc()
		}
		if l.recorder != nil {
			if err := l.recorder.RecordDeferred(context.Background(), account.ID, "rate_limited"); err != nil {
				logger.Debug("recorder failed", "error", err)
			}
		}
		return
	}

	// Reserve the admitted slot so parallel workers on the same account
	// cannot collectively overshoot a window before send-log rows land.
	l.limiter.Begin(account.ID)
	defer l.limiter.End(account.ID)

	tenant := l.tenantFor(m.TenantID)

	resolved, err := l.resolveAttachments(ctx, m, tenant)
	if err != nil {
		logger.Warn("attachment resolution failed", "error", err)
		l.recordTransient(m, now, fmt.Sprintf("attachment resolve: %v", err))
		return
	}

	data, err := compose.Build(m, resolved, now)
	if err != nil {
		// Composition failures are deterministic; retrying cannot help.
		logger.Error("compose failed", "error", err)
		if err := l.store.MarkError(m.PK, now, fmt.Sprintf("compose: %v", err), nil, m.RetryCount); err != nil {
			logger.Error("mark compose error failed", "error", err)
		}
		l.countFailed("permanent")
		return
	}

	if err := l.globalSem.Acquire(ctx, 1); err != nil {
		return
	}
	sendCtx := ctx
	var cancel context.CancelFunc
	if l.cfg.SendTimeout > 0 {
		sendCtx, cancel = context.WithTimeout(ctx, l.cfg.SendTimeout)
	}
	start := time.Now()
	from := m.Payload.ReturnPath
	if from == "" {
		from = m.Payload.From
	}
	sendErr := l.deliver.Deliver(sendCtx, account, from, compose.Recipients(m.Payload), data)
	if cancel != nil {
		cancel()
	}
	l.globalSem.Release(1)
	if l.reg != nil {
		l.reg.SendDuration.Observe(time.Since(start).Seconds())
	}

	l.recordOutcome(m, account, l.now(), sendErr, logger)
}

func (l *Loop) recordOutcome(m store.Message, account store.Account, now time.Time, sendErr error, logger *slog.Logger) {
	cls := retry.Classify(sendErr)
	switch cls.Outcome {
	case retry.Success:
		// The send-log row is the event the limiter counts, written only
		// after the server acknowledged DATA.
		if err := l.store.AppendSendLog(store.SendLogEntry{AccountID: account.ID, TS: now}); err != nil {
			logger.Error("append send log failed", "error", err)
		}
		if err := l.store.MarkSent(m.PK, now); err != nil {
			logger.Error("mark sent failed", "error", err)
		}
		if l.reg != nil {
			l.reg.MessagesSent.Inc()
		}
		if l.recorder != nil {
			if err := l.recorder.RecordSent(context.Background(), account.ID, m.TenantID); err != nil {
				logger.Debug("recorder failed", "error", err)
			}
		}
		logger.Info("message sent")

	case retry.TransientFailure:
		l.recordTransient(m, now, cls.Reason)

	case retry.PermanentFailure:
		reason := cls.Reason
		if cls.NeedsAttention {
			reason = "account needs attention: " + reason
		}
		if err := l.store.MarkError(m.PK, now, reason, nil, m.RetryCount); err != nil {
			logger.Error("mark permanent error failed", "error", err)
		}
		l.countFailed("permanent")
		if l.recorder != nil {
			if err := l.recorder.RecordFailed(context.Background(), account.ID, m.TenantID, "permanent", m.ID, firstRecipient(m), reason); err != nil {
				logger.Debug("recorder failed", "error", err)
			}
		}
		logger.Warn("message failed permanently", "reason", reason)
	}
}

// recordTransient applies the backoff schedule, or makes the message
// terminal once retries are exhausted.
func (l *Loop) recordTransient(m store.Message, now time.Time, reason string) {
	logger := l.logger.With("message_id", m.ID, "pk", m.PK)
	next, ok := l.schedule.Next(now, m.RetryCount)
	if !ok {
		if err := l.store.MarkError(m.PK, now, "max retries exceeded: "+reason, nil, m.RetryCount); err != nil {
			logger.Error("mark retries-exhausted failed", "error", err)
		}
		l.countFailed("transient")
		if l.recorder != nil {
			if err := l.recorder.RecordFailed(context.Background(), m.AccountID, m.TenantID, "transient", m.ID, firstRecipient(m), reason); err != nil {
				logger.Debug("recorder failed", "error", err)
			}
		}
		logger.Warn("retries exhausted", "reason", reason)
		return
	}
	if err := l.store.MarkError(m.PK, now, reason, &next, m.RetryCount+1); err != nil {
		logger.Error("mark transient error failed", "error", err)
	}
	if l.reg != nil {
		l.reg.MessagesDeferred.Inc()
	}
	if l.recorder != nil {
		if err := l.recorder.RecordDeferred(context.Background(), m.AccountID, "retry"); err != nil {
			logger.Debug("recorder failed", "error", err)
		}
	}
	logger.Info("message deferred for retry", "next_attempt", next, "reason", reason)
}

func firstRecipient(m store.Message) string {
	if len(m.Payload.To) > 0 {
		return m.Payload.To[0]
	}
	return ""
}

func (l *Loop) countFailed(kind string) {
	if l.reg != nil {
		l.reg.MessagesFailed.WithLabelValues(kind).Inc()
	}
}

func (l *Loop) tenantFor(id string) store.Tenant {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tenants[id]
}

// resolveAttachments materializes every descriptor concurrently; the
// resolver's semaphore caps how many fetches run at once, and every
// resolved payload is held in the returned slice. The content cache is consulted when the descriptor's hash is
// known up front; a descriptor whose hash is only computable after
// fetch is resolved directly and then admitted so sibling messages hit
// the cache.
func (l *Loop) resolveAttachments(ctx context.Context, m store.Message, tenant store.Tenant) ([]attachment.Resolved, error) {
	if len(m.Payload.Attachments) == 0 {
		return nil, nil
	}

	out := make([]attachment.Resolved, len(m.Payload.Attachments))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range m.Payload.Attachments {
		g.Go(func() error {
			resolved, err := l.resolveDescriptor(gctx, d, tenant)
			if err != nil {
				return err
			}
			out[i] = resolved
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Loop) resolveDescriptor(ctx context.Context, d store.AttachmentDescriptor, tenant store.Tenant) (attachment.Resolved, error) {
	hash := attachment.KnownHash(d)
	if l.cache == nil || hash == "" {
		resolved, err := l.resolver.ResolveOne(ctx, d, tenant)
		if err != nil {
			return attachment.Resolved{}, err
		}
		if l.cache != nil {
			l.cache.Admit(attachcache.Entry{
				Hash: resolved.Hash, Bytes: resolved.Bytes,
				MimeType: resolved.MimeType, Size: int64(len(resolved.Bytes)),
			})
		}
		if l.reg != nil {
			l.reg.AttachCacheMisses.Inc()
		}
		return resolved, nil
	}

	hit := true
	entry, err := l.cache.GetOrMaterialize(ctx, hash, func(mctx context.Context) (attachcache.Entry, error) {
		hit = false
		resolved, rerr := l.resolver.ResolveOne(mctx, d, tenant)
		if rerr != nil {
			return attachcache.Entry{}, rerr
		}
		return attachcache.Entry{
			Bytes: resolved.Bytes, MimeType: resolved.MimeType,
			Size: int64(len(resolved.Bytes)),
		}, nil
	})
	if err != nil {
		return attachment.Resolved{}, err
	}
	if l.reg != nil {
		if hit {
			l.reg.AttachCacheHits.Inc()
		} else {
			l.reg.AttachCacheMisses.Inc()
		}
	}

	name := attachment.CleanFilename(d.Filename)
	return attachment.Resolved{
		Filename: name,
		MimeType: attachment.ResolveMime(d.MimeType, entry.MimeType, name),
		Bytes:    entry.Bytes,
		Hash:     hash,
	}, nil
}
