// Package limiter implements the per-account sliding-window admission
// decision over the send-log. It is read-only against the
// storage adapter: the only write to the send-log happens in the
// dispatch loop after a successful SMTP transaction. In-flight sends
// are reserved in memory so parallel workers cannot collectively
// overshoot a window before their send-log rows land.
package limiter

import (
	"fmt"
	"sync"
	"time"

	"github.com/elemta-relay/relaycore/internal/store"
)

// Window is one rate-limit window with its configured limit.
type Window struct {
	Width time.Duration
	Limit int // 0 = unbounded
}

// Decision is the outcome of an admission check.
type Decision struct {
	Admitted      bool
	Rejected      bool // true when the account policy is reject-on-limit
	NextTryTS     time.Time
	BindingWindow time.Duration
}

// CountSource is the subset of store.StorageAdapter the limiter reads.
type CountSource interface {
	CountSendLogSince(accountID string, since time.Time) (int, error)
	OldestSendLogSince(accountID string, since time.Time) (time.Time, bool, error)
}

// Limiter makes admit/defer/reject decisions for accounts.
type Limiter struct {
	store CountSource

	mu       sync.Mutex
	inflight map[string]int
}

// New creates a Limiter over the given send-log count source.
func New(s CountSource) *Limiter {
	return &Limiter{store: s, inflight: map[string]int{}}
}

// Begin reserves an in-flight slot for an admitted send. The slot
// counts against every window until End releases it, by which time a
// successful send has its own send-log row.
func (l *Limiter) Begin(accountID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inflight[accountID]++
}

// End releases a slot reserved by Begin.
func (l *Limiter) End(accountID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight[accountID] > 0 {
		l.inflight[accountID]--
	}
}

func (l *Limiter) inflightFor(accountID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inflight[accountID]
}

func windowsFor(a store.Account) []Window {
	var ws []Window
	if a.LimitPerMinute > 0 {
		ws = append(ws, Window{Width: 60 * time.Second, Limit: a.LimitPerMinute})
	}
	if a.LimitPerHour > 0 {
		ws = append(ws, Window{Width: 3600 * time.Second, Limit: a.LimitPerHour})
	}
	if a.LimitPerDay > 0 {
		ws = append(ws, Window{Width: 86400 * time.Second, Limit: a.LimitPerDay})
	}
	return ws
}

// Check evaluates whether account may send one more message at now.
// An account with no configured limits admits unconditionally.
func (l *Limiter) Check(account store.Account, now time.Time) (Decision, error) {
	windows := windowsFor(account)
	if len(windows) == 0 {
		return Decision{Admitted: true}, nil
	}

	var mostBinding time.Duration
	var nextTry time.Time
	blocked := false
	inflight := l.inflightFor(account.ID)

	for _, w := range windows {
		since := now.Add(-w.Width)
		count, err := l.store.CountSendLogSince(account.ID, since)
		if err != nil {
			return Decision{}, fmt.Errorf("limiter: count send log: %w", err)
		}
		if count+inflight < w.Limit {
			continue
		}

		// Window is binding: the earliest instant it regains capacity is
		// one window-width past the oldest entry currently inside it.
		oldest, found, err := l.store.OldestSendLogSince(account.ID, since)
		if err != nil {
			return Decision{}, fmt.Errorf("limiter: oldest send log: %w", err)
		}
		candidate := now
		if found {
			candidate = oldest.Add(w.Width)
		}
		// The most binding window is the one whose capacity returns
		// last, so next_try_ts is the max over all binding candidates.
		if !blocked || candidate.After(nextTry) {
			mostBinding = w.Width
			nextTry = candidate
		}
		blocked = true
	}

	if !blocked {
		return Decision{Admitted: true}, nil
	}

	if account.OverLimitPolicy == store.OverLimitReject {
		return Decision{Rejected: true, BindingWindow: mostBinding}, nil
	}
	return Decision{NextTryTS: nextTry, BindingWindow: mostBinding}, nil
}

// RemainingQuota computes how many more sends account may make in its
// most binding window at now, for use by dispatch's ClaimReady call.
// Returns a large sentinel when the account has no configured limits.
func (l *Limiter) RemainingQuota(account store.Account, now time.Time) (int, error) {
	windows := windowsFor(account)
	if len(windows) == 0 {
		return 1 << 30, nil
	}

	remaining := 1 << 30
	inflight := l.inflightFor(account.ID)
	for _, w := range windows {
		count, err := l.store.CountSendLogSince(account.ID, now.Add(-w.Width))
		if err != nil {
			return 0, fmt.Errorf("limiter: count send log: %w", err)
		}
		r := w.Limit - count - inflight
		if r < remaining {
			remaining = r
		}
	}
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
