package limiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/elemta-relay/relaycore/internal/store"
	"github.com/elemta-relay/relaycore/internal/store/memtest"
)

func TestUnboundedAccountAdmitsUnconditionally(t *testing.T) {
	s := memtest.New()
	l := New(s)

	dec, err := l.Check(store.Account{ID: "A"}, time.Now())
	require.NoError(t, err)
	require.True(t, dec.Admitted)
}

func TestDeferWhenMinuteWindowFull(t *testing.T) {
	s := memtest.New()
	l := New(s)
	now := time.Now()

	acct := store.Account{ID: "A", LimitPerMinute: 2, OverLimitPolicy: store.OverLimitDefer}
	require.NoError(t, s.AppendSendLog(store.SendLogEntry{AccountID: "A", TS: now}))
	require.NoError(t, s.AppendSendLog(store.SendLogEntry{AccountID: "A", TS: now}))

	dec, err := l.Check(acct, now)
	require.NoError(t, err)
	require.False(t, dec.Admitted)
	require.False(t, dec.Rejected)
	require.WithinDuration(t, now.Add(60*time.Second), dec.NextTryTS, 2*time.Second)
}

func TestRejectWhenPolicyIsReject(t *testing.T) {
	s := memtest.New()
	l := New(s)
	now := time.Now()

	acct := store.Account{ID: "A", LimitPerMinute: 1, OverLimitPolicy: store.OverLimitReject}
	require.NoError(t, s.AppendSendLog(store.SendLogEntry{AccountID: "A", TS: now}))

	dec, err := l.Check(acct, now)
	require.NoError(t, err)
	require.True(t, dec.Rejected)
}

func TestRemainingQuotaAcrossWindows(t *testing.T) {
	s := memtest.New()
	l := New(s)
	now := time.Now()

	acct := store.Account{ID: "A", LimitPerMinute: 5, LimitPerHour: 6}
	for i := 0; i < 4; i++ {
		require.NoError(t, s.AppendSendLog(store.SendLogEntry{AccountID: "A", TS: now}))
	}

	remaining, err := l.RemainingQuota(acct, now)
	require.NoError(t, err)
	require.Equal(t, 1, remaining) // hour window (6-4=2) less binding than minute (5-4=1)
}

func TestNextTryIsLatestAcrossBindingWindows(t *testing.T) {
	s := memtest.New()
	l := New(s)
	now := time.Unix(100_000, 0)

	// Both windows bind. The day window's oldest entry is 23h old, so
	// its capacity returns in 1h; the minute window's oldest is 30s
	// old, returning in 30s. next_try_ts must honor the later one.
	acct := store.Account{ID: "A", LimitPerMinute: 2, LimitPerDay: 3, OverLimitPolicy: store.OverLimitDefer}
	require.NoError(t, s.AppendSendLog(store.SendLogEntry{AccountID: "A", TS: now.Add(-23 * time.Hour)}))
	require.NoError(t, s.AppendSendLog(store.SendLogEntry{AccountID: "A", TS: now.Add(-30 * time.Second)}))
	require.NoError(t, s.AppendSendLog(store.SendLogEntry{AccountID: "A", TS: now.Add(-10 * time.Second)}))

	dec, err := l.Check(acct, now)
	require.NoError(t, err)
	require.False(t, dec.Admitted)
	require.Equal(t, now.Add(time.Hour).Unix(), dec.NextTryTS.Unix())
	require.Equal(t, 24*time.Hour, dec.BindingWindow)
}

func TestInflightReservationsCountAgainstWindows(t *testing.T) {
	s := memtest.New()
	l := New(s)
	now := time.Now()

	acct := store.Account{ID: "A", LimitPerMinute: 2, OverLimitPolicy: store.OverLimitDefer}
	require.NoError(t, s.AppendSendLog(store.SendLogEntry{AccountID: "A", TS: now}))

	// One row plus one reserved slot fills the minute window.
	l.Begin("A")
	dec, err := l.Check(acct, now)
	require.NoError(t, err)
	require.False(t, dec.Admitted)

	remaining, err := l.RemainingQuota(acct, now)
	require.NoError(t, err)
	require.Equal(t, 0, remaining)

	// Releasing the slot restores capacity.
	l.End("A")
	dec, err = l.Check(acct, now)
	require.NoError(t, err)
	require.True(t, dec.Admitted)
}
