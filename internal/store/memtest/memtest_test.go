package memtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/elemta-relay/relaycore/internal/store"
)

func baseMessage(id string) store.Message {
	return store.Message{
		ID:        id,
		AccountID: "A",
		Priority:  store.PriorityUnset,
		Payload: store.Payload{
			From:    "a@x",
			To:      []string{"b@y"},
			Subject: "hi",
			Body:    "ok",
		},
	}
}

func seededStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	require.NoError(t, s.UpsertAccount(store.Account{ID: "A"}))
	accepted, rejected, err := s.InsertMessages([]store.Message{baseMessage("M1")})
	require.NoError(t, err)
	require.Empty(t, rejected)
	require.Len(t, accepted, 1)
	return s
}

func TestInsertDuplicateRejected(t *testing.T) {
	s := New()
	require.NoError(t, s.UpsertAccount(store.Account{ID: "A"}))

	accepted, rejected, err := s.InsertMessages([]store.Message{baseMessage("M1"), baseMessage("M1")})
	require.NoError(t, err)
	require.Equal(t, []string{"M1"}, accepted)
	require.Len(t, rejected, 1)
	require.Equal(t, "duplicate", rejected[0].Reason)
}

func TestInsertAppliesDefaults(t *testing.T) {
	s := New()
	require.NoError(t, s.UpsertAccount(store.Account{ID: "A"}))

	_, _, err := s.InsertMessages([]store.Message{baseMessage("M1")})
	require.NoError(t, err)

	msgs, err := s.ListMessages("", false)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, store.PriorityMedium, msgs[0].Priority)
	require.False(t, msgs[0].DeferredTS.IsZero())
	require.Nil(t, msgs[0].SentTS)
	require.Nil(t, msgs[0].ErrorTS)
	require.Nil(t, msgs[0].ReportedTS)
}

func TestValidationRejectsEmptyRecipients(t *testing.T) {
	s := New()
	require.NoError(t, s.UpsertAccount(store.Account{ID: "A"}))

	m := baseMessage("M1")
	m.Payload.To = nil
	_, rejected, err := s.InsertMessages([]store.Message{m})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
}

func TestClaimReadyOrdersByPriorityThenDeferredThenCreated(t *testing.T) {
	s := New()
	require.NoError(t, s.UpsertAccount(store.Account{ID: "A"}))

	now := time.Now()
	low := baseMessage("low")
	low.Priority = store.PriorityLow
	low.CreatedTS = now
	low.DeferredTS = now

	high := baseMessage("high")
	high.Priority = store.PriorityHigh
	high.CreatedTS = now
	high.DeferredTS = now

	_, _, err := s.InsertMessages([]store.Message{low, high})
	require.NoError(t, err)

	claimed, err := s.ClaimReady(now.Add(time.Second), []store.AccountQuota{{AccountID: "A", Remaining: 10}}, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, "high", claimed[0].ID)
	require.Equal(t, "low", claimed[1].ID)
}

func TestClaimReadyExcludesFutureDeferred(t *testing.T) {
	s := New()
	require.NoError(t, s.UpsertAccount(store.Account{ID: "A"}))

	m := baseMessage("M1")
	m.DeferredTS = time.Now().Add(time.Hour)
	_, _, err := s.InsertMessages([]store.Message{m})
	require.NoError(t, err)

	claimed, err := s.ClaimReady(time.Now(), []store.AccountQuota{{AccountID: "A", Remaining: 10}}, 10)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestMarkSentIsIdempotentAndTerminal(t *testing.T) {
	s := New()
	require.NoError(t, s.UpsertAccount(store.Account{ID: "A"}))
	accepted, _, _ := s.InsertMessages([]store.Message{baseMessage("M1")})
	require.Len(t, accepted, 1)

	msgs, _ := s.ListMessages("", false)
	pk := msgs[0].PK

	t0 := time.Now()
	require.NoError(t, s.MarkSent(pk, t0))
	require.NoError(t, s.MarkSent(pk, t0.Add(time.Hour))) // replay must not move ts

	msgs, _ = s.ListMessages("", false)
	require.True(t, msgs[0].SentTS.Equal(t0))
	require.Nil(t, msgs[0].ErrorTS)
}

func TestMarkErrorDeferThenTerminal(t *testing.T) {
	s := New()
	require.NoError(t, s.UpsertAccount(store.Account{ID: "A"}))
	s.InsertMessages([]store.Message{baseMessage("M1")})
	msgs, _ := s.ListMessages("", false)
	pk := msgs[0].PK

	next := msgs[0].DeferredTS.Add(time.Minute)
	require.NoError(t, s.MarkError(pk, time.Now(), "451 try later", &next, 1))

	msgs, _ = s.ListMessages("", false)
	require.False(t, msgs[0].IsTerminal())
	require.Equal(t, 1, msgs[0].RetryCount)
	require.Equal(t, next, msgs[0].DeferredTS)

	require.NoError(t, s.MarkError(pk, time.Now(), "550 no such user", nil, 1))
	msgs, _ = s.ListMessages("", false)
	require.True(t, msgs[0].IsTerminal())
	require.NotNil(t, msgs[0].ErrorTS)
}

func TestSendLogWindowCounting(t *testing.T) {
	s := New()
	now := time.Now()
	require.NoError(t, s.AppendSendLog(store.SendLogEntry{AccountID: "A", TS: now.Add(-30 * time.Second)}))
	require.NoError(t, s.AppendSendLog(store.SendLogEntry{AccountID: "A", TS: now.Add(-90 * time.Second)}))

	n, err := s.CountSendLogSince("A", now.Add(-60*time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestTenantSuspensionExcludesBatch(t *testing.T) {
	s := New()
	require.NoError(t, s.UpsertAccount(store.Account{ID: "A"}))
	require.NoError(t, s.UpsertTenant(store.Tenant{ID: "T", SuspendedBatches: map[string]bool{"NL-01": true}}))

	suspended := baseMessage("M10")
	suspended.TenantID = "T"
	suspended.BatchCode = "NL-01"

	free := baseMessage("M20")
	free.TenantID = "T"

	s.InsertMessages([]store.Message{suspended, free})

	claimed, err := s.ClaimReady(time.Now().Add(time.Second), []store.AccountQuota{{AccountID: "A", Remaining: 10}}, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "M20", claimed[0].ID)
}

func TestReportRoundTrip(t *testing.T) {
	s := New()
	require.NoError(t, s.UpsertAccount(store.Account{ID: "A"}))
	s.InsertMessages([]store.Message{baseMessage("M1")})
	msgs, _ := s.ListMessages("", false)
	pk := msgs[0].PK

	require.NoError(t, s.MarkSent(pk, time.Now()))
	unreported, err := s.ListTerminalUnreported(10, "")
	require.NoError(t, err)
	require.Len(t, unreported, 1)

	ts := time.Now()
	require.NoError(t, s.MarkReported([]string{pk}, ts))
	require.NoError(t, s.MarkReported([]string{pk}, ts.Add(time.Hour))) // idempotent replay

	unreported, _ = s.ListTerminalUnreported(10, "")
	require.Empty(t, unreported)
}

func TestDeferMessageIsMonotonic(t *testing.T) {
	s := seededStore(t)
	msgs, err := s.ListMessages("", false)
	require.NoError(t, err)
	pk := msgs[0].PK

	later := msgs[0].DeferredTS.Add(time.Minute)
	require.NoError(t, s.DeferMessage(pk, later, "rate_limited"))

	msgs, _ = s.ListMessages("", false)
	require.Equal(t, later.Unix(), msgs[0].DeferredTS.Unix())
	require.Equal(t, "rate_limited", msgs[0].DeferredReason)

	// Moving deferred_ts backwards is rejected.
	err = s.DeferMessage(pk, later.Add(-time.Hour), "rate_limited")
	require.ErrorIs(t, err, store.ErrValidation)
}

func TestDeferMessageTerminalIsNoOp(t *testing.T) {
	s := seededStore(t)
	msgs, _ := s.ListMessages("", false)
	pk := msgs[0].PK

	require.NoError(t, s.MarkSent(pk, time.Now()))
	require.NoError(t, s.DeferMessage(pk, time.Now().Add(time.Hour), "rate_limited"))

	msgs, _ = s.ListMessages("", false)
	require.Empty(t, msgs[0].DeferredReason)
}

func TestDeleteReportedForTenantBeforeScopes(t *testing.T) {
	s := New()
	require.NoError(t, s.UpsertAccount(store.Account{ID: "acct1", Host: "h", Port: 25}))

	for _, tc := range []struct{ tenant, id string }{
		{"T1", "A"}, {"T2", "B"}, {"", "C"},
	} {
		_, rejected, err := s.InsertMessages([]store.Message{{
			ID: tc.id, TenantID: tc.tenant, AccountID: "acct1",
			Payload: store.Payload{From: "f@x", To: []string{"t@y"}, Subject: "s", Body: "b"},
		}})
		require.NoError(t, err)
		require.Empty(t, rejected)
	}

	old := time.Now().Add(-48 * time.Hour)
	all, _ := s.ListMessages("", false)
	for _, m := range all {
		require.NoError(t, s.MarkSent(m.PK, old))
		require.NoError(t, s.MarkReported([]string{m.PK}, old))
	}

	n, err := s.DeleteReportedForTenantBefore("T1", time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	remaining, _ := s.ListMessages("", false)
	require.Len(t, remaining, 2)
	for _, m := range remaining {
		require.NotEqual(t, "T1", m.TenantID)
	}
}
