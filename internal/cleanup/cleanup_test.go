package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elemta-relay/relaycore/internal/store"
	"github.com/elemta-relay/relaycore/internal/store/memtest"
)

func seedReported(t *testing.T, st *memtest.Store, tenantID, id string, reportedAt time.Time) {
	t.Helper()
	_, rejected, err := st.InsertMessages([]store.Message{{
		ID: id, TenantID: tenantID, AccountID: "A",
		Payload: store.Payload{From: "a@x", To: []string{"b@y"}, Subject: "s", Body: "b"},
	}})
	require.NoError(t, err)
	require.Empty(t, rejected)

	msgs, err := st.ListMessages(tenantID, false)
	require.NoError(t, err)
	for _, m := range msgs {
		if m.ID == id {
			require.NoError(t, st.MarkSent(m.PK, reportedAt.Add(-time.Minute)))
			require.NoError(t, st.MarkReported([]string{m.PK}, reportedAt))
			return
		}
	}
	t.Fatalf("seeded message %s not found", id)
}

func TestIteratePurgesPastRetention(t *testing.T) {
	st := memtest.New()
	require.NoError(t, st.UpsertAccount(store.Account{ID: "A", Host: "h", Port: 25}))

	now := time.Unix(1_000_000_000, 0)
	seedReported(t, st, "", "OLD", now.Add(-8*24*time.Hour))
	seedReported(t, st, "", "FRESH", now.Add(-time.Hour))

	loop := New(DefaultConfig(), st, nil, nil, func() time.Time { return now })
	require.NoError(t, loop.Iterate(context.Background()))

	msgs, err := st.ListMessages("", false)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "FRESH", msgs[0].ID)
}

func TestIterateHonorsTenantRetentionOverride(t *testing.T) {
	st := memtest.New()
	require.NoError(t, st.UpsertAccount(store.Account{ID: "A", Host: "h", Port: 25}))
	require.NoError(t, st.UpsertTenant(store.Tenant{ID: "SHORT", Active: true, RetentionOverrideHr: 24}))
	require.NoError(t, st.UpsertTenant(store.Tenant{ID: "LONG", Active: true, RetentionOverrideHr: 24 * 30}))

	now := time.Unix(1_000_000_000, 0)
	// Both reported 2 days ago: past SHORT's 24h override, inside LONG's 30d.
	seedReported(t, st, "SHORT", "S1", now.Add(-48*time.Hour))
	seedReported(t, st, "LONG", "L1", now.Add(-48*time.Hour))

	loop := New(DefaultConfig(), st, nil, nil, func() time.Time { return now })
	require.NoError(t, loop.Iterate(context.Background()))

	short, err := st.ListMessages("SHORT", false)
	require.NoError(t, err)
	assert.Empty(t, short)

	long, err := st.ListMessages("LONG", false)
	require.NoError(t, err)
	assert.Len(t, long, 1)
}

func TestIterateUnreportedNeverPurged(t *testing.T) {
	st := memtest.New()
	require.NoError(t, st.UpsertAccount(store.Account{ID: "A", Host: "h", Port: 25}))

	now := time.Unix(1_000_000_000, 0)
	_, rejected, err := st.InsertMessages([]store.Message{{
		ID: "PENDING", AccountID: "A",
		Payload: store.Payload{From: "a@x", To: []string{"b@y"}, Subject: "s", Body: "b"},
	}})
	require.NoError(t, err)
	require.Empty(t, rejected)

	loop := New(DefaultConfig(), st, nil, nil, func() time.Time { return now.Add(30 * 24 * time.Hour) })
	require.NoError(t, loop.Iterate(context.Background()))

	msgs, err := st.ListMessages("", false)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestIterateTruncatesSendLog(t *testing.T) {
	st := memtest.New()
	now := time.Unix(1_000_000_000, 0)

	require.NoError(t, st.AppendSendLog(store.SendLogEntry{AccountID: "A", TS: now.Add(-26 * time.Hour)}))
	require.NoError(t, st.AppendSendLog(store.SendLogEntry{AccountID: "A", TS: now.Add(-time.Hour)}))

	loop := New(DefaultConfig(), st, nil, nil, func() time.Time { return now })
	require.NoError(t, loop.Iterate(context.Background()))

	n, err := st.CountSendLogSince("A", now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
