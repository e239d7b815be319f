package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elemta-relay/relaycore/internal/attachment"
	"github.com/elemta-relay/relaycore/internal/limiter"
	"github.com/elemta-relay/relaycore/internal/retry"
	"github.com/elemta-relay/relaycore/internal/store"
	"github.com/elemta-relay/relaycore/internal/store/memtest"
)

type sentRecord struct {
	accountID string
	from      string
	rcpts     []string
	data      []byte
}

// fakeDeliverer records sends and returns scripted errors per message id
// (matched against the X-Mail-ID header in the data).
type fakeDeliverer struct {
	mu    sync.Mutex
	sent  []sentRecord
	fail  map[string][]error // pk -> errors returned in order, then success
	calls map[string]int
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{fail: map[string][]error{}, calls: map[string]int{}}
}

func (f *fakeDeliverer) Deliver(ctx context.Context, account store.Account, from string, rcpts []string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	pk := extractMailID(data)
	n := f.calls[pk]
	f.calls[pk] = n + 1
	if errs, ok := f.fail[pk]; ok && n < len(errs) {
		return errs[n]
	}
	f.sent = append(f.sent, sentRecord{accountID: account.ID, from: from, rcpts: rcpts, data: data})
	return nil
}

func (f *fakeDeliverer) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func extractMailID(data []byte) string {
	for _, line := range strings.Split(string(data), "\r\n") {
		if strings.HasPrefix(line, "X-Mail-ID: ") {
			return strings.TrimPrefix(line, "X-Mail-ID: ")
		}
	}
	return ""
}

func testResolver() *attachment.Resolver {
	return attachment.New(attachment.Config{MaxConcurrentFetches: 4},
		attachment.Base64Fetcher{}, attachment.FilesystemFetcher{}, nil, nil)
}

func fixedSchedule() *retry.Schedule {
	return &retry.Schedule{
		Steps:      []time.Duration{60 * time.Second, 300 * time.Second},
		MaxRetries: 2,
		Rand:       rand.New(rand.NewSource(1)),
	}
}

func setupLoop(t *testing.T, st *memtest.Store, del Deliverer, now func() time.Time) *Loop {
	t.Helper()
	return New(Config{
		Interval:                time.Hour, // tests drive Iterate directly
		BatchSize:               50,
		MaxConcurrentSends:      8,
		MaxConcurrentPerAccount: 2,
		SendTimeout:             time.Second,
	}, st, limiter.New(st), testResolver(), nil, del, fixedSchedule(), nil, now)
}

func submit(t *testing.T, st *memtest.Store, msgs ...store.Message) []store.Message {
	t.Helper()
	accepted, rejected, err := st.InsertMessages(msgs)
	require.NoError(t, err)
	require.Empty(t, rejected)
	require.Len(t, accepted, len(msgs))
	stored, err := st.ListMessages("", false)
	require.NoError(t, err)
	return stored
}

func testMessage(id, accountID string) store.Message {
	return store.Message{
		ID:        id,
		AccountID: accountID,
		Priority:  store.PriorityMedium,
		// Pinned in the past so iterations driven by the tests' fixed
		// clocks always see the message as ready.
		DeferredTS: time.Unix(900, 0),
		Payload: store.Payload{
			From:    "a@x.example",
			To:      []string{"b@y.example"},
			Subject: "hi",
			Body:    "ok",
		},
	}
}

func TestIterateHappyPath(t *testing.T) {
	st := memtest.New()
	require.NoError(t, st.UpsertAccount(store.Account{ID: "A", Host: "smtp.example", Port: 587}))

	base := time.Unix(1000, 0)
	submit(t, st, testMessage("M1", "A"))

	del := newFakeDeliverer()
	loop := setupLoop(t, st, del, func() time.Time { return base.Add(time.Second) })

	require.NoError(t, loop.Iterate(context.Background()))

	require.Equal(t, 1, del.sentCount())
	msgs, err := st.ListMessages("", false)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].SentTS)
	assert.Nil(t, msgs[0].ErrorTS)
	assert.Equal(t, 0, msgs[0].RetryCount)

	// Send-log gained exactly one row for A.
	n, err := st.CountSendLogSince("A", base.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIterateTransientThenSuccess(t *testing.T) {
	st := memtest.New()
	require.NoError(t, st.UpsertAccount(store.Account{ID: "A", Host: "smtp.example", Port: 587}))

	stored := submit(t, st, testMessage("M1", "A"))
	pk := stored[0].PK

	del := newFakeDeliverer()
	del.fail[pk] = []error{&textproto.Error{Code: 451, Msg: "451 try later"}}

	now := time.Unix(1001, 0)
	loop := setupLoop(t, st, del, func() time.Time { return now })

	require.NoError(t, loop.Iterate(context.Background()))

	msgs, _ := st.ListMessages("", false)
	m := msgs[0]
	require.Nil(t, m.SentTS)
	require.Nil(t, m.ErrorTS)
	assert.Equal(t, 1, m.RetryCount)
	assert.Contains(t, m.LastError, "451")

	// deferred_ts = now + 60s ± 20% jitter.
	delta := m.DeferredTS.Sub(now)
	assert.GreaterOrEqual(t, delta, 48*time.Second)
	assert.LessOrEqual(t, delta, 72*time.Second)

	// No send-log row for the failed attempt.
	n, _ := st.CountSendLogSince("A", time.Unix(0, 0))
	assert.Equal(t, 0, n)

	// Second attempt after the backoff succeeds.
	now = m.DeferredTS.Add(time.Second)
	require.NoError(t, loop.Iterate(context.Background()))

	msgs, _ = st.ListMessages("", false)
	m = msgs[0]
	require.NotNil(t, m.SentTS)
	assert.Equal(t, 1, m.RetryCount)
	n, _ = st.CountSendLogSince("A", time.Unix(0, 0))
	assert.Equal(t, 1, n)
}

func TestIteratePermanentFailure(t *testing.T) {
	st := memtest.New()
	require.NoError(t, st.UpsertAccount(store.Account{ID: "A", Host: "smtp.example", Port: 587}))

	stored := submit(t, st, testMessage("M1", "A"))
	pk := stored[0].PK

	del := newFakeDeliverer()
	del.fail[pk] = []error{&textproto.Error{Code: 550, Msg: "550 no such user"}}

	loop := setupLoop(t, st, del, func() time.Time { return time.Unix(1001, 0) })
	require.NoError(t, loop.Iterate(context.Background()))

	msgs, _ := st.ListMessages("", false)
	m := msgs[0]
	require.NotNil(t, m.ErrorTS)
	assert.Nil(t, m.SentTS)
	assert.Contains(t, m.LastError, "550")

	n, _ := st.CountSendLogSince("A", time.Unix(0, 0))
	assert.Equal(t, 0, n)
}

func TestIterateRetriesExhausted(t *testing.T) {
	st := memtest.New()
	require.NoError(t, st.UpsertAccount(store.Account{ID: "A", Host: "smtp.example", Port: 587}))

	stored := submit(t, st, testMessage("M1", "A"))
	pk := stored[0].PK

	del := newFakeDeliverer()
	del.fail[pk] = []error{
		&textproto.Error{Code: 451, Msg: "451 busy"},
		&textproto.Error{Code: 451, Msg: "451 busy"},
		&textproto.Error{Code: 451, Msg: "451 busy"},
	}

	now := time.Unix(1000, 0)
	loop := setupLoop(t, st, del, func() time.Time { return now })

	// MaxRetries=2: attempts at retry_count 0 and 1 defer, the third
	// attempt exhausts the schedule.
	for i := 0; i < 3; i++ {
		require.NoError(t, loop.Iterate(context.Background()))
		msgs, _ := st.ListMessages("", false)
		now = msgs[0].DeferredTS.Add(time.Second)
	}

	msgs, _ := st.ListMessages("", false)
	m := msgs[0]
	require.NotNil(t, m.ErrorTS)
	assert.Contains(t, m.LastError, "max retries exceeded")
}

func TestIterateRateLimitDefer(t *testing.T) {
	st := memtest.New()
	require.NoError(t, st.UpsertAccount(store.Account{
		ID: "A", Host: "smtp.example", Port: 587,
		LimitPerMinute: 2, OverLimitPolicy: store.OverLimitDefer,
	}))

	submit(t, st,
		testMessage("M1", "A"),
		testMessage("M2", "A"),
		testMessage("M3", "A"),
	)

	del := newFakeDeliverer()
	base := time.Unix(1000, 0)
	loop := setupLoop(t, st, del, func() time.Time { return base })

	require.NoError(t, loop.Iterate(context.Background()))

	// Two sent, third still pending.
	assert.Equal(t, 2, del.sentCount())
	active, _ := st.ListMessages("", true)
	require.Len(t, active, 1)

	// Second pass at the same instant defers the third to the earliest
	// capacity moment (oldest send-log entry + 60s).
	require.NoError(t, loop.Iterate(context.Background()))
	active, _ = st.ListMessages("", true)
	require.Len(t, active, 1)
	got := active[0]
	assert.Equal(t, "rate_limited", got.DeferredReason)
	assert.Equal(t, base.Add(time.Minute).Unix(), got.DeferredTS.Unix())
	assert.Equal(t, 0, got.RetryCount) // rate-limit defer is not an error

	// Once the window clears, the third goes out.
	loop.now = func() time.Time { return base.Add(61 * time.Second) }
	require.NoError(t, loop.Iterate(context.Background()))
	assert.Equal(t, 3, del.sentCount())
}

func TestIterateRateLimitReject(t *testing.T) {
	st := memtest.New()
	require.NoError(t, st.UpsertAccount(store.Account{
		ID: "A", Host: "smtp.example", Port: 587,
		LimitPerMinute: 1, OverLimitPolicy: store.OverLimitReject,
	}))

	submit(t, st, testMessage("M1", "A"), testMessage("M2", "A"))

	del := newFakeDeliverer()
	loop := setupLoop(t, st, del, func() time.Time { return time.Unix(1000, 0) })

	require.NoError(t, loop.Iterate(context.Background()))
	require.NoError(t, loop.Iterate(context.Background()))

	assert.Equal(t, 1, del.sentCount())

	msgs, _ := st.ListMessages("", false)
	var rejected *store.Message
	for i := range msgs {
		if msgs[i].ErrorTS != nil {
			rejected = &msgs[i]
		}
	}
	require.NotNil(t, rejected)
	assert.Equal(t, "rate_limited", rejected.LastError)
}

func TestIteratePriorityOrderWithinAccount(t *testing.T) {
	st := memtest.New()
	require.NoError(t, st.UpsertAccount(store.Account{ID: "A", Host: "smtp.example", Port: 587}))

	low := testMessage("LOW", "A")
	low.Priority = store.PriorityLow
	high := testMessage("HIGH", "A")
	high.Priority = store.PriorityHigh

	submit(t, st, low, high)

	var mu sync.Mutex
	var order []string
	del := delivererFunc(func(ctx context.Context, account store.Account, from string, rcpts []string, data []byte) error {
		mu.Lock()
		order = append(order, extractMailID(data))
		mu.Unlock()
		return nil
	})

	loop := setupLoop(t, st, del, func() time.Time { return time.Unix(1000, 0) })
	// Single worker makes begin-order equal to completion order.
	loop.cfg.MaxConcurrentPerAccount = 1

	require.NoError(t, loop.Iterate(context.Background()))

	msgs, _ := st.ListMessages("", false)
	pkByID := map[string]string{}
	for _, m := range msgs {
		pkByID[m.ID] = m.PK
	}
	require.Equal(t, []string{pkByID["HIGH"], pkByID["LOW"]}, order)
}

type delivererFunc func(ctx context.Context, account store.Account, from string, rcpts []string, data []byte) error

func (f delivererFunc) Deliver(ctx context.Context, account store.Account, from string, rcpts []string, data []byte) error {
	return f(ctx, account, from, rcpts, data)
}

func TestIterateSkipsSuspendedBatch(t *testing.T) {
	st := memtest.New()
	require.NoError(t, st.UpsertAccount(store.Account{ID: "A", Host: "smtp.example", Port: 587}))
	require.NoError(t, st.UpsertTenant(store.Tenant{
		ID: "T", Active: true,
		SuspendedBatches: map[string]bool{"NL-01": true},
	}))

	inBatch := testMessage("M10", "A")
	inBatch.TenantID = "T"
	inBatch.BatchCode = "NL-01"
	free := testMessage("M20", "A")
	free.TenantID = "T"

	submit(t, st, inBatch, free)

	del := newFakeDeliverer()
	loop := setupLoop(t, st, del, func() time.Time { return time.Unix(1000, 0) })

	require.NoError(t, loop.Iterate(context.Background()))

	require.Equal(t, 1, del.sentCount())
	active, _ := st.ListMessages("T", true)
	require.Len(t, active, 1)
	assert.Equal(t, "M10", active[0].ID)
}

func TestIterateGlobalSuspension(t *testing.T) {
	st := memtest.New()
	require.NoError(t, st.UpsertAccount(store.Account{ID: "A", Host: "smtp.example", Port: 587}))
	require.NoError(t, st.SetConfig(SuspendedConfigKey, "true"))

	submit(t, st, testMessage("M1", "A"))

	del := newFakeDeliverer()
	loop := setupLoop(t, st, del, func() time.Time { return time.Unix(1000, 0) })

	require.NoError(t, loop.Iterate(context.Background()))
	assert.Equal(t, 0, del.sentCount())

	require.NoError(t, st.SetConfig(SuspendedConfigKey, "false"))
	require.NoError(t, loop.Iterate(context.Background()))
	assert.Equal(t, 1, del.sentCount())
}

func TestIterateAttachmentFailureIsTransient(t *testing.T) {
	st := memtest.New()
	require.NoError(t, st.UpsertAccount(store.Account{ID: "A", Host: "smtp.example", Port: 587}))

	m := testMessage("M1", "A")
	m.Payload.Attachments = []store.AttachmentDescriptor{{
		Filename:    "missing.bin",
		StoragePath: "/nonexistent/path/missing.bin",
		FetchMode:   store.FetchFilesystem,
	}}
	submit(t, st, m)

	del := newFakeDeliverer()
	loop := setupLoop(t, st, del, func() time.Time { return time.Unix(1000, 0) })

	require.NoError(t, loop.Iterate(context.Background()))

	assert.Equal(t, 0, del.sentCount())
	msgs, _ := st.ListMessages("", false)
	got := msgs[0]
	require.Nil(t, got.ErrorTS)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.LastError, "attachment resolve")
}

func TestIterateBase64AttachmentSent(t *testing.T) {
	st := memtest.New()
	require.NoError(t, st.UpsertAccount(store.Account{ID: "A", Host: "smtp.example", Port: 587}))

	m := testMessage("M1", "A")
	m.Payload.Attachments = []store.AttachmentDescriptor{{
		Filename:    "note.txt",
		StoragePath: "base64:aGVsbG8=",
		FetchMode:   store.FetchBase64,
	}}
	submit(t, st, m)

	del := newFakeDeliverer()
	loop := setupLoop(t, st, del, func() time.Time { return time.Unix(1000, 0) })

	require.NoError(t, loop.Iterate(context.Background()))
	require.Equal(t, 1, del.sentCount())
	assert.Contains(t, string(del.sent[0].data), "multipart/mixed")
}

func TestWakeDoesNotBlock(t *testing.T) {
	st := memtest.New()
	loop := setupLoop(t, st, newFakeDeliverer(), nil)
	for i := 0; i < 10; i++ {
		loop.Wake()
	}
}

func TestRecordOutcomeUnclassifiedIsTransient(t *testing.T) {
	st := memtest.New()
	require.NoError(t, st.UpsertAccount(store.Account{ID: "A", Host: "smtp.example", Port: 587}))

	stored := submit(t, st, testMessage("M1", "A"))
	pk := stored[0].PK

	del := newFakeDeliverer()
	del.fail[pk] = []error{errors.New("unexpected server response")}

	loop := setupLoop(t, st, del, func() time.Time { return time.Unix(1000, 0) })
	require.NoError(t, loop.Iterate(context.Background()))

	msgs, _ := st.ListMessages("", false)
	require.Nil(t, msgs[0].ErrorTS)
	assert.Equal(t, 1, msgs[0].RetryCount)
}

func TestIterateManyMessagesAllDelivered(t *testing.T) {
	st := memtest.New()
	require.NoError(t, st.UpsertAccount(store.Account{ID: "A", Host: "smtp.example", Port: 587}))
	require.NoError(t, st.UpsertAccount(store.Account{ID: "B", Host: "smtp2.example", Port: 587}))

	var batch []store.Message
	for i := 0; i < 20; i++ {
		acct := "A"
		if i%2 == 1 {
			acct = "B"
		}
		batch = append(batch, testMessage(fmt.Sprintf("M%02d", i), acct))
	}
	accepted, rejected, err := st.InsertMessages(batch)
	require.NoError(t, err)
	require.Empty(t, rejected)
	require.Len(t, accepted, 20)

	del := newFakeDeliverer()
	loop := setupLoop(t, st, del, func() time.Time { return time.Unix(1000, 0) })

	require.NoError(t, loop.Iterate(context.Background()))
	assert.Equal(t, 20, del.sentCount())

	active, _ := st.ListMessages("", true)
	assert.Empty(t, active)
}
