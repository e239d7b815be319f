package metrics

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"
)

// ValkeyStore mirrors delivery outcomes into Valkey, broken down by
// account and tenant, so operators can see which submission account or
// tenant is burning its quota or bouncing without scraping the
// in-process registry (which resets with the process).
//
// Layout:
//
//	relaycore:acct:<id>        hash: sent, deferred_retry, deferred_rate_limited,
//	                                 failed_transient, failed_permanent, failed_rate_limited
//	relaycore:acct:<id>:day:<YYYY-MM-DD>  same fields, 7-day TTL
//	relaycore:tenant:<id>      hash: sent, failed, reported
//	relaycore:errors:<acct>    list of recent error JSON blobs, capped at 50
type ValkeyStore struct {
	client valkey.Client
	prefix string
}

// AccountStats is the decoded per-account counter hash.
type AccountStats struct {
	Sent                int64 `json:"sent"`
	DeferredRetry       int64 `json:"deferred_retry"`
	DeferredRateLimited int64 `json:"deferred_rate_limited"`
	FailedTransient     int64 `json:"failed_transient"`
	FailedPermanent     int64 `json:"failed_permanent"`
	FailedRateLimited   int64 `json:"failed_rate_limited"`
}

// TenantStats is the decoded per-tenant counter hash.
type TenantStats struct {
	Sent     int64 `json:"sent"`
	Failed   int64 `json:"failed"`
	Reported int64 `json:"reported"`
}

// RecentError is one entry of an account's recent-error list.
type RecentError struct {
	MessageID string `json:"message_id"`
	Recipient string `json:"recipient"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

const (
	recentErrorsKept = 50
	dayBucketTTL     = 7 * 24 * time.Hour
)

// NewValkeyStore connects to the Valkey instance at addr.
func NewValkeyStore(addr string) (*ValkeyStore, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
	})
	if err != nil {
		return nil, err
	}

	return &ValkeyStore{
		client: client,
		prefix: "relaycore:",
	}, nil
}

// Close closes the Valkey connection.
func (s *ValkeyStore) Close() {
	s.client.Close()
}

func (s *ValkeyStore) acctKey(accountID string) string { return s.prefix + "acct:" + accountID }

func (s *ValkeyStore) acctDayKey(accountID string, now time.Time) string {
	return s.acctKey(accountID) + ":day:" + now.UTC().Format("2006-01-02")
}

func (s *ValkeyStore) tenantKey(tenantID string) string {
	if tenantID == "" {
		tenantID = "-"
	}
	return s.prefix + "tenant:" + tenantID
}

// bumpAccount increments one field on the account's all-time hash and
// on today's bucket, which expires after a week.
func (s *ValkeyStore) bumpAccount(ctx context.Context, accountID, field string) error {
	dayKey := s.acctDayKey(accountID, time.Now())
	cmds := []valkey.Completed{
		s.client.B().Hincrby().Key(s.acctKey(accountID)).Field(field).Increment(1).Build(),
		s.client.B().Hincrby().Key(dayKey).Field(field).Increment(1).Build(),
		s.client.B().Expire().Key(dayKey).Seconds(int64(dayBucketTTL.Seconds())).Build(),
	}
	for _, cmd := range cmds {
		if err := s.client.Do(ctx, cmd).Error(); err != nil {
			return err
		}
	}
	return nil
}

func (s *ValkeyStore) bumpTenant(ctx context.Context, tenantID, field string) error {
	cmd := s.client.B().Hincrby().Key(s.tenantKey(tenantID)).Field(field).Increment(1).Build()
	return s.client.Do(ctx, cmd).Error()
}

// RecordSent counts one acknowledged delivery against its account and
// tenant.
func (s *ValkeyStore) RecordSent(ctx context.Context, accountID, tenantID string) error {
	if err := s.bumpAccount(ctx, accountID, "sent"); err != nil {
		return err
	}
	return s.bumpTenant(ctx, tenantID, "sent")
}

// RecordDeferred counts a message pushed back to pending. reason is
// "retry" for backoff defers and "rate_limited" for limiter defers.
func (s *ValkeyStore) RecordDeferred(ctx context.Context, accountID, reason string) error {
	return s.bumpAccount(ctx, accountID, "deferred_"+reason)
}

// RecordFailed counts a terminal failure against account and tenant and
// pushes the error onto the account's recent-error list. kind is
// "transient" (retries exhausted), "permanent", or "rate_limited".
func (s *ValkeyStore) RecordFailed(ctx context.Context, accountID, tenantID, kind, messageID, recipient, errMsg string) error {
	if err := s.bumpAccount(ctx, accountID, "failed_"+kind); err != nil {
		return err
	}
	if err := s.bumpTenant(ctx, tenantID, "failed"); err != nil {
		return err
	}

	blob, err := json.Marshal(RecentError{
		MessageID: messageID,
		Recipient: recipient,
		Error:     errMsg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	key := s.prefix + "errors:" + accountID
	cmds := []valkey.Completed{
		s.client.B().Lpush().Key(key).Element(string(blob)).Build(),
		s.client.B().Ltrim().Key(key).Start(0).Stop(recentErrorsKept - 1).Build(),
	}
	for _, cmd := range cmds {
		if err := s.client.Do(ctx, cmd).Error(); err != nil {
			return err
		}
	}
	return nil
}

// RecordReported counts n messages acknowledged by a tenant's report
// sink.
func (s *ValkeyStore) RecordReported(ctx context.Context, tenantID string, n int) error {
	cmd := s.client.B().Hincrby().Key(s.tenantKey(tenantID)).Field("reported").Increment(int64(n)).Build()
	return s.client.Do(ctx, cmd).Error()
}

func hashField(m map[string]string, field string) int64 {
	v, _ := strconv.ParseInt(m[field], 10, 64)
	return v
}

// GetAccountStats reads an account's all-time counters.
func (s *ValkeyStore) GetAccountStats(ctx context.Context, accountID string) (*AccountStats, error) {
	m, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.acctKey(accountID)).Build()).AsStrMap()
	if err != nil {
		return nil, err
	}
	return &AccountStats{
		Sent:                hashField(m, "sent"),
		DeferredRetry:       hashField(m, "deferred_retry"),
		DeferredRateLimited: hashField(m, "deferred_rate_limited"),
		FailedTransient:     hashField(m, "failed_transient"),
		FailedPermanent:     hashField(m, "failed_permanent"),
		FailedRateLimited:   hashField(m, "failed_rate_limited"),
	}, nil
}

// GetAccountDayStats reads one day's bucket for an account; day is in
// UTC.
func (s *ValkeyStore) GetAccountDayStats(ctx context.Context, accountID string, day time.Time) (*AccountStats, error) {
	m, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.acctDayKey(accountID, day)).Build()).AsStrMap()
	if err != nil {
		return nil, err
	}
	return &AccountStats{
		Sent:                hashField(m, "sent"),
		DeferredRetry:       hashField(m, "deferred_retry"),
		DeferredRateLimited: hashField(m, "deferred_rate_limited"),
		FailedTransient:     hashField(m, "failed_transient"),
		FailedPermanent:     hashField(m, "failed_permanent"),
		FailedRateLimited:   hashField(m, "failed_rate_limited"),
	}, nil
}

// GetTenantStats reads a tenant's counters. An empty tenantID reads
// the bucket for untenanted traffic.
func (s *ValkeyStore) GetTenantStats(ctx context.Context, tenantID string) (*TenantStats, error) {
	m, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.tenantKey(tenantID)).Build()).AsStrMap()
	if err != nil {
		return nil, err
	}
	return &TenantStats{
		Sent:     hashField(m, "sent"),
		Failed:   hashField(m, "failed"),
		Reported: hashField(m, "reported"),
	}, nil
}

// GetRecentErrors reads the newest entries of an account's error list.
func (s *ValkeyStore) GetRecentErrors(ctx context.Context, accountID string, limit int64) ([]RecentError, error) {
	key := s.prefix + "errors:" + accountID
	items, err := s.client.Do(ctx, s.client.B().Lrange().Key(key).Start(0).Stop(limit-1).Build()).AsStrSlice()
	if err != nil {
		return nil, err
	}

	out := make([]RecentError, 0, len(items))
	for _, item := range items {
		var re RecentError
		if err := json.Unmarshal([]byte(item), &re); err != nil {
			continue
		}
		out = append(out, re)
	}
	return out, nil
}
