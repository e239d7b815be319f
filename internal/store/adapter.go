package store

import "time"

// AccountQuota is the remaining send budget the limiter has computed for
// an account at the instant ClaimReady is called. A non-positive Remaining
// excludes the account from the claim.
type AccountQuota struct {
	AccountID string
	Remaining int
}

// StorageAdapter is the capability set every backend (embedded single-file
// or networked relational) must implement.
type StorageAdapter interface {
	// InsertMessages deduplicates by (tenant, id); accepted rows get
	// priority defaulted to PriorityMedium and DeferredTS defaulted to
	// submission time when absent.
	InsertMessages(batch []Message) (accepted []string, rejected []RejectedMessage, err error)

	// ClaimReady atomically returns up to limit non-terminal messages
	// whose DeferredTS <= now, whose account has positive remaining
	// quota, whose tenant is not globally suspended and whose batch is
	// not suspended, ordered by (priority, deferred_ts, created_ts).
	ClaimReady(now time.Time, quotas []AccountQuota, limit int) ([]Message, error)

	// MarkSent idempotently marks a message terminal-sent.
	MarkSent(id string, ts time.Time) error

	// MarkError idempotently records an error. When nextDeferredTS is
	// non-nil the message returns to pending at that time with
	// newRetryCount; otherwise it becomes terminal.
	MarkError(id string, ts time.Time, errText string, nextDeferredTS *time.Time, newRetryCount int) error

	// ListTerminalUnreported returns terminal messages with ReportedTS
	// unset, optionally scoped to one tenant.
	ListTerminalUnreported(limit int, tenantID string) ([]Message, error)

	// DeferMessage pushes a pending message's DeferredTS forward without
	// touching its retry counter, recording why (e.g. "rate_limited").
	// DeferredTS is monotonic non-decreasing, so a ts earlier than the
	// current value is rejected with ErrValidation.
	DeferMessage(id string, ts time.Time, reason string) error

	MarkReported(ids []string, ts time.Time) error
	DeleteReportedBefore(ts time.Time) (int, error)
	// DeleteReportedForTenantBefore is the tenant-scoped variant used when
	// a tenant carries a retention override. An empty tenantID matches
	// only messages submitted without a tenant.
	DeleteReportedForTenantBefore(tenantID string, ts time.Time) (int, error)
	DeleteSendLogBefore(ts time.Time) (int, error)

	// CountSendLogSince counts send-log rows for account in (since, now].
	CountSendLogSince(accountID string, since time.Time) (int, error)
	// OldestSendLogSince returns the timestamp of the oldest send-log row
	// for account in (since, now], used by the limiter to compute the
	// instant a binding window regains capacity.
	OldestSendLogSince(accountID string, since time.Time) (time.Time, bool, error)
	AppendSendLog(entry SendLogEntry) error

	UpsertAccount(a Account) error
	ListAccounts() ([]Account, error)
	GetAccount(id string) (Account, error)
	DeleteAccount(id string) error

	UpsertTenant(t Tenant) error
	ListTenants() ([]Tenant, error)
	GetTenant(id string) (Tenant, error)
	DeleteTenant(id string) error

	// ListMessages supports the list_messages submission-surface op.
	ListMessages(tenantID string, activeOnly bool) ([]Message, error)
	// DeleteMessages supports delete_messages; returns counts.
	DeleteMessages(tenantID string, ids []string) (removed int, notFound int, err error)

	GetConfig(key string) (string, bool, error)
	SetConfig(key, value string) error

	Close() error
}
