// Package sqlite is the embedded single-file StorageAdapter backend.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/elemta-relay/relaycore/internal/store"
)

// Store is an embedded, single-file StorageAdapter. SQLite has no
// SKIP LOCKED, so ClaimReady and the message-table mutations are
// serialized through writerMu, standing in for the "single writer
// transaction" requirement an embedded store carries. The send-log
// append and the account, tenant and config writes do not take
// writerMu; the single open connection orders them.
type Store struct {
	db       *sql.DB
	writerMu sync.Mutex
	logger   *slog.Logger
}

// Open creates or attaches to a SQLite-backed store at dbPath.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer embedded store

	s := &Store{
		db:     db,
		logger: slog.Default().With("component", "store-sqlite", "path", dbPath),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			pk TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			account_id TEXT NOT NULL,
			priority INTEGER NOT NULL,
			batch_code TEXT NOT NULL DEFAULT '',
			deferred_ts INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			payload_json TEXT NOT NULL,
			created_ts INTEGER NOT NULL,
			sent_ts INTEGER,
			error_ts INTEGER,
			bounce_ts INTEGER,
			reported_ts INTEGER,
			deferred_reason TEXT NOT NULL DEFAULT '',
			bounce_type TEXT NOT NULL DEFAULT '',
			bounce_code TEXT NOT NULL DEFAULT '',
			bounce_reason TEXT NOT NULL DEFAULT '',
			UNIQUE(tenant_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_ready ON messages(priority, deferred_ts, created_ts) WHERE sent_ts IS NULL AND error_ts IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_messages_unreported ON messages(tenant_id) WHERE reported_ts IS NULL`,
		`CREATE TABLE IF NOT EXISTS send_log (
			account_id TEXT NOT NULL,
			ts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_send_log_account_ts ON send_log(account_id, ts DESC)`,
		`CREATE TABLE IF NOT EXISTS accounts (id TEXT PRIMARY KEY, data_json TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS tenants (id TEXT PRIMARY KEY, data_json TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS config (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func timePtrFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0).UTC()
	return &t
}

func (s *Store) knownAccounts() (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT id FROM accounts`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, nil
}

func (s *Store) InsertMessages(batch []store.Message) ([]string, []store.RejectedMessage, error) {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	known, err := s.knownAccounts()
	if err != nil {
		return nil, nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	var accepted []string
	var rejected []store.RejectedMessage
	now := time.Now()

	for _, m := range batch {
		var existsPK string
		err := tx.QueryRow(`SELECT pk FROM messages WHERE tenant_id = ? AND id = ?`, m.TenantID, m.ID).Scan(&existsPK)
		if err == nil {
			rejected = append(rejected, store.RejectedMessage{ID: m.ID, Reason: "duplicate"})
			continue
		}
		if err != sql.ErrNoRows {
			return nil, nil, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
		}

		if verr := store.ValidateMessage(m, known); verr != nil {
			rejected = append(rejected, store.RejectedMessage{ID: m.ID, Reason: verr.Error()})
			continue
		}

		store.ApplyDefaults(&m, now)

		payloadJSON, err := json.Marshal(m.Payload)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal payload: %w", err)
		}

		_, err = tx.Exec(`INSERT INTO messages
			(pk, id, tenant_id, account_id, priority, batch_code, deferred_ts, retry_count, last_error, payload_json, created_ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.PK, m.ID, m.TenantID, m.AccountID, m.Priority, m.BatchCode,
			m.DeferredTS.Unix(), m.RetryCount, m.LastError, string(payloadJSON), m.CreatedTS.Unix())
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", store.ErrConflict, err)
		}
		accepted = append(accepted, m.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	return accepted, rejected, nil
}

func (s *Store) scanMessage(rows *sql.Rows) (store.Message, error) {
	var m store.Message
	var payloadJSON string
	var sentTS, errorTS, bounceTS, reportedTS sql.NullInt64
	var deferredTS, createdTS int64

	err := rows.Scan(&m.PK, &m.ID, &m.TenantID, &m.AccountID, &m.Priority, &m.BatchCode,
		&deferredTS, &m.RetryCount, &m.LastError, &payloadJSON, &createdTS,
		&sentTS, &errorTS, &bounceTS, &reportedTS,
		&m.DeferredReason, &m.BounceType, &m.BounceCode, &m.BounceReason)
	if err != nil {
		return m, err
	}

	m.DeferredTS = time.Unix(deferredTS, 0).UTC()
	m.CreatedTS = time.Unix(createdTS, 0).UTC()
	m.SentTS = timePtrFromNull(sentTS)
	m.ErrorTS = timePtrFromNull(errorTS)
	m.BounceTS = timePtrFromNull(bounceTS)
	m.ReportedTS = timePtrFromNull(reportedTS)

	if err := json.Unmarshal([]byte(payloadJSON), &m.Payload); err != nil {
		return m, fmt.Errorf("unmarshal payload: %w", err)
	}
	return m, nil
}

const messageColumns = `pk, id, tenant_id, account_id, priority, batch_code,
	deferred_ts, retry_count, last_error, payload_json, created_ts,
	sent_ts, error_ts, bounce_ts, reported_ts,
	deferred_reason, bounce_type, bounce_code, bounce_reason`

func (s *Store) ClaimReady(now time.Time, quotas []store.AccountQuota, limit int) ([]store.Message, error) {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	remaining := make(map[string]int, len(quotas))
	var acctIDs []string
	for _, q := range quotas {
		if q.Remaining > 0 {
			remaining[q.AccountID] = q.Remaining
			acctIDs = append(acctIDs, q.AccountID)
		}
	}
	if len(acctIDs) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(acctIDs))
	args := make([]interface{}, 0, len(acctIDs)+1)
	for i, id := range acctIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, now.Unix())

	query := fmt.Sprintf(`SELECT %s FROM messages
		WHERE sent_ts IS NULL AND error_ts IS NULL AND bounce_ts IS NULL
		AND account_id IN (%s) AND deferred_ts <= ?
		ORDER BY priority ASC, deferred_ts ASC, created_ts ASC`,
		messageColumns, joinPlaceholders(placeholders))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	tenants, err := s.allTenants()
	if err != nil {
		return nil, err
	}

	var out []store.Message
	claimedPerAccount := map[string]int{}
	for rows.Next() {
		if len(out) >= limit {
			break
		}
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		if t, ok := tenants[m.TenantID]; ok {
			if t.SuspendAll {
				continue
			}
			if m.BatchCode != "" && t.SuspendedBatches[m.BatchCode] {
				continue
			}
		}
		if claimedPerAccount[m.AccountID] >= remaining[m.AccountID] {
			continue
		}
		claimedPerAccount[m.AccountID]++
		out = append(out, m)
	}
	return out, nil
}

func joinPlaceholders(ps []string) string {
	out := ""
	for i, p := range ps {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

func (s *Store) allTenants() (map[string]store.Tenant, error) {
	ts, err := s.ListTenants()
	if err != nil {
		return nil, err
	}
	out := make(map[string]store.Tenant, len(ts))
	for _, t := range ts {
		out[t.ID] = t
	}
	return out, nil
}

func (s *Store) MarkSent(id string, ts time.Time) error {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()
	_, err := s.db.Exec(`UPDATE messages SET sent_ts = ? WHERE pk = ? AND sent_ts IS NULL AND error_ts IS NULL`, ts.Unix(), id)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) MarkError(id string, ts time.Time, errText string, nextDeferredTS *time.Time, newRetryCount int) error {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	if nextDeferredTS != nil {
		_, err := s.db.Exec(`UPDATE messages SET last_error = ?, deferred_ts = ?, retry_count = ?, deferred_reason = 'retry'
			WHERE pk = ? AND sent_ts IS NULL AND error_ts IS NULL AND deferred_ts <= ?`,
			errText, nextDeferredTS.Unix(), newRetryCount, id, nextDeferredTS.Unix())
		if err != nil {
			return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
		}
		return nil
	}

	_, err := s.db.Exec(`UPDATE messages SET last_error = ?, error_ts = ?, retry_count = ?
		WHERE pk = ? AND sent_ts IS NULL AND error_ts IS NULL`, errText, ts.Unix(), newRetryCount, id)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) DeferMessage(id string, ts time.Time, reason string) error {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	var current int64
	err := s.db.QueryRow(`SELECT deferred_ts FROM messages WHERE pk = ? AND sent_ts IS NULL AND error_ts IS NULL`, id).Scan(&current)
	if err == sql.ErrNoRows {
		// Missing or already terminal; idempotent no-op either way.
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	if ts.Unix() < current {
		return store.ErrValidation
	}
	_, err = s.db.Exec(`UPDATE messages SET deferred_ts = ?, deferred_reason = ?
		WHERE pk = ? AND sent_ts IS NULL AND error_ts IS NULL`, ts.Unix(), reason, id)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) ListTerminalUnreported(limit int, tenantID string) ([]store.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages
		WHERE (sent_ts IS NOT NULL OR error_ts IS NOT NULL OR bounce_ts IS NOT NULL)
		AND reported_ts IS NULL`, messageColumns)
	args := []interface{}{}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) MarkReported(ids []string, ts time.Time) error {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE messages SET reported_ts = ? WHERE pk = ? AND reported_ts IS NULL`, ts.Unix(), id); err != nil {
			return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
		}
	}
	return tx.Commit()
}

func (s *Store) DeleteReportedBefore(ts time.Time) (int, error) {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()
	res, err := s.db.Exec(`DELETE FROM messages WHERE reported_ts IS NOT NULL AND reported_ts < ?`, ts.Unix())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) DeleteReportedForTenantBefore(tenantID string, ts time.Time) (int, error) {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()
	res, err := s.db.Exec(`DELETE FROM messages WHERE tenant_id = ? AND reported_ts IS NOT NULL AND reported_ts < ?`, tenantID, ts.Unix())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) DeleteSendLogBefore(ts time.Time) (int, error) {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()
	res, err := s.db.Exec(`DELETE FROM send_log WHERE ts < ?`, ts.Unix())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) CountSendLogSince(accountID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM send_log WHERE account_id = ? AND ts > ?`, accountID, since.Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	return n, nil
}

func (s *Store) OldestSendLogSince(accountID string, since time.Time) (time.Time, bool, error) {
	var ts sql.NullInt64
	err := s.db.QueryRow(`SELECT MIN(ts) FROM send_log WHERE account_id = ? AND ts > ?`, accountID, since.Unix()).Scan(&ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), true, nil
}

func (s *Store) AppendSendLog(entry store.SendLogEntry) error {
	_, err := s.db.Exec(`INSERT INTO send_log (account_id, ts) VALUES (?, ?)`, entry.AccountID, entry.TS.Unix())
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) UpsertAccount(a store.Account) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO accounts (id, data_json) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET data_json = excluded.data_json`, a.ID, string(data))
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) ListAccounts() ([]store.Account, error) {
	rows, err := s.db.Query(`SELECT data_json FROM accounts`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	defer rows.Close()
	var out []store.Account
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var a store.Account
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) GetAccount(id string) (store.Account, error) {
	var data string
	err := s.db.QueryRow(`SELECT data_json FROM accounts WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return store.Account{}, store.ErrNotFound
	}
	if err != nil {
		return store.Account{}, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	var a store.Account
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return store.Account{}, err
	}
	return a, nil
}

func (s *Store) DeleteAccount(id string) error {
	_, err := s.db.Exec(`DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) UpsertTenant(t store.Tenant) error {
	if t.SuspendedBatches == nil {
		t.SuspendedBatches = map[string]bool{}
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO tenants (id, data_json) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET data_json = excluded.data_json`, t.ID, string(data))
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) ListTenants() ([]store.Tenant, error) {
	rows, err := s.db.Query(`SELECT data_json FROM tenants`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	defer rows.Close()
	var out []store.Tenant
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var t store.Tenant
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) GetTenant(id string) (store.Tenant, error) {
	var data string
	err := s.db.QueryRow(`SELECT data_json FROM tenants WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return store.Tenant{}, store.ErrNotFound
	}
	if err != nil {
		return store.Tenant{}, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	var t store.Tenant
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return store.Tenant{}, err
	}
	return t, nil
}

func (s *Store) DeleteTenant(id string) error {
	_, err := s.db.Exec(`DELETE FROM tenants WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) ListMessages(tenantID string, activeOnly bool) ([]store.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE 1=1`, messageColumns)
	var args []interface{}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	if activeOnly {
		query += ` AND sent_ts IS NULL AND error_ts IS NULL AND bounce_ts IS NULL`
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	defer rows.Close()
	var out []store.Message
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) DeleteMessages(tenantID string, ids []string) (int, int, error) {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()
	removed, notFound := 0, 0
	for _, id := range ids {
		res, err := s.db.Exec(`DELETE FROM messages WHERE tenant_id = ? AND id = ?`, tenantID, id)
		if err != nil {
			return removed, notFound, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			notFound++
		} else {
			removed++
		}
	}
	return removed, notFound, nil
}

func (s *Store) GetConfig(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	return v, true, nil
}

func (s *Store) SetConfig(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

var _ store.StorageAdapter = (*Store)(nil)
