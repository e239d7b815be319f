// Package sqlrelational is the networked relational StorageAdapter
// backend for MySQL and PostgreSQL. Unlike the embedded sqlite backend
// it relies on row-level locking ("SELECT ... FOR UPDATE SKIP LOCKED")
// instead of a process-wide writer mutex, so concurrent relay processes
// can share one database.
package sqlrelational

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/elemta-relay/relaycore/internal/store"
)

// Dialect abstracts the placeholder syntax and SKIP LOCKED clause that
// differ between MySQL and PostgreSQL.
type Dialect interface {
	DriverName() string
	Placeholder(n int) string
	SkipLocked() string
	Upsert(table, idCol, dataCol string) string
}

type postgresDialect struct{}

func (postgresDialect) DriverName() string        { return "postgres" }
func (postgresDialect) Placeholder(n int) string   { return fmt.Sprintf("$%d", n) }
func (postgresDialect) SkipLocked() string         { return "FOR UPDATE SKIP LOCKED" }
func (postgresDialect) Upsert(table, idCol, dataCol string) string {
	return fmt.Sprintf(`INSERT INTO %s (%s, %s) VALUES ($1, $2)
		ON CONFLICT (%s) DO UPDATE SET %s = excluded.%s`, table, idCol, dataCol, idCol, dataCol, dataCol)
}

type mysqlDialect struct{}

func (mysqlDialect) DriverName() string      { return "mysql" }
func (mysqlDialect) Placeholder(int) string  { return "?" }
func (mysqlDialect) SkipLocked() string      { return "FOR UPDATE SKIP LOCKED" }
func (mysqlDialect) Upsert(table, idCol, dataCol string) string {
	return fmt.Sprintf(`INSERT INTO %s (%s, %s) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE %s = VALUES(%s)`, table, idCol, dataCol, dataCol, dataCol)
}

// Store is a networked relational StorageAdapter.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// OpenPostgres connects to a PostgreSQL database using lib/pq.
func OpenPostgres(dsn string) (*Store, error) {
	return open(postgresDialect{}, dsn)
}

// OpenMySQL connects to a MySQL database using go-sql-driver/mysql.
func OpenMySQL(dsn string) (*Store, error) {
	return open(mysqlDialect{}, dsn)
}

func open(d Dialect, dsn string) (*Store, error) {
	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	s := &Store{db: db, dialect: d, logger: slog.Default().With("component", "store-sql", "dialect", d.DriverName())}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	// Column types are kept portable across MySQL/PostgreSQL: TEXT, BIGINT.
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			pk VARCHAR(128) PRIMARY KEY,
			id VARCHAR(255) NOT NULL,
			tenant_id VARCHAR(128) NOT NULL DEFAULT '',
			account_id VARCHAR(128) NOT NULL,
			priority INTEGER NOT NULL,
			batch_code VARCHAR(128) NOT NULL DEFAULT '',
			deferred_ts BIGINT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			payload_json TEXT NOT NULL,
			created_ts BIGINT NOT NULL,
			sent_ts BIGINT,
			error_ts BIGINT,
			bounce_ts BIGINT,
			reported_ts BIGINT,
			deferred_reason VARCHAR(64) NOT NULL DEFAULT '',
			bounce_type VARCHAR(64) NOT NULL DEFAULT '',
			bounce_code VARCHAR(64) NOT NULL DEFAULT '',
			bounce_reason TEXT,
			UNIQUE(tenant_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS send_log (account_id VARCHAR(128) NOT NULL, ts BIGINT NOT NULL)`,
		`CREATE INDEX IF NOT EXISTS idx_send_log_account_ts ON send_log(account_id, ts)`,
		`CREATE TABLE IF NOT EXISTS accounts (id VARCHAR(128) PRIMARY KEY, data_json TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS tenants (id VARCHAR(128) PRIMARY KEY, data_json TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS config (k VARCHAR(255) PRIMARY KEY, v TEXT NOT NULL)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const messageColumns = `pk, id, tenant_id, account_id, priority, batch_code,
	deferred_ts, retry_count, last_error, payload_json, created_ts,
	sent_ts, error_ts, bounce_ts, reported_ts,
	deferred_reason, bounce_type, bounce_code, bounce_reason`

func (s *Store) ph(n int) string { return s.dialect.Placeholder(n) }

func timePtrFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0).UTC()
	return &t
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

func (s *Store) knownAccounts(tx *sql.Tx) (map[string]bool, error) {
	rows, err := tx.Query(`SELECT id FROM accounts`)
	if err != nil {
		return nil, err
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
	tx, err := s.db.Begin()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	known, err := s.knownAccounts(tx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}

	var accepted []string
	var rejected []store.RejectedMessage
	now := time.Now()

	for _, m := range batch {
		existsQuery := fmt.Sprintf(`SELECT pk FROM messages WHERE tenant_id = %s AND id = %s`, s.ph(1), s.ph(2))
		var existsPK string
		err := tx.QueryRow(existsQuery, m.TenantID, m.ID).Scan(&existsPK)
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

		insert := fmt.Sprintf(`INSERT INTO messages
			(pk, id, tenant_id, account_id, priority, batch_code, deferred_ts, retry_count, last_error, payload_json, created_ts)
			VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10), s.ph(11))
		_, err = tx.Exec(insert, m.PK, m.ID, m.TenantID, m.AccountID, m.Priority, m.BatchCode,
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

// ClaimReady locks candidate rows with FOR UPDATE SKIP LOCKED so two relay
// processes sharing this database never claim the same message twice.
func (s *Store) ClaimReady(now time.Time, quotas []store.AccountQuota, limit int) ([]store.Message, error) {
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

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	placeholders := make([]string, len(acctIDs))
	args := make([]interface{}, 0, len(acctIDs)+1)
	for i, id := range acctIDs {
		placeholders[i] = s.ph(i + 1)
		args = append(args, id)
	}
	args = append(args, now.Unix())

	query := fmt.Sprintf(`SELECT %s FROM messages
		WHERE sent_ts IS NULL AND error_ts IS NULL AND bounce_ts IS NULL
		AND account_id IN (%s) AND deferred_ts <= %s
		ORDER BY priority ASC, deferred_ts ASC, created_ts ASC
		%s`, messageColumns, joinCommas(placeholders), s.ph(len(acctIDs)+1), s.dialect.SkipLocked())

	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}

	tenants, err := s.listTenantsTx(tx)
	if err != nil {
		rows.Close()
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
			rows.Close()
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
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	return out, nil
}

func joinCommas(ps []string) string {
	out := ""
	for i, p := range ps {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

func (s *Store) listTenantsTx(tx *sql.Tx) (map[string]store.Tenant, error) {
	rows, err := tx.Query(`SELECT data_json FROM tenants`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]store.Tenant{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var t store.Tenant
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, err
		}
		out[t.ID] = t
	}
	return out, nil
}

func (s *Store) MarkSent(id string, ts time.Time) error {
	q := fmt.Sprintf(`UPDATE messages SET sent_ts = %s WHERE pk = %s AND sent_ts IS NULL AND error_ts IS NULL`, s.ph(1), s.ph(2))
	if _, err := s.db.Exec(q, ts.Unix(), id); err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) MarkError(id string, ts time.Time, errText string, nextDeferredTS *time.Time, newRetryCount int) error {
	if nextDeferredTS != nil {
		q := fmt.Sprintf(`UPDATE messages SET last_error = %s, deferred_ts = %s, retry_count = %s, deferred_reason = 'retry'
			WHERE pk = %s AND sent_ts IS NULL AND error_ts IS NULL AND deferred_ts <= %s`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
		if _, err := s.db.Exec(q, errText, nextDeferredTS.Unix(), newRetryCount, id, nextDeferredTS.Unix()); err != nil {
			return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
		}
		return nil
	}
	q := fmt.Sprintf(`UPDATE messages SET last_error = %s, error_ts = %s, retry_count = %s
		WHERE pk = %s AND sent_ts IS NULL AND error_ts IS NULL`, s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	if _, err := s.db.Exec(q, errText, ts.Unix(), newRetryCount, id); err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) DeferMessage(id string, ts time.Time, reason string) error {
	var current int64
	q := fmt.Sprintf(`SELECT deferred_ts FROM messages WHERE pk = %s AND sent_ts IS NULL AND error_ts IS NULL`, s.ph(1))
	err := s.db.QueryRow(q, id).Scan(&current)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	if ts.Unix() < current {
		return store.ErrValidation
	}
	q = fmt.Sprintf(`UPDATE messages SET deferred_ts = %s, deferred_reason = %s
		WHERE pk = %s AND sent_ts IS NULL AND error_ts IS NULL`, s.ph(1), s.ph(2), s.ph(3))
	if _, err := s.db.Exec(q, ts.Unix(), reason, id); err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) ListTerminalUnreported(limit int, tenantID string) ([]store.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages
		WHERE (sent_ts IS NOT NULL OR error_ts IS NOT NULL OR bounce_ts IS NOT NULL) AND reported_ts IS NULL`, messageColumns)
	var args []interface{}
	n := 1
	if tenantID != "" {
		query += fmt.Sprintf(` AND tenant_id = %s`, s.ph(n))
		args = append(args, tenantID)
		n++
	}
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %s`, s.ph(n))
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
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()
	q := fmt.Sprintf(`UPDATE messages SET reported_ts = %s WHERE pk = %s AND reported_ts IS NULL`, s.ph(1), s.ph(2))
	for _, id := range ids {
		if _, err := tx.Exec(q, ts.Unix(), id); err != nil {
			return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
		}
	}
	return tx.Commit()
}

func (s *Store) DeleteReportedBefore(ts time.Time) (int, error) {
	q := fmt.Sprintf(`DELETE FROM messages WHERE reported_ts IS NOT NULL AND reported_ts < %s`, s.ph(1))
	res, err := s.db.Exec(q, ts.Unix())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) DeleteReportedForTenantBefore(tenantID string, ts time.Time) (int, error) {
	q := fmt.Sprintf(`DELETE FROM messages WHERE tenant_id = %s AND reported_ts IS NOT NULL AND reported_ts < %s`, s.ph(1), s.ph(2))
	res, err := s.db.Exec(q, tenantID, ts.Unix())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) DeleteSendLogBefore(ts time.Time) (int, error) {
	q := fmt.Sprintf(`DELETE FROM send_log WHERE ts < %s`, s.ph(1))
	res, err := s.db.Exec(q, ts.Unix())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) CountSendLogSince(accountID string, since time.Time) (int, error) {
	q := fmt.Sprintf(`SELECT COUNT(*) FROM send_log WHERE account_id = %s AND ts > %s`, s.ph(1), s.ph(2))
	var n int
	if err := s.db.QueryRow(q, accountID, since.Unix()).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	return n, nil
}

func (s *Store) OldestSendLogSince(accountID string, since time.Time) (time.Time, bool, error) {
	q := fmt.Sprintf(`SELECT MIN(ts) FROM send_log WHERE account_id = %s AND ts > %s`, s.ph(1), s.ph(2))
	var ts sql.NullInt64
	if err := s.db.QueryRow(q, accountID, since.Unix()).Scan(&ts); err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), true, nil
}

func (s *Store) AppendSendLog(entry store.SendLogEntry) error {
	q := fmt.Sprintf(`INSERT INTO send_log (account_id, ts) VALUES (%s, %s)`, s.ph(1), s.ph(2))
	if _, err := s.db.Exec(q, entry.AccountID, entry.TS.Unix()); err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) UpsertAccount(a store.Account) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(s.dialect.Upsert("accounts", "id", "data_json"), a.ID, string(data)); err != nil {
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
	q := fmt.Sprintf(`SELECT data_json FROM accounts WHERE id = %s`, s.ph(1))
	var data string
	err := s.db.QueryRow(q, id).Scan(&data)
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
	q := fmt.Sprintf(`DELETE FROM accounts WHERE id = %s`, s.ph(1))
	if _, err := s.db.Exec(q, id); err != nil {
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
	if _, err := s.db.Exec(s.dialect.Upsert("tenants", "id", "data_json"), t.ID, string(data)); err != nil {
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
	q := fmt.Sprintf(`SELECT data_json FROM tenants WHERE id = %s`, s.ph(1))
	var data string
	err := s.db.QueryRow(q, id).Scan(&data)
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
	q := fmt.Sprintf(`DELETE FROM tenants WHERE id = %s`, s.ph(1))
	if _, err := s.db.Exec(q, id); err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) ListMessages(tenantID string, activeOnly bool) ([]store.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE 1=1`, messageColumns)
	var args []interface{}
	n := 1
	if tenantID != "" {
		query += fmt.Sprintf(` AND tenant_id = %s`, s.ph(n))
		args = append(args, tenantID)
		n++
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
	removed, notFound := 0, 0
	q := fmt.Sprintf(`DELETE FROM messages WHERE tenant_id = %s AND id = %s`, s.ph(1), s.ph(2))
	for _, id := range ids {
		res, err := s.db.Exec(q, tenantID, id)
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
	q := fmt.Sprintf(`SELECT v FROM config WHERE k = %s`, s.ph(1))
	var v string
	err := s.db.QueryRow(q, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	return v, true, nil
}

func (s *Store) SetConfig(key, value string) error {
	if _, err := s.db.Exec(s.dialect.Upsert("config", "k", "v"), key, value); err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

var _ store.StorageAdapter = (*Store)(nil)
