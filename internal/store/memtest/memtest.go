// Package memtest is an in-memory store.StorageAdapter used by the rest
// of the core's test suites.
package memtest

import (
	"sort"
	"sync"
	"time"

	"github.com/elemta-relay/relaycore/internal/store"
)

// Store is a single-process, mutex-guarded StorageAdapter. ClaimReady is
// serialized under the same writer lock used for all mutations, standing
// in for the embedded-backend's "single writer transaction" requirement.
type Store struct {
	mu       sync.Mutex
	messages map[string]*store.Message // key: pk
	idIndex  map[string]string         // key: tenant+"/"+id -> pk
	sendLog  []store.SendLogEntry
	accounts map[string]store.Account
	tenants  map[string]store.Tenant
	config   map[string]string
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		messages: make(map[string]*store.Message),
		idIndex:  make(map[string]string),
		accounts: make(map[string]store.Account),
		tenants:  make(map[string]store.Tenant),
		config:   make(map[string]string),
	}
}

func key(tenantID, id string) string { return tenantID + "/" + id }

func (s *Store) InsertMessages(batch []store.Message) ([]string, []store.RejectedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	known := make(map[string]bool, len(s.accounts))
	for id := range s.accounts {
		known[id] = true
	}

	var accepted []string
	var rejected []store.RejectedMessage
	now := time.Now()

	for _, m := range batch {
		k := key(m.TenantID, m.ID)
		if _, exists := s.idIndex[k]; exists {
			rejected = append(rejected, store.RejectedMessage{ID: m.ID, Reason: "duplicate"})
			continue
		}
		if err := store.ValidateMessage(m, known); err != nil {
			rejected = append(rejected, store.RejectedMessage{ID: m.ID, Reason: err.Error()})
			continue
		}

		store.ApplyDefaults(&m, now)
		cp := m
		s.messages[cp.PK] = &cp
		s.idIndex[k] = cp.PK
		accepted = append(accepted, m.ID)
	}

	return accepted, rejected, nil
}

func (s *Store) ClaimReady(now time.Time, quotas []store.AccountQuota, limit int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := make(map[string]int, len(quotas))
	for _, q := range quotas {
		remaining[q.AccountID] = q.Remaining
	}

	var candidates []*store.Message
	for _, m := range s.messages {
		if m.IsTerminal() {
			continue
		}
		if m.DeferredTS.After(now) {
			continue
		}
		if remaining[m.AccountID] <= 0 {
			continue
		}
		t, ok := s.tenants[m.TenantID]
		if ok {
			if t.SuspendAll {
				continue
			}
			if m.BatchCode != "" && t.SuspendedBatches[m.BatchCode] {
				continue
			}
		}
		candidates = append(candidates, m)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.DeferredTS.Equal(b.DeferredTS) {
			return a.DeferredTS.Before(b.DeferredTS)
		}
		return a.CreatedTS.Before(b.CreatedTS)
	})

	var out []store.Message
	claimedPerAccount := map[string]int{}
	for _, m := range candidates {
		if len(out) >= limit {
			break
		}
		if claimedPerAccount[m.AccountID] >= remaining[m.AccountID] {
			continue
		}
		claimedPerAccount[m.AccountID]++
		out = append(out, *m)
	}
	return out, nil
}

func (s *Store) findByPK(id string) *store.Message {
	if m, ok := s.messages[id]; ok {
		return m
	}
	return nil
}

func (s *Store) MarkSent(id string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.findByPK(id)
	if m == nil {
		return store.ErrNotFound
	}
	if m.SentTS != nil || m.ErrorTS != nil {
		return nil // idempotent: already terminal
	}
	tsCopy := ts
	m.SentTS = &tsCopy
	return nil
}

func (s *Store) MarkError(id string, ts time.Time, errText string, nextDeferredTS *time.Time, newRetryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.findByPK(id)
	if m == nil {
		return store.ErrNotFound
	}
	if m.SentTS != nil || m.ErrorTS != nil {
		return nil // idempotent
	}
	m.LastError = errText
	if nextDeferredTS != nil {
		if nextDeferredTS.Before(m.DeferredTS) {
			return store.ErrValidation // deferred_ts must be monotonic non-decreasing
		}
		m.DeferredTS = *nextDeferredTS
		m.RetryCount = newRetryCount
		return nil
	}
	tsCopy := ts
	m.ErrorTS = &tsCopy
	m.RetryCount = newRetryCount
	return nil
}

func (s *Store) DeferMessage(id string, ts time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.findByPK(id)
	if m == nil {
		return store.ErrNotFound
	}
	if m.SentTS != nil || m.ErrorTS != nil {
		return nil // already terminal; nothing to defer
	}
	if ts.Before(m.DeferredTS) {
		return store.ErrValidation
	}
	m.DeferredTS = ts
	m.DeferredReason = reason
	return nil
}

func (s *Store) ListTerminalUnreported(limit int, tenantID string) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Message
	for _, m := range s.messages {
		if !m.IsTerminal() || m.ReportedTS != nil {
			continue
		}
		if tenantID != "" && m.TenantID != tenantID {
			continue
		}
		out = append(out, *m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkReported(ids []string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		m := s.findByPK(id)
		if m == nil || m.ReportedTS != nil {
			continue
		}
		tsCopy := ts
		m.ReportedTS = &tsCopy
	}
	return nil
}

func (s *Store) DeleteReportedBefore(ts time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for pk, m := range s.messages {
		if m.ReportedTS != nil && m.ReportedTS.Before(ts) {
			delete(s.messages, pk)
			delete(s.idIndex, key(m.TenantID, m.ID))
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteReportedForTenantBefore(tenantID string, ts time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for pk, m := range s.messages {
		if m.TenantID != tenantID {
			continue
		}
		if m.ReportedTS != nil && m.ReportedTS.Before(ts) {
			delete(s.messages, pk)
			delete(s.idIndex, key(m.TenantID, m.ID))
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteSendLogBefore(ts time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.sendLog[:0]
	n := 0
	for _, e := range s.sendLog {
		if e.TS.Before(ts) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.sendLog = kept
	return n, nil
}

func (s *Store) CountSendLogSince(accountID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.sendLog {
		if e.AccountID == accountID && e.TS.After(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) OldestSendLogSince(accountID string, since time.Time) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest time.Time
	found := false
	for _, e := range s.sendLog {
		if e.AccountID != accountID || !e.TS.After(since) {
			continue
		}
		if !found || e.TS.Before(oldest) {
			oldest = e.TS
			found = true
		}
	}
	return oldest, found, nil
}

func (s *Store) AppendSendLog(entry store.SendLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendLog = append(s.sendLog, entry)
	return nil
}

func (s *Store) UpsertAccount(a store.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a
	return nil
}

func (s *Store) ListAccounts() ([]store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) GetAccount(id string) (store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return store.Account{}, store.ErrNotFound
	}
	return a, nil
}

func (s *Store) DeleteAccount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, id)
	return nil
}

func (s *Store) UpsertTenant(t store.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.SuspendedBatches == nil {
		t.SuspendedBatches = map[string]bool{}
	}
	s.tenants[t.ID] = t
	return nil
}

func (s *Store) ListTenants() ([]store.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) GetTenant(id string) (store.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return store.Tenant{}, store.ErrNotFound
	}
	return t, nil
}

func (s *Store) DeleteTenant(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tenants, id)
	return nil
}

func (s *Store) ListMessages(tenantID string, activeOnly bool) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Message
	for _, m := range s.messages {
		if tenantID != "" && m.TenantID != tenantID {
			continue
		}
		if activeOnly && m.IsTerminal() {
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

func (s *Store) DeleteMessages(tenantID string, ids []string) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed, notFound := 0, 0
	for _, id := range ids {
		k := key(tenantID, id)
		pk, ok := s.idIndex[k]
		if !ok {
			notFound++
			continue
		}
		delete(s.messages, pk)
		delete(s.idIndex, k)
		removed++
	}
	return removed, notFound, nil
}

func (s *Store) GetConfig(k string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.config[k]
	return v, ok, nil
}

func (s *Store) SetConfig(k, v string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config[k] = v
	return nil
}

func (s *Store) Close() error { return nil }

var _ store.StorageAdapter = (*Store)(nil)
