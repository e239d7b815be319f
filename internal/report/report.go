// Package report pushes delivery reports for terminal messages to each
// tenant's sink and records the acknowledgement.
package report

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/elemta-relay/relaycore/internal/metrics"
	"github.com/elemta-relay/relaycore/internal/store"
)

// Entry is one element of the delivery_report array. Exactly one of the
// event subsets is populated per message.
type Entry struct {
	TenantID *string `json:"tenant_id"`
	ID       string  `json:"id"`
	PK       string  `json:"pk"`

	SentTS *int64 `json:"sent_ts,omitempty"`

	ErrorTS *int64 `json:"error_ts,omitempty"`
	Error   string `json:"error,omitempty"`

	DeferredTS     *int64 `json:"deferred_ts,omitempty"`
	DeferredReason string `json:"deferred_reason,omitempty"`

	BounceTS     *int64 `json:"bounce_ts,omitempty"`
	BounceType   string `json:"bounce_type,omitempty"`
	BounceCode   string `json:"bounce_code,omitempty"`
	BounceReason string `json:"bounce_reason,omitempty"`
}

// Document is the POST body.
type Document struct {
	DeliveryReport []Entry `json:"delivery_report"`
}

// sinkSummary is the advisory response body; only counts are recorded.
type sinkSummary struct {
	Accepted int `json:"accepted"`
}

// Recorder mirrors per-tenant acknowledgement counts to an external
// store. Implemented by metrics.ValkeyStore.
type Recorder interface {
	RecordReported(ctx context.Context, tenantID string, n int) error
}

// Config controls cadence, batching, and the fallback sink for
// messages submitted without a tenant.
type Config struct {
	Interval       time.Duration
	BatchPerTenant int
	PostTimeout    time.Duration
	GlobalSinkURL  string
	GlobalAuth     store.Auth
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		Interval:       15 * time.Second,
		BatchPerTenant: 100,
		PostTimeout:    30 * time.Second,
	}
}

// Loop is the report loop.
type Loop struct {
	cfg    Config
	store  store.StorageAdapter
	client *http.Client
	reg    *metrics.Registry
	logger *slog.Logger
	now    func() time.Time
	wake   chan struct{}

	recorder Recorder

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker // per sink URL
}

// New wires a Loop. client may be nil for a default client; reg and
// nowFn may be nil.
func New(cfg Config, s store.StorageAdapter, client *http.Client, reg *metrics.Registry, nowFn func() time.Time) *Loop {
	if client == nil {
		client = &http.Client{Timeout: cfg.PostTimeout}
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.BatchPerTenant <= 0 {
		cfg.BatchPerTenant = DefaultConfig().BatchPerTenant
	}
	return &Loop{
		cfg:      cfg,
		store:    s,
		client:   client,
		reg:      reg,
		logger:   slog.Default().With("component", "report"),
		now:      nowFn,
		wake:     make(chan struct{}, 1),
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

// SetRecorder attaches an external counter mirror. Recorder errors are
// logged at debug and never affect acknowledgement.
func (l *Loop) SetRecorder(r Recorder) {
	l.recorder = r
}

// Wake nudges the loop to run before its next tick.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run drives iterations until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := l.Iterate(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Error("report iteration failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-l.wake:
		}
	}
}

// Iterate selects terminal-unreported messages, groups them per tenant
// with a per-tenant batch cap so one tenant cannot starve others, and
// POSTs each group to its sink. A failed POST leaves the group
// unacknowledged for the next tick.
func (l *Loop) Iterate(ctx context.Context) error {
	msgs, err := l.store.ListTerminalUnreported(0, "")
	if err != nil {
		return fmt.Errorf("report: list unreported: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	tenants, err := l.store.ListTenants()
	if err != nil {
		return fmt.Errorf("report: list tenants: %w", err)
	}
	tmap := make(map[string]store.Tenant, len(tenants))
	for _, t := range tenants {
		tmap[t.ID] = t
	}

	groups := map[string][]store.Message{}
	for _, m := range msgs {
		if len(groups[m.TenantID]) >= l.cfg.BatchPerTenant {
			continue
		}
		groups[m.TenantID] = append(groups[m.TenantID], m)
	}

	for tenantID, group := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}

		url, auth, ok := l.sinkFor(tenantID, tmap)
		if !ok {
			l.logger.Warn("no sink configured, leaving batch unreported", "tenant_id", tenantID, "count", len(group))
			continue
		}
		if err := l.postGroup(ctx, url, auth, tenantID, group); err != nil {
			// Sink errors affect only this batch; other tenants proceed.
			l.logger.Warn("report post failed", "tenant_id", tenantID, "sink", url, "count", len(group), "error", err)
		}
	}
	return nil
}

func (l *Loop) sinkFor(tenantID string, tmap map[string]store.Tenant) (string, store.Auth, bool) {
	if tenantID == "" {
		if l.cfg.GlobalSinkURL == "" {
			return "", store.Auth{}, false
		}
		return l.cfg.GlobalSinkURL, l.cfg.GlobalAuth, true
	}
	t, ok := tmap[tenantID]
	if !ok || t.ReportBaseURL == "" {
		return "", store.Auth{}, false
	}
	return t.ReportBaseURL + t.ReportSyncPath, t.OutboundAuth, true
}

func (l *Loop) breakerFor(url string) *gobreaker.CircuitBreaker {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.breakers[url]
	if !ok {
		b = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "report-sink-" + url,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
		l.breakers[url] = b
	}
	return b
}

func (l *Loop) postGroup(ctx context.Context, url string, auth store.Auth, tenantID string, group []store.Message) error {
	doc := Document{DeliveryReport: make([]Entry, 0, len(group))}
	pks := make([]string, 0, len(group))
	for _, m := range group {
		doc.DeliveryReport = append(doc.DeliveryReport, entryFor(m))
		pks = append(pks, m.PK)
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	breaker := l.breakerFor(url)
	start := time.Now()
	_, err = breaker.Execute(func() (interface{}, error) {
		return nil, l.post(ctx, url, auth, body)
	})
	if l.reg != nil {
		l.reg.ReportDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return err
	}

	if err := l.store.MarkReported(pks, l.now()); err != nil {
		return fmt.Errorf("mark reported: %w", err)
	}
	if l.reg != nil {
		l.reg.MessagesReported.Add(float64(len(pks)))
	}
	if l.recorder != nil {
		if err := l.recorder.RecordReported(context.Background(), tenantID, len(pks)); err != nil {
			l.logger.Debug("recorder failed", "error", err)
		}
	}
	l.logger.Info("delivery report acknowledged", "tenant_id", tenantID, "count", len(pks))
	return nil
}

func (l *Loop) post(ctx context.Context, url string, auth store.Auth, body []byte) error {
	if l.cfg.PostTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.PostTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	applyAuth(req, auth)

	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sink returned %d", resp.StatusCode)
	}

	// Advisory summary; decode failures are ignored.
	var summary sinkSummary
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&summary); err == nil && summary.Accepted > 0 {
		l.logger.Debug("sink summary", "accepted", summary.Accepted)
	}
	return nil
}

func applyAuth(req *http.Request, auth store.Auth) {
	switch auth.Kind {
	case store.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case store.AuthBasic:
		cred := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		req.Header.Set("Authorization", "Basic "+cred)
	}
}

func entryFor(m store.Message) Entry {
	e := Entry{ID: m.ID, PK: m.PK}
	if m.TenantID != "" {
		tid := m.TenantID
		e.TenantID = &tid
	}
	switch {
	case m.BounceTS != nil:
		ts := m.BounceTS.Unix()
		e.BounceTS = &ts
		e.BounceType = m.BounceType
		e.BounceCode = m.BounceCode
		e.BounceReason = m.BounceReason
	case m.SentTS != nil:
		ts := m.SentTS.Unix()
		e.SentTS = &ts
	case m.ErrorTS != nil:
		ts := m.ErrorTS.Unix()
		e.ErrorTS = &ts
		e.Error = m.LastError
	}
	return e
}
