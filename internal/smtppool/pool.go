// Package smtppool leases authenticated SMTP sessions keyed by
// (account_id, connection-affinity).
package smtppool

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/elemta-relay/relaycore/internal/secret"
	"github.com/elemta-relay/relaycore/internal/store"
)

// State is a session's position in its lifecycle.
type State int

const (
	StateOpen State = iota
	StateAuthenticated
	StateLeased
	StateIdle
	StateClosed
)

// Session wraps a live SMTP connection with pool bookkeeping. Any send
// exception must transition the session to StateClosed.
type Session struct {
	client     *smtp.Client
	conn       net.Conn
	account    store.Account
	affinity   string
	state      State
	createdAt  time.Time
	lastUsedAt time.Time
}

// Client returns the session's underlying *smtp.Client.
func (s *Session) Client() *smtp.Client { return s.client }

// Lease is an exclusive loan of a Session for one or more sequential sends.
type Lease struct {
	session *Session
	pool    *Pool
}

// Session returns the underlying leased session.
func (l *Lease) Session() *Session { return l.session }

type accountPool struct {
	mu      sync.Mutex
	idle    []*Session
	active  int
	waiters chan struct{} // buffered to max_per_account, one slot per concurrent lease
}

// Dialer opens the raw network connection to an account's host. Swappable
// for tests.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// Config controls pool sizing and session lifetime.
type Config struct {
	MaxPerAccount  int
	IdleTTL        time.Duration
	DialTimeout    time.Duration
	CommandTimeout time.Duration
	Hostname       string // EHLO identity

	// SecretKey opens each account's sealed password blob just before
	// AUTH. When nil the blob is used as-is (plaintext deployments).
	SecretKey *[secret.KeySize]byte
}

// Pool leases SMTP sessions per account, backed by a circuit breaker so
// a consistently failing account's host stops being dialed for a cooldown
// period instead of hammering a dead server.
type Pool struct {
	cfg      Config
	dialer   Dialer
	logger   *slog.Logger
	mu       sync.Mutex
	accounts map[string]*accountPool
	breakers map[string]*gobreaker.CircuitBreaker
}

// New builds a Pool. dialer may be nil to use net.Dialer.DialContext.
func New(cfg Config, dialer Dialer) *Pool {
	if dialer == nil {
		d := &net.Dialer{Timeout: cfg.DialTimeout}
		dialer = d.DialContext
	}
	return &Pool{
		cfg:      cfg,
		dialer:   dialer,
		logger:   slog.Default().With("component", "smtppool"),
		accounts: make(map[string]*accountPool),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (p *Pool) poolFor(key string) *accountPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ap, ok := p.accounts[key]
	if !ok {
		ap = &accountPool{waiters: make(chan struct{}, p.cfg.MaxPerAccount)}
		p.accounts[key] = ap
	}
	return ap
}

func (p *Pool) breakerFor(accountID string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.breakers[accountID]
	if !ok {
		b = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "smtppool-" + accountID,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		p.breakers[accountID] = b
	}
	return b
}

func poolKey(accountID, affinity string) string {
	return accountID + "\x00" + affinity
}

// Acquire returns an existing idle, live session for (account, affinity)
// or opens a new one, bounded by max_per_account. Excess acquires block
// until a lease is released or ctx is cancelled.
func (p *Pool) Acquire(ctx context.Context, account store.Account, affinity string) (*Lease, error) {
	key := poolKey(account.ID, affinity)
	ap := p.poolFor(key)
	breaker := p.breakerFor(account.ID)

	select {
	case ap.waiters <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	// The slot is held for the life of the lease; Release frees it.

	ap.mu.Lock()
	for len(ap.idle) > 0 {
		sess := ap.idle[len(ap.idle)-1]
		ap.idle = ap.idle[:len(ap.idle)-1]
		ap.mu.Unlock()

		if p.cfg.IdleTTL > 0 && time.Since(sess.lastUsedAt) > p.cfg.IdleTTL {
			p.closeSession(sess)
			ap.mu.Lock()
			continue
		}
		if !p.probe(ctx, sess) {
			p.closeSession(sess)
			ap.mu.Lock()
			continue
		}
		sess.state = StateLeased
		ap.mu.Lock()
		ap.active++
		ap.mu.Unlock()
		return &Lease{session: sess, pool: p}, nil
	}
	ap.mu.Unlock()

	v, err := breaker.Execute(func() (interface{}, error) {
		return p.open(ctx, account, affinity)
	})
	if err != nil {
		<-ap.waiters
		return nil, fmt.Errorf("smtppool: acquire account %q: %w", account.ID, err)
	}
	sess := v.(*Session)
	sess.state = StateLeased

	ap.mu.Lock()
	ap.active++
	ap.mu.Unlock()

	return &Lease{session: sess, pool: p}, nil
}

// probe verifies a reused session is still alive via NOOP.
func (p *Pool) probe(ctx context.Context, sess *Session) bool {
	if p.cfg.CommandTimeout > 0 {
		sess.conn.SetDeadline(time.Now().Add(p.cfg.CommandTimeout))
		defer sess.conn.SetDeadline(time.Time{})
	}
	return sess.client.Noop() == nil
}

func (p *Pool) open(ctx context.Context, account store.Account, affinity string) (*Session, error) {
	addr := fmt.Sprintf("%s:%d", account.Host, account.Port)
	conn, err := p.dialer(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if account.TLSMode == store.TLSImplicit {
		conn = tls.Client(conn, &tls.Config{ServerName: account.Host})
	}

	client, err := smtp.NewClient(conn, account.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp handshake with %s: %w", addr, err)
	}

	if err := client.Hello(p.cfg.Hostname); err != nil {
		client.Close()
		return nil, fmt.Errorf("EHLO to %s: %w", addr, err)
	}

	if account.TLSMode == store.TLSStartTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: account.Host}); err != nil {
				client.Close()
				return nil, fmt.Errorf("STARTTLS with %s: %w", addr, err)
			}
		}
	}

	now := time.Now()
	sess := &Session{
		client:    client,
		conn:      conn,
		account:   account,
		affinity:  affinity,
		state:     StateOpen,
		createdAt: now,
	}

	if account.Username != "" {
		password := string(account.EncryptedPasswd)
		if p.cfg.SecretKey != nil {
			opened, err := secret.Open(p.cfg.SecretKey, account.EncryptedPasswd)
			if err != nil {
				client.Close()
				return nil, fmt.Errorf("open credentials for account %q: %w", account.ID, err)
			}
			password = string(opened)
		}
		auth := smtp.PlainAuth("", account.Username, password, account.Host)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, fmt.Errorf("AUTH with %s: %w", addr, err)
		}
		sess.state = StateAuthenticated
	}

	sess.lastUsedAt = now
	return sess, nil
}

func (p *Pool) closeSession(sess *Session) {
	sess.state = StateClosed
	_ = sess.client.Close()
}

// Release returns the session to idle, or discards it when healthy is
// false or the session's age has exceeded the configured TTL.
func (l *Lease) Release(healthy bool) {
	sess := l.session
	key := poolKey(sess.account.ID, sess.affinity)
	ap := l.pool.poolFor(key)

	ap.mu.Lock()
	ap.active--
	ap.mu.Unlock()
	defer func() { <-ap.waiters }()

	ttl := l.pool.cfg.IdleTTL
	if !healthy || (ttl > 0 && time.Since(sess.createdAt) > ttl) {
		l.pool.closeSession(sess)
		return
	}

	sess.state = StateIdle
	sess.lastUsedAt = time.Now()

	ap.mu.Lock()
	ap.idle = append(ap.idle, sess)
	ap.mu.Unlock()
}

// ReapIdle closes idle sessions across all accounts older than the
// configured TTL. Intended to be run periodically by the coordinator.
func (p *Pool) ReapIdle() {
	p.mu.Lock()
	pools := make([]*accountPool, 0, len(p.accounts))
	for _, ap := range p.accounts {
		pools = append(pools, ap)
	}
	p.mu.Unlock()

	for _, ap := range pools {
		ap.mu.Lock()
		kept := ap.idle[:0]
		for _, sess := range ap.idle {
			if p.cfg.IdleTTL > 0 && time.Since(sess.lastUsedAt) > p.cfg.IdleTTL {
				p.closeSession(sess)
				continue
			}
			kept = append(kept, sess)
		}
		ap.idle = kept
		ap.mu.Unlock()
	}
}

// CloseAll closes every idle session in the pool, for shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	pools := make([]*accountPool, 0, len(p.accounts))
	for _, ap := range p.accounts {
		pools = append(pools, ap)
	}
	p.mu.Unlock()

	for _, ap := range pools {
		ap.mu.Lock()
		for _, sess := range ap.idle {
			p.closeSession(sess)
		}
		ap.idle = nil
		ap.mu.Unlock()
	}
}
