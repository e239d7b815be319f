package smtppool

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/elemta-relay/relaycore/internal/secret"
	"github.com/elemta-relay/relaycore/internal/store"
)

// fakeSMTPServer speaks just enough SMTP to exercise the pool: greeting,
// EHLO, optional AUTH PLAIN, NOOP, QUIT. It accepts connections until closed.
type fakeSMTPServer struct {
	ln   net.Listener
	addr string
}

func startFakeSMTPServer(t *testing.T) *fakeSMTPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeSMTPServer{ln: ln, addr: ln.Addr().String()}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeSMTPServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeSMTPServer) handle(conn net.Conn) {
	defer conn.Close()
	w := bufio.NewWriter(conn)
	r := bufio.NewReader(conn)

	write := func(line string) {
		w.WriteString(line + "\r\n")
		w.Flush()
	}

	write("220 fake.smtp ESMTP ready")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			write("250-fake.smtp greets you")
			write("250 AUTH PLAIN")
		case strings.HasPrefix(cmd, "AUTH"):
			write("235 authenticated")
		case strings.HasPrefix(cmd, "NOOP"):
			write("250 OK")
		case strings.HasPrefix(cmd, "MAIL"):
			write("250 OK")
		case strings.HasPrefix(cmd, "RCPT"):
			write("250 OK")
		case strings.HasPrefix(cmd, "DATA"):
			write("354 send data")
			for {
				dl, err := r.ReadString('\n')
				if err != nil || strings.TrimSpace(dl) == "." {
					break
				}
			}
			write("250 OK queued")
		case strings.HasPrefix(cmd, "QUIT"):
			write("221 bye")
			return
		default:
			write("502 unrecognized command")
		}
	}
}

func testAccount(addr string) store.Account {
	host, port := splitHostPort(addr)
	return store.Account{ID: "acct1", Host: host, Port: port, TLSMode: store.TLSNone}
}

func splitHostPort(addr string) (string, int) {
	h, p, _ := net.SplitHostPort(addr)
	n, _ := strconv.Atoi(p)
	return h, n
}

func TestAcquireOpensNewSessionAndReleaseMakesItIdle(t *testing.T) {
	srv := startFakeSMTPServer(t)
	pool := New(Config{MaxPerAccount: 2, IdleTTL: time.Minute, DialTimeout: time.Second, CommandTimeout: time.Second, Hostname: "relay.test"}, nil)

	acct := testAccount(srv.addr)
	lease, err := pool.Acquire(context.Background(), acct, "")
	require.NoError(t, err)
	require.Equal(t, StateLeased, lease.Session().state)

	lease.Release(true)

	ap := pool.poolFor(poolKey(acct.ID, ""))
	ap.mu.Lock()
	idleCount := len(ap.idle)
	ap.mu.Unlock()
	require.Equal(t, 1, idleCount)
}

func TestAcquireReusesIdleSessionAfterProbe(t *testing.T) {
	srv := startFakeSMTPServer(t)
	pool := New(Config{MaxPerAccount: 2, IdleTTL: time.Minute, DialTimeout: time.Second, CommandTimeout: time.Second, Hostname: "relay.test"}, nil)

	acct := testAccount(srv.addr)
	lease1, err := pool.Acquire(context.Background(), acct, "")
	require.NoError(t, err)
	first := lease1.Session()
	lease1.Release(true)

	lease2, err := pool.Acquire(context.Background(), acct, "")
	require.NoError(t, err)
	require.Same(t, first, lease2.Session())
}

func TestReleaseUnhealthyDiscardsSession(t *testing.T) {
	srv := startFakeSMTPServer(t)
	pool := New(Config{MaxPerAccount: 2, IdleTTL: time.Minute, DialTimeout: time.Second, CommandTimeout: time.Second, Hostname: "relay.test"}, nil)

	acct := testAccount(srv.addr)
	lease, err := pool.Acquire(context.Background(), acct, "")
	require.NoError(t, err)
	lease.Release(false)

	ap := pool.poolFor(poolKey(acct.ID, ""))
	ap.mu.Lock()
	idleCount := len(ap.idle)
	ap.mu.Unlock()
	require.Equal(t, 0, idleCount)
}

func TestMaxPerAccountBlocksExcessAcquires(t *testing.T) {
	srv := startFakeSMTPServer(t)
	pool := New(Config{MaxPerAccount: 1, IdleTTL: time.Minute, DialTimeout: time.Second, CommandTimeout: time.Second, Hostname: "relay.test"}, nil)

	acct := testAccount(srv.addr)
	lease1, err := pool.Acquire(context.Background(), acct, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx, acct, "")
	require.Error(t, err)

	lease1.Release(true)
}

func TestReapIdleClosesExpiredSessions(t *testing.T) {
	srv := startFakeSMTPServer(t)
	pool := New(Config{MaxPerAccount: 2, IdleTTL: 10 * time.Millisecond, DialTimeout: time.Second, CommandTimeout: time.Second, Hostname: "relay.test"}, nil)

	acct := testAccount(srv.addr)
	lease, err := pool.Acquire(context.Background(), acct, "")
	require.NoError(t, err)
	lease.Release(true)

	time.Sleep(30 * time.Millisecond)
	pool.ReapIdle()

	ap := pool.poolFor(poolKey(acct.ID, ""))
	ap.mu.Lock()
	idleCount := len(ap.idle)
	ap.mu.Unlock()
	require.Equal(t, 0, idleCount)
}

func TestSendDrivesFullTransaction(t *testing.T) {
	srv := startFakeSMTPServer(t)
	pool := New(Config{MaxPerAccount: 1, IdleTTL: time.Minute, DialTimeout: time.Second, CommandTimeout: time.Second, Hostname: "relay.test"}, nil)

	acct := testAccount(srv.addr)
	lease, err := pool.Acquire(context.Background(), acct, "")
	require.NoError(t, err)

	err = lease.Session().Send(context.Background(), "a@x.example", []string{"b@y.example"},
		[]byte("Subject: hi\r\n\r\nbody\r\n"), time.Second)
	require.NoError(t, err)

	// A healthy release after a send keeps the session reusable.
	lease.Release(true)
	lease2, err := pool.Acquire(context.Background(), acct, "")
	require.NoError(t, err)
	require.NoError(t, lease2.Session().Send(context.Background(), "a@x.example", []string{"b@y.example"},
		[]byte("Subject: again\r\n\r\nbody\r\n"), time.Second))
	lease2.Release(true)
}

func TestSendCancelledContextAborts(t *testing.T) {
	srv := startFakeSMTPServer(t)
	pool := New(Config{MaxPerAccount: 1, IdleTTL: time.Minute, DialTimeout: time.Second, CommandTimeout: time.Second, Hostname: "relay.test"}, nil)

	lease, err := pool.Acquire(context.Background(), testAccount(srv.addr), "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = lease.Session().Send(ctx, "a@x.example", []string{"b@y.example"}, []byte("x"), time.Second)
	require.Error(t, err)
	lease.Release(false)
}

func TestAcquireOpensSealedCredentials(t *testing.T) {
	srv := startFakeSMTPServer(t)

	var key [secret.KeySize]byte
	copy(key[:], "0123456789abcdef0123456789abcdef")
	sealed, err := secret.Seal(&key, []byte("hunter2"))
	require.NoError(t, err)

	pool := New(Config{MaxPerAccount: 1, IdleTTL: time.Minute, DialTimeout: time.Second, CommandTimeout: time.Second, Hostname: "relay.test", SecretKey: &key}, nil)

	acct := testAccount(srv.addr)
	acct.Username = "relay"
	acct.EncryptedPasswd = sealed

	lease, err := pool.Acquire(context.Background(), acct, "")
	require.NoError(t, err)
	require.Equal(t, StateLeased, lease.Session().state)
	lease.Release(true)
}

func TestAcquireFailsOnWrongSecretKey(t *testing.T) {
	srv := startFakeSMTPServer(t)

	var key, other [secret.KeySize]byte
	copy(key[:], "0123456789abcdef0123456789abcdef")
	copy(other[:], "fedcba9876543210fedcba9876543210")
	sealed, err := secret.Seal(&key, []byte("hunter2"))
	require.NoError(t, err)

	pool := New(Config{MaxPerAccount: 1, IdleTTL: time.Minute, DialTimeout: time.Second, CommandTimeout: time.Second, Hostname: "relay.test", SecretKey: &other}, nil)

	acct := testAccount(srv.addr)
	acct.Username = "relay"
	acct.EncryptedPasswd = sealed

	_, err = pool.Acquire(context.Background(), acct, "")
	require.ErrorIs(t, err, secret.ErrOpen)
}
