package sqlrelational

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/elemta-relay/relaycore/internal/store"
)

func TestPostgresClaimReadyLocksRows(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("Skipping Postgres test as TEST_POSTGRES_DSN environment variable is not set")
	}

	s, err := OpenPostgres(dsn)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.UpsertAccount(store.Account{ID: "A"}))
	_, _, err = s.InsertMessages([]store.Message{{
		ID: "M1", AccountID: "A", Priority: store.PriorityUnset,
		Payload: store.Payload{From: "a@x", To: []string{"b@y"}, Subject: "hi", Body: "ok"},
	}})
	require.NoError(t, err)

	claimed, err := s.ClaimReady(time.Now().Add(time.Second), []store.AccountQuota{{AccountID: "A", Remaining: 1}}, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
}

func TestMySQLClaimReadyLocksRows(t *testing.T) {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("Skipping MySQL test as TEST_MYSQL_DSN environment variable is not set")
	}

	s, err := OpenMySQL(dsn)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.UpsertAccount(store.Account{ID: "A"}))
	_, _, err = s.InsertMessages([]store.Message{{
		ID: "M1", AccountID: "A", Priority: store.PriorityUnset,
		Payload: store.Payload{From: "a@x", To: []string{"b@y"}, Subject: "hi", Body: "ok"},
	}})
	require.NoError(t, err)

	claimed, err := s.ClaimReady(time.Now().Add(time.Second), []store.AccountQuota{{AccountID: "A", Remaining: 1}}, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
}
