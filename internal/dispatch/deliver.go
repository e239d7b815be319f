package dispatch

import (
	"context"
	"time"

	"github.com/elemta-relay/relaycore/internal/smtppool"
	"github.com/elemta-relay/relaycore/internal/store"
)

// PoolDeliverer is the production Deliverer: it leases a pooled session
// for the account, drives one transaction, and releases the lease
// unhealthy on any error so a broken session is never reused.
type PoolDeliverer struct {
	pool       *smtppool.Pool
	cmdTimeout time.Duration
}

// NewPoolDeliverer wraps pool with the per-command deadline applied to
// each SMTP command in a transaction.
func NewPoolDeliverer(pool *smtppool.Pool, cmdTimeout time.Duration) *PoolDeliverer {
	return &PoolDeliverer{pool: pool, cmdTimeout: cmdTimeout}
}

func (d *PoolDeliverer) Deliver(ctx context.Context, account store.Account, from string, rcpts []string, data []byte) error {
	lease, err := d.pool.Acquire(ctx, account, "")
	if err != nil {
		return err
	}
	err = lease.Session().Send(ctx, from, rcpts, data, d.cmdTimeout)
	lease.Release(err == nil)
	return err
}
