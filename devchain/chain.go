// Package devchain is an in-process JobBoard contract persisted in SQLite.
// It enforces the same preconditions as the deployed contract, mines every
// transaction immediately, and publishes the contract's events, so the client
// stack can run end to end without a node.
package devchain

import (
	"context"
	"database/sql"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/teranos/jobboard/chain"
	"github.com/teranos/jobboard/db"
	"github.com/teranos/jobboard/errors"
)

// RefundCooldown is the contract's escrow-to-refund waiting period.
const RefundCooldown = 7 * 24 * time.Hour

// Chain holds contract state and mines transactions one at a time.
type Chain struct {
	db       *sql.DB
	feed     *chain.Feed
	logger   *zap.SugaredLogger
	mu       sync.Mutex
	now      func() time.Time
	cooldown time.Duration
	ownsDB   bool
}

// Option configures a Chain.
type Option func(*Chain)

// WithClock replaces the block timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

// WithCooldown overrides the refund cooldown.
func WithCooldown(d time.Duration) Option {
	return func(c *Chain) { c.cooldown = d }
}

// Open opens (or creates) a chain database at path.
func Open(path string, logger *zap.SugaredLogger, opts ...Option) (*Chain, error) {
	database, err := db.OpenWithMigrations(path, logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open devchain")
	}
	c := New(database, logger, opts...)
	c.ownsDB = true
	return c, nil
}

// New wraps an already migrated database.
func New(database *sql.DB, logger *zap.SugaredLogger, opts ...Option) *Chain {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	c := &Chain{
		db:       database,
		feed:     chain.NewFeed(),
		logger:   logger,
		now:      time.Now,
		cooldown: RefundCooldown,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close ends every subscription and closes the database if Open created it.
func (c *Chain) Close() error {
	c.feed.Close()
	if c.ownsDB {
		return c.db.Close()
	}
	return nil
}

// Gateway returns a contract gateway that signs as account.
// A nil approve signs everything.
func (c *Chain) Gateway(account common.Address, approve chain.Approver) *Gateway {
	if approve == nil {
		approve = chain.AutoApprove
	}
	return &Gateway{chain: c, account: account, approve: approve}
}

// History returns the events emitted for a job, oldest first.
func (c *Chain) History(ctx context.Context, jobID uint64) ([]chain.Event, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT kind, job_id, block FROM events WHERE job_id = ? ORDER BY seq", jobID)
	if err != nil {
		return nil, unavailable(err, "history")
	}
	defer rows.Close()

	var events []chain.Event
	for rows.Next() {
		var kind string
		var ev chain.Event
		if err := rows.Scan(&kind, &ev.JobID, &ev.Block); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		if ev.Kind, err = chain.ParseEventKind(kind); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, errors.Wrap(rows.Err(), "iterate events")
}

// ResolveDispute is the arbiter's out-of-band settlement: escrow goes to the
// freelancer or back to the employer. The job stays DISPUTED.
func (c *Chain) ResolveDispute(ctx context.Context, arbiter common.Address, id uint64, payFreelancer bool) (*chain.Receipt, error) {
	ptx, err := c.mine(ctx, arbiter, "resolveDispute", id, nil, func(tx *sql.Tx, now time.Time) (*effect, error) {
		j, err := loadJob(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if j.status != statusDisputed {
			return nil, revert("JobBoard: Job not disputed")
		}
		if _, err := tx.ExecContext(ctx, "UPDATE jobs SET escrow = '0' WHERE id = ?", id); err != nil {
			return nil, err
		}
		recipient := j.employer
		if payFreelancer {
			recipient = j.freelancer
		}
		c.logger.Infow("Dispute resolved", "job_id", id, "recipient", recipient.Hex(), "amount", j.escrow.String())
		return &effect{jobID: id, events: []chain.EventKind{chain.EventDisputeResolved}}, nil
	})
	if err != nil {
		return nil, err
	}
	return ptx.Wait(ctx)
}

func unavailable(err error, op string) error {
	return errors.Mark(errors.Wrapf(err, "devchain %s", op), errors.ErrNetworkUnavailable)
}

// amount converts a stored base-10 wei string.
func amount(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}
