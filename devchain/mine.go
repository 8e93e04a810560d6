package devchain

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/teranos/jobboard/chain"
	"github.com/teranos/jobboard/errors"
	"github.com/teranos/jobboard/job"
)

const (
	statusOpen             = uint8(job.StatusOpen)
	statusAssigned         = uint8(job.StatusAssigned)
	statusAwaitingApproval = uint8(job.StatusAwaitingApproval)
	statusCompleted        = uint8(job.StatusCompleted)
	statusRefunded         = uint8(job.StatusRefunded)
	statusDisputed         = uint8(job.StatusDisputed)
)

// revert is a contract require() failure.
type revert string

func (r revert) Error() string { return string(r) }

// effect is what a successful call emits.
type effect struct {
	jobID  uint64
	events []chain.EventKind
}

type jobRow struct {
	id             uint64
	employer       common.Address
	freelancer     common.Address
	title          string
	descriptionRef string
	budget         *big.Int
	escrow         *big.Int
	status         uint8
	escrowedAt     sql.NullInt64
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const jobColumns = "id, employer, freelancer, title, description_ref, budget, escrow, status, escrowed_at"

func loadJob(ctx context.Context, q querier, id uint64) (*jobRow, error) {
	var (
		j                    jobRow
		employer, freelancer string
		budget, escrow       string
	)
	err := q.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id).
		Scan(&j.id, &employer, &freelancer, &j.title, &j.descriptionRef, &budget, &escrow, &j.status, &j.escrowedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, revert("JobBoard: Job does not exist")
	}
	if err != nil {
		return nil, err
	}
	j.employer = common.HexToAddress(employer)
	if freelancer != "" {
		j.freelancer = common.HexToAddress(freelancer)
	}
	j.budget = amount(budget)
	j.escrow = amount(escrow)
	return &j, nil
}

type callFunc func(tx *sql.Tx, now time.Time) (*effect, error)

// mine executes call in its own database transaction and records the outcome.
// A revert rolls back state but still produces a mined, failed transaction.
func (c *Chain) mine(ctx context.Context, from common.Address, method string, jobID uint64, value *big.Int, call callFunc) (*pendingTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if value == nil {
		value = new(big.Int)
	}
	now := c.now()

	var block uint64
	if err := c.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(block), 0) + 1 FROM transactions").Scan(&block); err != nil {
		return nil, unavailable(err, "block number")
	}
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("%d:%s:%s:%d:%d", block, from.Hex(), method, jobID, now.UnixNano())))

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable(err, "begin")
	}

	eff, callErr := call(tx, now)
	var reason revert
	if errors.As(callErr, &reason) {
		tx.Rollback()
		if err := c.recordFailure(ctx, hash, block, from, method, jobID, value, now, string(reason)); err != nil {
			return nil, err
		}
		c.logger.Infow("Transaction reverted",
			"tx_hash", hash.Hex(),
			"action", method,
			"job_id", jobID,
			"reason", string(reason))
		return &pendingTx{hash: hash, err: errors.NewReverted(string(reason))}, nil
	}
	if callErr != nil {
		tx.Rollback()
		return nil, unavailable(callErr, method)
	}

	if eff.jobID != 0 {
		jobID = eff.jobID
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (hash, block, sender, method, job_id, value, success, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
		hash.Hex(), block, from.Hex(), method, jobID, value.String(), now.Unix()); err != nil {
		tx.Rollback()
		return nil, unavailable(err, "record transaction")
	}
	for _, kind := range eff.events {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO events (block, kind, job_id, tx_hash) VALUES (?, ?, ?, ?)",
			block, string(kind), jobID, hash.Hex()); err != nil {
			tx.Rollback()
			return nil, unavailable(err, "record event")
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable(err, "commit")
	}

	c.logger.Debugw("Transaction mined",
		"tx_hash", hash.Hex(),
		"action", method,
		"job_id", jobID,
		"block", block)

	// Events go out only after the state they describe is readable
	for _, kind := range eff.events {
		c.feed.Publish(chain.Event{Kind: kind, JobID: jobID, Block: block})
	}

	receipt := &chain.Receipt{TxHash: hash, BlockNumber: block}
	if method == "postJob" {
		receipt.JobID = jobID
	}
	return &pendingTx{hash: hash, receipt: receipt}, nil
}

func (c *Chain) recordFailure(ctx context.Context, hash common.Hash, block uint64, from common.Address, method string, jobID uint64, value *big.Int, now time.Time, reason string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO transactions (hash, block, sender, method, job_id, value, success, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		hash.Hex(), block, from.Hex(), method, jobID, value.String(), reason, now.Unix())
	if err != nil {
		return unavailable(err, "record failed transaction")
	}
	return nil
}

// pendingTx is already mined; Wait only reports the outcome.
type pendingTx struct {
	hash    common.Hash
	receipt *chain.Receipt
	err     error
}

func (p *pendingTx) Hash() common.Hash { return p.hash }

func (p *pendingTx) Wait(ctx context.Context) (*chain.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "wait for transaction")
	}
	return p.receipt, p.err
}
