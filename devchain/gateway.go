package devchain

import (
	"context"
	"database/sql"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/teranos/jobboard/chain"
	"github.com/teranos/jobboard/errors"
	"github.com/teranos/jobboard/job"
)

// Gateway is one account's view of the chain. It implements chain.Gateway.
type Gateway struct {
	chain   *Chain
	account common.Address
	approve chain.Approver
}

var _ chain.Gateway = (*Gateway)(nil)

// Account returns the signing address.
func (g *Gateway) Account() common.Address { return g.account }

// Close is a no-op; the Chain owns the database.
func (g *Gateway) Close() {}

// Subscribe delivers every event mined after the call.
func (g *Gateway) Subscribe(ctx context.Context) (chain.Subscription, error) {
	return g.chain.feed.Subscribe(ctx), nil
}

func (g *Gateway) JobCount(ctx context.Context) (uint64, error) {
	var n uint64
	if err := g.chain.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&n); err != nil {
		return 0, unavailable(err, "getJobCount")
	}
	return n, nil
}

func (g *Gateway) Job(ctx context.Context, id uint64) (*chain.JobRecord, error) {
	if id == 0 {
		return nil, errors.NewNotFoundError("job %d", id)
	}
	j, err := loadJob(ctx, g.chain.db, id)
	var r revert
	if errors.As(err, &r) {
		return nil, errors.NewNotFoundError("job %d", id)
	}
	if err != nil {
		return nil, unavailable(err, "getJob")
	}
	if j.employer == (common.Address{}) {
		return nil, errors.NewNotFoundError("job %d", id)
	}
	return &chain.JobRecord{
		ID:             j.id,
		Employer:       j.employer,
		Freelancer:     j.freelancer,
		Title:          j.title,
		DescriptionRef: j.descriptionRef,
		Budget:         j.budget,
		Status:         job.StatusFromUint(uint64(j.status)),
	}, nil
}

func (g *Gateway) EscrowAmount(ctx context.Context, id uint64) (*big.Int, error) {
	var escrow string
	err := g.chain.db.QueryRowContext(ctx, "SELECT escrow FROM jobs WHERE id = ?", id).Scan(&escrow)
	if errors.Is(err, sql.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, unavailable(err, "getEscrowAmount")
	}
	return amount(escrow), nil
}

// send asks the approver, then mines.
func (g *Gateway) send(ctx context.Context, method string, id uint64, value *big.Int, call callFunc) (chain.PendingTx, error) {
	req := chain.TxRequest{From: g.account, Method: method, JobID: id, Value: value}
	if err := g.approve(ctx, req); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "%s declined", method), errors.ErrTransactionRejected)
	}
	return g.chain.mine(ctx, g.account, method, id, value, call)
}

func (g *Gateway) PostJob(ctx context.Context, title, descriptionRef string, budget *big.Int) (chain.PendingTx, error) {
	return g.send(ctx, "postJob", 0, nil, func(tx *sql.Tx, now time.Time) (*effect, error) {
		if strings.TrimSpace(title) == "" {
			return nil, revert("JobBoard: Title required")
		}
		if budget == nil || budget.Sign() <= 0 {
			return nil, revert("JobBoard: Budget must be greater than zero")
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (employer, title, description_ref, budget, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			g.account.Hex(), title, descriptionRef, budget.String(), statusOpen, now.Unix())
		if err != nil {
			return nil, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		return &effect{jobID: uint64(id), events: []chain.EventKind{chain.EventJobPosted}}, nil
	})
}

func (g *Gateway) EscrowFunds(ctx context.Context, id uint64, value *big.Int) (chain.PendingTx, error) {
	return g.send(ctx, "escrowFunds", id, value, func(tx *sql.Tx, now time.Time) (*effect, error) {
		j, err := loadJob(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		switch {
		case g.account != j.employer:
			return nil, revert("JobBoard: Only employer can escrow")
		case j.status != statusOpen:
			return nil, revert("JobBoard: Job not open")
		case j.escrow.Sign() != 0:
			return nil, revert("JobBoard: Funds already escrowed")
		case value == nil || value.Cmp(j.budget) != 0:
			return nil, revert("JobBoard: Escrow must equal budget")
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE jobs SET escrow = ?, escrowed_at = ? WHERE id = ?",
			value.String(), now.Unix(), id); err != nil {
			return nil, err
		}
		return &effect{events: []chain.EventKind{chain.EventPaymentEscrowed}}, nil
	})
}

func (g *Gateway) ApplyForJob(ctx context.Context, id uint64) (chain.PendingTx, error) {
	return g.send(ctx, "applyForJob", id, nil, func(tx *sql.Tx, now time.Time) (*effect, error) {
		j, err := loadJob(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		switch {
		case j.status != statusOpen:
			return nil, revert("JobBoard: Job not open")
		case !job.IsEscrowed(j.escrow, j.budget):
			return nil, revert("JobBoard: Job not funded")
		case g.account == j.employer:
			return nil, revert("JobBoard: Employer cannot apply")
		case j.freelancer != (common.Address{}):
			return nil, revert("JobBoard: Freelancer already assigned")
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE jobs SET freelancer = ?, status = ? WHERE id = ?",
			g.account.Hex(), statusAssigned, id); err != nil {
			return nil, err
		}
		return &effect{events: []chain.EventKind{chain.EventJobApplied}}, nil
	})
}

func (g *Gateway) MarkWorkDone(ctx context.Context, id uint64) (chain.PendingTx, error) {
	return g.send(ctx, "markWorkDone", id, nil, func(tx *sql.Tx, now time.Time) (*effect, error) {
		j, err := loadJob(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		switch {
		case g.account != j.freelancer || j.freelancer == (common.Address{}):
			return nil, revert("JobBoard: Only assigned freelancer")
		case j.status != statusAssigned:
			return nil, revert("JobBoard: Job not assigned")
		}
		if _, err := tx.ExecContext(ctx, "UPDATE jobs SET status = ? WHERE id = ?", statusAwaitingApproval, id); err != nil {
			return nil, err
		}
		return &effect{events: []chain.EventKind{chain.EventWorkSubmitted}}, nil
	})
}

func (g *Gateway) ReleasePayment(ctx context.Context, id uint64) (chain.PendingTx, error) {
	return g.send(ctx, "releasePayment", id, nil, func(tx *sql.Tx, now time.Time) (*effect, error) {
		j, err := loadJob(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		switch {
		case g.account != j.employer:
			return nil, revert("JobBoard: Only employer can release")
		case j.status != statusAwaitingApproval:
			return nil, revert("JobBoard: Work not submitted")
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE jobs SET escrow = '0', status = ? WHERE id = ?", statusCompleted, id); err != nil {
			return nil, err
		}
		return &effect{events: []chain.EventKind{chain.EventPaymentReleased}}, nil
	})
}

func (g *Gateway) RefundEmployer(ctx context.Context, id uint64) (chain.PendingTx, error) {
	return g.send(ctx, "refundEmployer", id, nil, func(tx *sql.Tx, now time.Time) (*effect, error) {
		j, err := loadJob(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		switch {
		case g.account != j.employer:
			return nil, revert("JobBoard: Only employer can refund")
		case j.status != statusOpen:
			return nil, revert("JobBoard: Job not open")
		case !job.IsEscrowed(j.escrow, j.budget) || !j.escrowedAt.Valid:
			return nil, revert("JobBoard: No funds escrowed")
		case now.Before(time.Unix(j.escrowedAt.Int64, 0).Add(g.chain.cooldown)):
			return nil, revert("JobBoard: Refund cooldown not elapsed")
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE jobs SET escrow = '0', status = ? WHERE id = ?", statusRefunded, id); err != nil {
			return nil, err
		}
		return &effect{events: []chain.EventKind{chain.EventEmployerRefunded}}, nil
	})
}

func (g *Gateway) RaiseDispute(ctx context.Context, id uint64) (chain.PendingTx, error) {
	return g.send(ctx, "raiseDispute", id, nil, func(tx *sql.Tx, now time.Time) (*effect, error) {
		j, err := loadJob(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		isParty := g.account == j.employer || (j.freelancer != (common.Address{}) && g.account == j.freelancer)
		switch {
		case !isParty:
			return nil, revert("JobBoard: Only job parties can dispute")
		case j.status != statusAssigned && j.status != statusAwaitingApproval:
			return nil, revert("JobBoard: Cannot dispute in current status")
		}
		if _, err := tx.ExecContext(ctx, "UPDATE jobs SET status = ? WHERE id = ?", statusDisputed, id); err != nil {
			return nil, err
		}
		return &effect{events: []chain.EventKind{chain.EventDisputeRaised}}, nil
	})
}

// EscrowedAt returns when funds were locked, for the client-side cooldown hint.
func (g *Gateway) EscrowedAt(ctx context.Context, id uint64) (time.Time, bool, error) {
	j, err := loadJob(ctx, g.chain.db, id)
	var r revert
	if errors.As(err, &r) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, unavailable(err, "escrowedAt")
	}
	if !j.escrowedAt.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(j.escrowedAt.Int64, 0), true, nil
}
