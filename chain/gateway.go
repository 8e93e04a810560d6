// Package chain defines the contract gateway: the single point through which
// job state is read from and written to the JobBoard contract.
package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/teranos/jobboard/job"
)

// JobRecord is getJob's return tuple.
type JobRecord struct {
	ID             uint64
	Employer       common.Address
	Freelancer     common.Address
	Title          string
	DescriptionRef string
	Budget         *big.Int
	Status         job.Status
}

// Reader is the read-only half of the gateway.
type Reader interface {
	// JobCount returns the number of jobs ever created.
	JobCount(ctx context.Context) (uint64, error)
	// Job returns ErrNotFound for id 0, id beyond the count, or an unused slot.
	Job(ctx context.Context, id uint64) (*JobRecord, error)
	// EscrowAmount returns 0 when nothing is locked.
	EscrowAmount(ctx context.Context, id uint64) (*big.Int, error)
}

// Writer sends signed transactions. Every call returns once the transaction
// is submitted; callers must Wait on the PendingTx.
type Writer interface {
	PostJob(ctx context.Context, title, descriptionRef string, budget *big.Int) (PendingTx, error)
	EscrowFunds(ctx context.Context, id uint64, amount *big.Int) (PendingTx, error)
	ApplyForJob(ctx context.Context, id uint64) (PendingTx, error)
	MarkWorkDone(ctx context.Context, id uint64) (PendingTx, error)
	ReleasePayment(ctx context.Context, id uint64) (PendingTx, error)
	RefundEmployer(ctx context.Context, id uint64) (PendingTx, error)
	RaiseDispute(ctx context.Context, id uint64) (PendingTx, error)
}

// Gateway is the full contract surface used by the projector and the executor.
type Gateway interface {
	Reader
	Writer
	// Subscribe delivers lifecycle events until ctx is cancelled or Unsubscribe is called.
	Subscribe(ctx context.Context) (Subscription, error)
	// Account is the signing address, the zero address for a read-only gateway.
	Account() common.Address
	Close()
}

// EscrowClock is implemented by gateways that can tell when a job's escrow
// was locked. Refund guards use it as a hint only; the contract decides.
type EscrowClock interface {
	EscrowedAt(ctx context.Context, id uint64) (time.Time, bool, error)
}

// PendingTx is a submitted transaction awaiting finalization.
type PendingTx interface {
	Hash() common.Hash
	// Wait blocks until the transaction is mined. A reverted or dropped
	// transaction returns ErrTransactionReverted, never nil.
	Wait(ctx context.Context) (*Receipt, error)
}

// Receipt is the finalized outcome of a successful transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	// JobID is set for PostJob, decoded from the JobPosted event.
	JobID uint64
}

// Subscription is a push channel of lifecycle events.
type Subscription interface {
	Events() <-chan Event
	// Err reports a terminal subscription failure, then closes.
	Err() <-chan error
	Unsubscribe()
}

// TxRequest describes a transaction about to be signed.
type TxRequest struct {
	From   common.Address
	Method string
	JobID  uint64
	Value  *big.Int
}

// Approver stands in for the wallet prompt. Returning an error declines the
// transaction, which the gateway reports as ErrTransactionRejected.
type Approver func(ctx context.Context, req TxRequest) error

// AutoApprove signs everything.
func AutoApprove(context.Context, TxRequest) error { return nil }

// Project combines a record with its escrow balance into a job projection.
// Escrowed is derived here and nowhere else.
func (r *JobRecord) Project(escrow *big.Int, fetchedAt time.Time) *job.Job {
	if escrow == nil {
		escrow = new(big.Int)
	}
	budget := r.Budget
	if budget == nil {
		budget = new(big.Int)
	}
	return &job.Job{
		ID:             r.ID,
		Title:          r.Title,
		DescriptionRef: r.DescriptionRef,
		Budget:         new(big.Int).Set(budget),
		Escrow:         new(big.Int).Set(escrow),
		Employer:       r.Employer,
		Freelancer:     r.Freelancer,
		Status:         r.Status,
		Escrowed:       job.IsEscrowed(escrow, budget),
		FetchedAt:      fetchedAt,
	}
}

// FetchJob performs the two independent reads behind one projection.
func FetchJob(ctx context.Context, r Reader, id uint64, now time.Time) (*job.Job, error) {
	rec, err := r.Job(ctx, id)
	if err != nil {
		return nil, err
	}
	escrow, err := r.EscrowAmount(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Project(escrow, now), nil
}
