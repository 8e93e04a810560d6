package lifecycle

import (
	"context"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/jobboard/chain"
	"github.com/teranos/jobboard/errors"
	"github.com/teranos/jobboard/job"
)

// JobSource resolves the last-known projection of a job.
type JobSource interface {
	Lookup(id uint64) (*job.Job, bool)
}

// Refresher forces a full re-projection.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Notifier posts a system line into a job's chat.
type Notifier interface {
	SendSystem(ctx context.Context, jobID uint64, text string) error
}

// TextStore uploads long-form text and returns its content id.
type TextStore interface {
	PutDescription(ctx context.Context, title, description string) (string, error)
}

// Executor runs actions: guard, send, await confirmation, re-project.
type Executor struct {
	gateway   chain.Gateway
	jobs      JobSource
	refresher Refresher
	tracker   *Tracker
	notifier  Notifier
	store     TextStore
	cooldown  time.Duration
	now       func() time.Time
	logger    *zap.SugaredLogger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithNotifier announces confirmed actions in the job's chat.
func WithNotifier(n Notifier) ExecutorOption {
	return func(e *Executor) { e.notifier = n }
}

// WithTextStore enables PostJob.
func WithTextStore(s TextStore) ExecutorOption {
	return func(e *Executor) { e.store = s }
}

// WithCooldown sets the refund cooldown used for the client-side hint.
func WithCooldown(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.cooldown = d }
}

// WithClock replaces time.Now for guard evaluation.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// NewExecutor wires an executor. tracker may be shared with the view.
func NewExecutor(gw chain.Gateway, jobs JobSource, refresher Refresher, tracker *Tracker, logger *zap.SugaredLogger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if tracker == nil {
		tracker = NewTracker(DefaultRecordTTL)
	}
	e := &Executor{
		gateway:   gw,
		jobs:      jobs,
		refresher: refresher,
		tracker:   tracker,
		cooldown:  7 * 24 * time.Hour,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tracker returns the action record store.
func (e *Executor) Tracker() *Tracker { return e.tracker }

// GuardContext builds the guard inputs for an action on j.
func (e *Executor) GuardContext(ctx context.Context, j *job.Job, a Action) GuardContext {
	gc := GuardContext{Now: e.now(), Cooldown: e.cooldown}
	if a != ActionRefund || !j.Escrowed {
		return gc
	}
	if clock, ok := e.gateway.(chain.EscrowClock); ok {
		at, known, err := clock.EscrowedAt(ctx, j.ID)
		if err != nil {
			e.logger.Debugw("Escrow time unavailable", "job_id", j.ID, "error", err)
		} else if known {
			gc.EscrowedAt = at
		}
	}
	return gc
}

// Allowed lists the actions the connected account may attempt on j.
func (e *Executor) Allowed(ctx context.Context, j *job.Job) []Action {
	var out []Action
	viewer := e.gateway.Account()
	for _, a := range Actions {
		if Guard(j, viewer, a, e.GuardContext(ctx, j, a)) == nil {
			out = append(out, a)
		}
	}
	return out
}

// Execute runs a on job jobID. The outcome lands in the job's action record;
// the returned error carries the same classification.
func (e *Executor) Execute(ctx context.Context, jobID uint64, a Action) error {
	j, ok := e.jobs.Lookup(jobID)
	if !ok {
		return errors.NewNotFoundError("job %d is not in the current view", jobID)
	}
	if e.tracker.Busy(jobID) {
		return errors.NewGuardViolation("another action is in progress for job %d", jobID)
	}

	viewer := e.gateway.Account()
	if err := Guard(j, viewer, a, e.GuardContext(ctx, j, a)); err != nil {
		e.tracker.Fail(jobID, a, err.Error())
		return err
	}

	log := e.logger.With("job_id", jobID, "action", a.String())
	e.tracker.Start(jobID, a, "Processing "+a.Label()+"...")

	// Every attempt that reached the gateway ends in a forced re-projection
	reprojected := false
	defer func() {
		if !reprojected {
			e.reproject(ctx, log)
		}
	}()

	ptx, err := a.Send(ctx, e.gateway, j)
	if err != nil {
		e.tracker.Fail(jobID, a, errors.UserMessage(err))
		if errors.IsRejected(err) {
			log.Infow("Transaction cancelled by signer")
		} else {
			log.Warnw("Transaction not sent", "error", err)
		}
		return err
	}

	log.Infow("Waiting for confirmation", "tx_hash", ptx.Hash().Hex())
	if _, err := ptx.Wait(ctx); err != nil {
		e.tracker.Fail(jobID, a, errors.UserMessage(err))
		log.Warnw("Transaction failed", "error", err, "reason", errors.Reason(err))
		return err
	}

	e.tracker.Succeed(jobID, a, a.successMessage())
	log.Infow("Transaction confirmed")

	if e.notifier != nil {
		notice := SystemNotice(a, j, viewer)
		if err := e.notifier.SendSystem(ctx, jobID, notice); err != nil {
			// APPLY opens the chat gate only once the new state is projected
			e.reproject(ctx, log)
			reprojected = true
			if err := e.notifier.SendSystem(ctx, jobID, notice); err != nil {
				log.Debugw("System notice not delivered", "error", err)
			}
		}
	}
	return nil
}

func (e *Executor) reproject(ctx context.Context, log *zap.SugaredLogger) {
	if e.refresher == nil {
		return
	}
	if err := e.refresher.Refresh(ctx); err != nil {
		log.Warnw("Re-projection failed", "error", err)
	}
}

// PostJob uploads the description, posts the job and returns its id.
func (e *Executor) PostJob(ctx context.Context, title, description string, budget *big.Int) (uint64, error) {
	title = strings.TrimSpace(title)
	description = strings.TrimSpace(description)
	switch {
	case title == "":
		return 0, errors.NewInvalidRequestError("title is required")
	case description == "":
		return 0, errors.NewInvalidRequestError("description is required")
	case budget == nil || budget.Sign() <= 0:
		return 0, errors.NewInvalidRequestError("budget must be greater than zero")
	case e.store == nil:
		return 0, errors.WithHint(errors.NewInvalidRequestError("no text store configured"), "set ipfs.pinata_jwt")
	}

	ref, err := e.store.PutDescription(ctx, title, description)
	if err != nil {
		return 0, errors.Wrap(err, "upload description")
	}

	ptx, err := e.gateway.PostJob(ctx, title, ref, budget)
	if err != nil {
		return 0, err
	}
	receipt, err := ptx.Wait(ctx)
	if err != nil {
		e.reproject(ctx, e.logger)
		return 0, err
	}

	e.logger.Infow("Job posted", "job_id", receipt.JobID, "tx_hash", receipt.TxHash.Hex())
	e.reproject(ctx, e.logger)
	return receipt.JobID, nil
}
