// Package view composes the job detail screen: a single-job projection, the
// action executor and the chat session, all torn down together.
package view

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/jobboard/chain"
	"github.com/teranos/jobboard/chat"
	"github.com/teranos/jobboard/errors"
	"github.com/teranos/jobboard/job"
	"github.com/teranos/jobboard/lifecycle"
	"github.com/teranos/jobboard/projector"
	"github.com/teranos/jobboard/relay"
)

// Config configures a Detail view.
type Config struct {
	JobID        uint64
	PollInterval time.Duration
	RecordTTL    time.Duration
	Cooldown     time.Duration
	Chat         chat.Config
	Descriptions projector.DescriptionSource
	TextStore    lifecycle.TextStore
	Clock        func() time.Time
}

// Detail is the live view of one job for the gateway's account.
type Detail struct {
	cfg       Config
	logger    *zap.SugaredLogger
	projector *projector.Projector
	tracker   *lifecycle.Tracker
	session   *chat.Session

	mu       sync.Mutex
	executor *lifecycle.Executor
	cancel   context.CancelFunc
	done     chan struct{}
	onJob    func(*job.Job, error)
}

// NewDetail wires the view over gw. Nothing runs until Start.
func NewDetail(gw chain.Gateway, cfg Config, logger *zap.SugaredLogger) *Detail {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	d := &Detail{
		cfg:     cfg,
		logger:  logger,
		tracker: lifecycle.NewTracker(cfg.RecordTTL),
		session: chat.NewSession(cfg.Chat, logger.Named("chat")),
	}
	d.projector = projector.New(gw, projector.Config{
		Scope:        projector.ScopeSingle(cfg.JobID),
		PollInterval: cfg.PollInterval,
		Concurrency:  1,
		Descriptions: cfg.Descriptions,
	}, logger.Named("projector"))
	d.projector.OnChange(d.apply)
	d.executor = d.newExecutor(gw)
	return d
}

func (d *Detail) newExecutor(gw chain.Gateway) *lifecycle.Executor {
	opts := []lifecycle.ExecutorOption{lifecycle.WithNotifier(d.session)}
	if d.cfg.Cooldown > 0 {
		opts = append(opts, lifecycle.WithCooldown(d.cfg.Cooldown))
	}
	if d.cfg.TextStore != nil {
		opts = append(opts, lifecycle.WithTextStore(d.cfg.TextStore))
	}
	if d.cfg.Clock != nil {
		opts = append(opts, lifecycle.WithClock(d.cfg.Clock))
	}
	return lifecycle.NewExecutor(gw, d.projector, d.projector, d.tracker, d.logger.Named("lifecycle"), opts...)
}

// apply runs on every published snapshot: the chat gate follows the job and
// finished action records age out.
func (d *Detail) apply(snap *projector.Snapshot) {
	j, _ := snap.Find(d.cfg.JobID)
	d.session.Update(j, d.projector.Gateway().Account())
	d.tracker.Sweep()

	d.mu.Lock()
	fn := d.onJob
	d.mu.Unlock()
	if fn == nil {
		return
	}
	switch {
	case snap.Err != nil:
		fn(nil, snap.Err)
	case j == nil:
		fn(nil, errors.NewNotFoundError("job %d", d.cfg.JobID))
	default:
		fn(j, nil)
	}
}

// OnJob registers fn for every re-projection of the job. err is set when the
// job could not be read.
func (d *Detail) OnJob(fn func(*job.Job, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onJob = fn
}

// OnMessage registers fn for chat messages.
func (d *Detail) OnMessage(fn func(relay.Message)) { d.session.OnMessage(fn) }

// OnChatState registers fn for chat connection changes.
func (d *Detail) OnChatState(fn func(chat.State)) { d.session.OnState(fn) }

// OnRecord registers fn for action record changes of this job.
func (d *Detail) OnRecord(fn func(*lifecycle.Record)) {
	d.tracker.OnChange(func(jobID uint64, rec *lifecycle.Record) {
		if jobID == d.cfg.JobID {
			fn(rec)
		}
	})
}

// Start launches the refresh loop. It returns once the loop is running.
func (d *Detail) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.cancel, d.done = cancel, done
	go func() {
		defer close(done)
		if err := d.projector.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warnw("Refresh loop stopped", "error", err)
		}
	}()
}

// Refresh re-projects the job synchronously.
func (d *Detail) Refresh(ctx context.Context) error {
	return d.projector.Refresh(ctx)
}

// Job returns the last projection of the job.
func (d *Detail) Job() (*job.Job, bool) {
	return d.projector.Lookup(d.cfg.JobID)
}

// Allowed lists the actions the account may take right now.
func (d *Detail) Allowed(ctx context.Context) []lifecycle.Action {
	j, ok := d.Job()
	if !ok {
		return nil
	}
	return d.currentExecutor().Allowed(ctx, j)
}

// Act executes a on the job.
func (d *Detail) Act(ctx context.Context, a lifecycle.Action) error {
	return d.currentExecutor().Execute(ctx, d.cfg.JobID, a)
}

// Record returns the job's action record.
func (d *Detail) Record() (lifecycle.Record, bool) {
	return d.tracker.Get(d.cfg.JobID)
}

// Send posts a chat message as the account.
func (d *Detail) Send(text string) error {
	return d.session.Send(text)
}

// Messages returns the chat messages received since the gate opened.
func (d *Detail) Messages() []relay.Message {
	return d.session.Messages()
}

// ChatState returns the chat connection state.
func (d *Detail) ChatState() chat.State {
	return d.session.State()
}

// Reconnect swaps the gateway after an account or network change. Finished
// action records are dropped and the job is re-projected from scratch.
func (d *Detail) Reconnect(gw chain.Gateway) {
	d.mu.Lock()
	d.executor = d.newExecutor(gw)
	d.mu.Unlock()

	d.tracker.ClearFinished()
	d.projector.SetGateway(gw)
	d.logger.Infow("Gateway replaced", "job_id", d.cfg.JobID, "account", gw.Account().Hex())
}

func (d *Detail) currentExecutor() *lifecycle.Executor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.executor
}

// Close stops the refresh loop, the record timers and the chat socket.
func (d *Detail) Close() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	d.session.Close()
	d.tracker.Close()
}
