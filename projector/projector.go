// Package projector maintains the client-side view of contract jobs. Every
// refresh re-reads the whole job range; contract events only trigger refreshes.
package projector

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/jobboard/chain"
	"github.com/teranos/jobboard/errors"
	"github.com/teranos/jobboard/job"
)

const (
	// DefaultPollInterval is the periodic refresh period.
	DefaultPollInterval = 30 * time.Second
	// DefaultConcurrency bounds the per-job fetches of one refresh.
	DefaultConcurrency = 8
)

// DescriptionSource resolves description references. It returns placeholder
// text rather than failing.
type DescriptionSource interface {
	Description(ctx context.Context, ref string) string
}

// Config configures a Projector.
type Config struct {
	Scope        Scope
	PollInterval time.Duration
	Concurrency  int
	Descriptions DescriptionSource
}

// Projector owns the current Snapshot. Refreshes are serialized; readers see
// whole snapshots only.
type Projector struct {
	scope        Scope
	interval     time.Duration
	concurrency  int
	descriptions DescriptionSource
	logger       *zap.SugaredLogger
	now          func() time.Time

	mu        sync.Mutex
	gateway   chain.Gateway
	listeners []func(*Snapshot)

	refreshMu sync.Mutex
	snap      atomic.Pointer[Snapshot]
	trigger   chan struct{}
	resub     chan struct{}
}

// New creates a projector over gw. Nothing is fetched until Refresh or Run.
func New(gw chain.Gateway, cfg Config, logger *zap.SugaredLogger) *Projector {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Projector{
		scope:        cfg.Scope,
		interval:     cfg.PollInterval,
		concurrency:  cfg.Concurrency,
		descriptions: cfg.Descriptions,
		logger:       logger,
		now:          time.Now,
		gateway:      gw,
		trigger:      make(chan struct{}, 1),
		resub:        make(chan struct{}, 1),
	}
}

// Scope returns the projection's filter.
func (p *Projector) Scope() Scope { return p.scope }

// Gateway returns the gateway currently in use.
func (p *Projector) Gateway() chain.Gateway {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gateway
}

// SetGateway swaps the gateway after an account or network change. Run drops
// its subscription, resubscribes on gw and refreshes.
func (p *Projector) SetGateway(gw chain.Gateway) {
	p.mu.Lock()
	p.gateway = gw
	p.mu.Unlock()

	select {
	case p.resub <- struct{}{}:
	default:
	}
	p.Invalidate()
}

// OnChange registers fn to run after every published snapshot. fn runs on the
// refreshing goroutine and must not call Refresh.
func (p *Projector) OnChange(fn func(*Snapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Snapshot returns the current projection, or nil before the first refresh.
func (p *Projector) Snapshot() *Snapshot {
	return p.snap.Load()
}

// Lookup returns the last-known projection of id.
func (p *Projector) Lookup(id uint64) (*job.Job, bool) {
	return p.snap.Load().Find(id)
}

// Invalidate requests an asynchronous refresh from Run. Requests coalesce.
func (p *Projector) Invalidate() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Refresh rebuilds the projection from the gateway and publishes it. A failed
// job count publishes an empty snapshot carrying the error. Individual job
// fetch failures only drop that job.
func (p *Projector) Refresh(ctx context.Context) error {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	start := p.now()
	gw := p.Gateway()
	viewer := gw.Account()

	ids, err := p.candidates(ctx, gw)
	if err != nil {
		p.publish(&Snapshot{Err: err, RefreshedAt: p.now()})
		p.logger.Warnw("Job count unavailable, projection cleared", "scope", p.scope.String(), "error", err)
		return err
	}

	fetched := make([]*job.Job, len(ids))
	var skipped atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			j, err := chain.FetchJob(gctx, gw, id, start)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				skipped.Add(1)
				p.logger.Debugw("Skipping job", "job_id", id, "error", err)
				return nil
			}
			if !p.scope.Match(j, viewer) {
				return nil
			}
			if p.descriptions != nil && j.DescriptionRef != "" {
				j.Description = p.descriptions.Description(gctx, j.DescriptionRef)
			}
			fetched[i] = j
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "refresh cancelled")
	}

	snap := &Snapshot{RefreshedAt: p.now(), Skipped: int(skipped.Load())}
	for _, j := range fetched {
		if j != nil {
			snap.Jobs = append(snap.Jobs, j)
		}
	}
	sort.Slice(snap.Jobs, func(a, b int) bool { return snap.Jobs[a].ID > snap.Jobs[b].ID })
	p.publish(snap)

	p.logger.Debugw("Projection refreshed",
		"scope", p.scope.String(),
		"count", len(snap.Jobs),
		"total_count", len(ids),
		"skipped", snap.Skipped,
		"duration_ms", p.now().Sub(start).Milliseconds())
	return nil
}

// candidates lists the ids to fetch, newest first. A single-job scope still
// checks the count so a bad id reads as not found.
func (p *Projector) candidates(ctx context.Context, gw chain.Reader) ([]uint64, error) {
	count, err := gw.JobCount(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read job count")
	}
	if id, ok := p.scope.JobID(); ok {
		if id > count {
			return nil, nil
		}
		return []uint64{id}, nil
	}
	ids := make([]uint64, 0, count)
	for id := count; id >= 1; id-- {
		ids = append(ids, id)
	}
	return ids, nil
}

func (p *Projector) publish(snap *Snapshot) {
	p.snap.Store(snap)

	p.mu.Lock()
	listeners := append([]func(*Snapshot){}, p.listeners...)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}
