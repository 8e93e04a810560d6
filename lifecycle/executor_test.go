package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/jobboard/chain"
	"github.com/teranos/jobboard/devchain"
	"github.com/teranos/jobboard/errors"
	jbtest "github.com/teranos/jobboard/internal/testing"
	"github.com/teranos/jobboard/job"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// liveSource projects straight from the chain; frozen pins a stale projection.
type liveSource struct {
	reader    chain.Reader
	mu        sync.Mutex
	refreshes int
	frozen    map[uint64]*job.Job
}

func (s *liveSource) Lookup(id uint64) (*job.Job, bool) {
	s.mu.Lock()
	if j, ok := s.frozen[id]; ok {
		s.mu.Unlock()
		return j, true
	}
	s.mu.Unlock()
	j, err := chain.FetchJob(context.Background(), s.reader, id, time.Now())
	if err != nil {
		return nil, false
	}
	return j, true
}

func (s *liveSource) Refresh(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	s.frozen = nil
	return nil
}

func (s *liveSource) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

type recordingNotifier struct {
	mu    sync.Mutex
	lines []string
}

func (n *recordingNotifier) SendSystem(_ context.Context, _ uint64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lines = append(n.lines, text)
	return nil
}

type fixture struct {
	chain *devchain.Chain
	clock *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	c := devchain.New(jbtest.CreateTestDB(t), nil, devchain.WithClock(clk.Now))
	t.Cleanup(func() { c.Close() })
	return &fixture{chain: c, clock: clk}
}

func (f *fixture) executor(account common.Address, approve chain.Approver, opts ...ExecutorOption) (*Executor, *liveSource) {
	gw := f.chain.Gateway(account, approve)
	src := &liveSource{reader: gw}
	opts = append([]ExecutorOption{WithClock(f.clock.Now), WithCooldown(devchain.RefundCooldown)}, opts...)
	return NewExecutor(gw, src, src, NewTracker(time.Hour), nil, opts...), src
}

func (f *fixture) postJob(t *testing.T) uint64 {
	t.Helper()
	ctx := context.Background()
	ptx, err := f.chain.Gateway(employer, nil).PostJob(ctx, "Logo design", "QmDesc", budget)
	require.NoError(t, err)
	receipt, err := ptx.Wait(ctx)
	require.NoError(t, err)
	return receipt.JobID
}

func TestExecute_FullLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.postJob(t)

	emp, empSrc := f.executor(employer, nil)
	free, _ := f.executor(freelancer, nil)

	require.NoError(t, emp.Execute(ctx, id, ActionEscrow))
	require.NoError(t, free.Execute(ctx, id, ActionApply))
	require.NoError(t, free.Execute(ctx, id, ActionMarkDone))
	require.NoError(t, emp.Execute(ctx, id, ActionRelease))

	j, ok := empSrc.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, freelancer, j.Freelancer)
	assert.Equal(t, 2, empSrc.Refreshes())

	rec, ok := emp.Tracker().Get(id)
	require.True(t, ok)
	assert.Equal(t, PhaseSuccess, rec.Phase)
	assert.Equal(t, ActionRelease, rec.Action)
	assert.Equal(t, "Payment released successfully!", rec.Message)
}

func TestExecute_StrangerDisputeNeverSends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.postJob(t)

	emp, _ := f.executor(employer, nil)
	free, _ := f.executor(freelancer, nil)
	require.NoError(t, emp.Execute(ctx, id, ActionEscrow))
	require.NoError(t, free.Execute(ctx, id, ActionApply))

	before, err := f.chain.History(ctx, id)
	require.NoError(t, err)

	sent := false
	strange, src := f.executor(stranger, func(context.Context, chain.TxRequest) error {
		sent = true
		return nil
	})
	err = strange.Execute(ctx, id, ActionRaiseDispute)
	require.Error(t, err)
	assert.True(t, errors.IsGuardViolation(err))
	assert.False(t, sent)
	assert.Zero(t, src.Refreshes())

	after, err := f.chain.History(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	rec, ok := strange.Tracker().Get(id)
	require.True(t, ok)
	assert.Equal(t, PhaseError, rec.Phase)
}

func TestExecute_RefundCooldownHint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.postJob(t)

	emp, _ := f.executor(employer, nil)
	require.NoError(t, emp.Execute(ctx, id, ActionEscrow))

	f.clock.Advance(6 * 24 * time.Hour)
	j, ok := emp.jobs.Lookup(id)
	require.True(t, ok)
	assert.NotContains(t, emp.Allowed(ctx, j), ActionRefund)

	err := emp.Execute(ctx, id, ActionRefund)
	require.Error(t, err)
	assert.True(t, errors.IsGuardViolation(err))

	f.clock.Advance(24 * time.Hour)
	assert.Contains(t, emp.Allowed(ctx, j), ActionRefund)
	require.NoError(t, emp.Execute(ctx, id, ActionRefund))

	j, ok = emp.jobs.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, job.StatusRefunded, j.Status)
	assert.False(t, j.Escrowed)
}

func TestExecute_RevertFromStaleProjection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.postJob(t)

	emp, _ := f.executor(employer, nil)
	require.NoError(t, emp.Execute(ctx, id, ActionEscrow))

	late, src := f.executor(stranger, nil)
	stale, ok := src.Lookup(id)
	require.True(t, ok)
	src.frozen = map[uint64]*job.Job{id: stale}

	first, _ := f.executor(freelancer, nil)
	require.NoError(t, first.Execute(ctx, id, ActionApply))

	err := late.Execute(ctx, id, ActionApply)
	require.Error(t, err)
	assert.True(t, errors.IsReverted(err))
	assert.Equal(t, 1, src.Refreshes())

	rec, ok := late.Tracker().Get(id)
	require.True(t, ok)
	assert.Equal(t, PhaseError, rec.Phase)
	assert.Equal(t, "Transaction failed: Job not open", rec.Message)

	j, ok := src.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, freelancer, j.Freelancer)
}

func TestExecute_SignerDeclines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.postJob(t)

	decline := func(context.Context, chain.TxRequest) error { return errors.New("user denied") }
	emp, src := f.executor(employer, decline)

	err := emp.Execute(ctx, id, ActionEscrow)
	require.Error(t, err)
	assert.True(t, errors.IsRejected(err))
	assert.Equal(t, 1, src.Refreshes())

	rec, ok := emp.Tracker().Get(id)
	require.True(t, ok)
	assert.Equal(t, "Transaction cancelled.", rec.Message)

	j, ok := src.Lookup(id)
	require.True(t, ok)
	assert.False(t, j.Escrowed)
}

func TestExecute_NotifiesChat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.postJob(t)

	notes := &recordingNotifier{}
	emp, _ := f.executor(employer, nil, WithNotifier(notes))
	free, src := f.executor(freelancer, nil, WithNotifier(notes))

	require.NoError(t, emp.Execute(ctx, id, ActionEscrow))
	require.NoError(t, free.Execute(ctx, id, ActionApply))
	assert.Equal(t, 1, src.Refreshes())

	notes.mu.Lock()
	defer notes.mu.Unlock()
	require.Len(t, notes.lines, 2)
	assert.Contains(t, notes.lines[0], "escrowed 1 ETH")
	assert.Contains(t, notes.lines[1], "applied and was assigned as Freelancer")
}

// gatedNotifier refuses notices until the source has re-projected.
type gatedNotifier struct {
	recordingNotifier
	src *liveSource
}

func (n *gatedNotifier) SendSystem(ctx context.Context, id uint64, text string) error {
	if n.src.Refreshes() == 0 {
		return errors.Wrap(errors.ErrChatUnavailable, "gate closed")
	}
	return n.recordingNotifier.SendSystem(ctx, id, text)
}

func TestExecute_NoticeRetriedAfterReprojection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.postJob(t)

	emp, _ := f.executor(employer, nil)
	require.NoError(t, emp.Execute(ctx, id, ActionEscrow))

	gw := f.chain.Gateway(freelancer, nil)
	src := &liveSource{reader: gw}
	notes := &gatedNotifier{src: src}
	free := NewExecutor(gw, src, src, NewTracker(time.Hour), nil, WithNotifier(notes))

	require.NoError(t, free.Execute(ctx, id, ActionApply))
	assert.Equal(t, 1, src.Refreshes(), "no second refresh after the retry")

	notes.mu.Lock()
	defer notes.mu.Unlock()
	require.Len(t, notes.lines, 1)
	assert.Contains(t, notes.lines[0], "applied and was assigned as Freelancer")
}

func TestExecute_UnknownJob(t *testing.T) {
	f := newFixture(t)
	emp, _ := f.executor(employer, nil)
	err := emp.Execute(context.Background(), 42, ActionEscrow)
	assert.True(t, errors.IsNotFoundError(err))
}

type memStore struct{ puts int }

func (m *memStore) PutDescription(context.Context, string, string) (string, error) {
	m.puts++
	return "QmTest", nil
}

func TestPostJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	emp, src := f.executor(employer, nil)
	_, err := emp.PostJob(ctx, "Logo", "A logo", budget)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	store := &memStore{}
	emp, src = f.executor(employer, nil, WithTextStore(store))

	_, err = emp.PostJob(ctx, "  ", "A logo", budget)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	assert.Zero(t, store.puts)

	id, err := emp.PostJob(ctx, "Logo", "A logo", budget)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
	assert.Equal(t, 1, store.puts)
	assert.Equal(t, 1, src.Refreshes())

	j, ok := src.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, "QmTest", j.DescriptionRef)
	assert.Equal(t, job.StatusOpen, j.Status)
}
