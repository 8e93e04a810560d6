package projector

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
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

var (
	employer   = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	freelancer = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	stranger   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	budget     = big.NewInt(500)
)

// faultyGateway fails selected reads.
type faultyGateway struct {
	*devchain.Gateway
	failJob   uint64
	failCount atomic.Bool
}

func (g *faultyGateway) JobCount(ctx context.Context) (uint64, error) {
	if g.failCount.Load() {
		return 0, errors.Mark(errors.New("connection refused"), errors.ErrNetworkUnavailable)
	}
	return g.Gateway.JobCount(ctx)
}

func (g *faultyGateway) Job(ctx context.Context, id uint64) (*chain.JobRecord, error) {
	if id == g.failJob {
		return nil, errors.New("flaky node")
	}
	return g.Gateway.Job(ctx, id)
}

func newChain(t *testing.T) *devchain.Chain {
	t.Helper()
	c := devchain.New(jbtest.CreateTestDB(t), nil)
	t.Cleanup(func() { c.Close() })
	return c
}

// mine takes the result of a write call and waits for its receipt.
func mine(t *testing.T) func(chain.PendingTx, error) *chain.Receipt {
	return func(ptx chain.PendingTx, err error) *chain.Receipt {
		t.Helper()
		require.NoError(t, err)
		r, err := ptx.Wait(context.Background())
		require.NoError(t, err)
		return r
	}
}

func postJobs(t *testing.T, c *devchain.Chain, n int) {
	t.Helper()
	gw := c.Gateway(employer, nil)
	for i := 0; i < n; i++ {
		mine(t)(gw.PostJob(context.Background(), "Job", "QmRef", budget))
	}
}

func TestRefresh_SkipsFailingJob(t *testing.T) {
	c := newChain(t)
	postJobs(t, c, 10)

	gw := &faultyGateway{Gateway: c.Gateway(employer, nil), failJob: 7}
	p := New(gw, Config{Scope: ScopePosted, Concurrency: 3}, nil)

	require.NoError(t, p.Refresh(context.Background()))

	snap := p.Snapshot()
	require.NotNil(t, snap)
	assert.NoError(t, snap.Err)
	require.Equal(t, 9, snap.Len())
	assert.Equal(t, 1, snap.Skipped)
	_, ok := snap.Find(7)
	assert.False(t, ok)

	for i := 1; i < len(snap.Jobs); i++ {
		assert.Greater(t, snap.Jobs[i-1].ID, snap.Jobs[i].ID, "newest first")
	}
}

func TestRefresh_CountFailureClearsSnapshot(t *testing.T) {
	c := newChain(t)
	postJobs(t, c, 2)

	gw := &faultyGateway{Gateway: c.Gateway(employer, nil)}
	p := New(gw, Config{Scope: ScopePosted}, nil)
	require.NoError(t, p.Refresh(context.Background()))
	require.Equal(t, 2, p.Snapshot().Len())

	gw.failCount.Store(true)
	err := p.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsNetworkUnavailable(err))

	snap := p.Snapshot()
	assert.Zero(t, snap.Len())
	assert.True(t, errors.IsNetworkUnavailable(snap.Err))
	_, ok := p.Lookup(1)
	assert.False(t, ok)
}

func TestRefresh_Scopes(t *testing.T) {
	c := newChain(t)
	ctx := context.Background()
	emp := c.Gateway(employer, nil)
	free := c.Gateway(freelancer, nil)

	// 1: open, 2: assigned, 3: completed
	postJobs(t, c, 3)
	for id := uint64(1); id <= 3; id++ {
		mine(t)(emp.EscrowFunds(ctx, id, budget))
	}
	mine(t)(free.ApplyForJob(ctx, 2))
	mine(t)(free.ApplyForJob(ctx, 3))
	mine(t)(free.MarkWorkDone(ctx, 3))
	mine(t)(emp.ReleasePayment(ctx, 3))

	ids := func(gw chain.Gateway, scope Scope) []uint64 {
		p := New(gw, Config{Scope: scope}, nil)
		require.NoError(t, p.Refresh(ctx))
		var out []uint64
		for _, j := range p.Snapshot().Jobs {
			out = append(out, j.ID)
		}
		return out
	}

	assert.Equal(t, []uint64{3, 2, 1}, ids(emp, ScopePosted))
	assert.Empty(t, ids(free, ScopePosted))
	assert.Equal(t, []uint64{3, 2}, ids(free, ScopeAssigned))
	assert.Equal(t, []uint64{2, 1}, ids(c.Gateway(stranger, nil), ScopePublic))
	assert.Equal(t, []uint64{3}, ids(c.Gateway(common.Address{}, nil), ScopeSingle(3)))
	assert.Empty(t, ids(emp, ScopeSingle(99)))
	assert.Empty(t, ids(c.Gateway(common.Address{}, nil), ScopePosted))
}

func TestRefresh_ProjectsEscrowed(t *testing.T) {
	c := newChain(t)
	ctx := context.Background()
	postJobs(t, c, 1)
	emp := c.Gateway(employer, nil)

	p := New(emp, Config{Scope: ScopeSingle(1)}, nil)
	require.NoError(t, p.Refresh(ctx))
	j, ok := p.Lookup(1)
	require.True(t, ok)
	assert.False(t, j.Escrowed)

	mine(t)(emp.EscrowFunds(ctx, 1, budget))
	require.NoError(t, p.Refresh(ctx))
	j, ok = p.Lookup(1)
	require.True(t, ok)
	assert.True(t, j.Escrowed)
	assert.Equal(t, job.StatusOpen, j.Status)
}

type stubDescriptions struct{}

func (stubDescriptions) Description(_ context.Context, ref string) string {
	return "text for " + ref
}

func TestRefresh_HydratesDescriptions(t *testing.T) {
	c := newChain(t)
	postJobs(t, c, 1)

	p := New(c.Gateway(employer, nil), Config{Scope: ScopePosted, Descriptions: stubDescriptions{}}, nil)
	require.NoError(t, p.Refresh(context.Background()))
	j, ok := p.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, "text for QmRef", j.Description)
}

func TestRun_EventTriggersRefresh(t *testing.T) {
	c := newChain(t)
	postJobs(t, c, 1)

	p := New(c.Gateway(employer, nil), Config{Scope: ScopePosted, PollInterval: time.Hour}, nil)

	var mu sync.Mutex
	var sizes []int
	p.OnChange(func(s *Snapshot) {
		mu.Lock()
		sizes = append(sizes, s.Len())
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return p.Snapshot().Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	postJobs(t, c, 1)
	require.Eventually(t, func() bool { return p.Snapshot().Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, len(sizes), 2)
}

func TestRun_SetGatewayReprojects(t *testing.T) {
	c := newChain(t)
	postJobs(t, c, 2)

	p := New(c.Gateway(stranger, nil), Config{Scope: ScopePosted, PollInterval: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.Eventually(t, func() bool { return p.Snapshot() != nil }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, p.Snapshot().Len())

	p.SetGateway(c.Gateway(employer, nil))
	require.Eventually(t, func() bool { return p.Snapshot().Len() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestParseScope(t *testing.T) {
	tests := []struct {
		in   string
		want Scope
	}{
		{"", ScopePublic},
		{"public", ScopePublic},
		{"Posted", ScopePosted},
		{"assigned", ScopeAssigned},
		{"job:12", ScopeSingle(12)},
	}
	for _, tt := range tests {
		got, err := ParseScope(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"mine", "job:0", "job:x"} {
		_, err := ParseScope(bad)
		assert.True(t, errors.Is(err, errors.ErrInvalidRequest), bad)
	}
	assert.Equal(t, "job:12", ScopeSingle(12).String())
}
