package chat

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/jobboard/errors"
	"github.com/teranos/jobboard/job"
	"github.com/teranos/jobboard/relay"
	"github.com/teranos/jobboard/version"
)

var (
	employer   = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	freelancer = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	stranger   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

func testJob(id uint64, status job.Status) *job.Job {
	return &job.Job{
		ID:         id,
		Title:      "Logo design",
		Budget:     big.NewInt(1e18),
		Escrow:     big.NewInt(1e18),
		Employer:   employer,
		Freelancer: freelancer,
		Status:     status,
		Escrowed:   true,
	}
}

func TestGateOpen(t *testing.T) {
	open := map[job.Status]bool{
		job.StatusAssigned:         true,
		job.StatusAwaitingApproval: true,
		job.StatusDisputed:         true,
	}
	statuses := []job.Status{
		job.StatusOpen, job.StatusAssigned, job.StatusAwaitingApproval,
		job.StatusCompleted, job.StatusRefunded, job.StatusDisputed,
	}
	for _, st := range statuses {
		for _, role := range []job.Role{job.RoleEmployer, job.RoleFreelancer, job.RoleOther} {
			want := open[st] && role != job.RoleOther
			assert.Equal(t, want, GateOpen(st, role), "%s/%s", st, role)
		}
	}
	assert.False(t, GateOpen(job.StatusUnknown, job.RoleEmployer))
}

func TestGateOpenFor(t *testing.T) {
	j := testJob(1, job.StatusAssigned)
	assert.True(t, GateOpenFor(j, employer))
	assert.True(t, GateOpenFor(j, freelancer))
	assert.False(t, GateOpenFor(j, stranger))
	assert.False(t, GateOpenFor(j, common.Address{}))
	assert.False(t, GateOpenFor(nil, employer))
}

func TestSenderDisplay(t *testing.T) {
	j := testJob(1, job.StatusAssigned)
	assert.Equal(t, job.ShortAddress(employer)+" (Employer)", SenderDisplay(j, employer))
	assert.Equal(t, job.ShortAddress(freelancer)+" (Freelancer)", SenderDisplay(j, freelancer))
	assert.Equal(t, job.ShortAddress(stranger), SenderDisplay(j, stranger))
}

func newRelay(t *testing.T) (*relay.Server, string) {
	t.Helper()
	s := relay.New(relay.Config{}, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Stop()
	})
	return s, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func newSession(t *testing.T, relayURL string) *Session {
	t.Helper()
	s := NewSession(Config{RelayURL: relayURL, ReconnectBackoff: 10 * time.Millisecond}, nil)
	t.Cleanup(s.Close)
	return s
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 3*time.Second, 5*time.Millisecond, "want %s", want)
}

func waitMembers(t *testing.T, r *relay.Server, room string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.Stats().Rooms[room] == n }, 3*time.Second, 5*time.Millisecond)
}

func texts(msgs []relay.Message) []string {
	var out []string
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

func TestSession_SendAndReceive(t *testing.T) {
	r, url := newRelay(t)
	j := testJob(7, job.StatusAssigned)

	emp := newSession(t, url)
	free := newSession(t, url)
	emp.Update(j, employer)
	free.Update(j, freelancer)
	waitState(t, emp, StateConnected)
	waitState(t, free, StateConnected)
	waitMembers(t, r, "job-7", 2)

	require.NoError(t, emp.Send("  hello  "))
	require.NoError(t, free.Send("hi back"))

	for _, s := range []*Session{emp, free} {
		require.Eventually(t, func() bool { return len(s.Messages()) == 2 }, 3*time.Second, 5*time.Millisecond)
	}
	assert.Equal(t, texts(emp.Messages()), texts(free.Messages()))

	var fromEmployer relay.Message
	for _, m := range free.Messages() {
		if m.Text == "hello" {
			fromEmployer = m
		}
	}
	assert.Equal(t, employer.Hex(), fromEmployer.Sender)
	assert.Equal(t, job.ShortAddress(employer)+" (Employer)", fromEmployer.SenderDisplay)
	assert.Equal(t, "7", string(fromEmployer.JobID))
	assert.False(t, fromEmployer.Time().IsZero())
}

func TestSession_SendValidation(t *testing.T) {
	_, url := newRelay(t)
	s := newSession(t, url)

	err := s.Send("   ")
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	err = s.Send("hello")
	assert.True(t, errors.IsChatUnavailable(err), "no viewer yet")

	s.Update(testJob(1, job.StatusOpen), employer)
	assert.Equal(t, StateClosed, s.State())
	assert.True(t, errors.IsChatUnavailable(s.Send("hello")))
}

func TestSession_GateCloseStopsDelivery(t *testing.T) {
	r, url := newRelay(t)
	assigned := testJob(4, job.StatusAwaitingApproval)

	emp := newSession(t, url)
	free := newSession(t, url)
	emp.Update(assigned, employer)
	free.Update(assigned, freelancer)
	waitState(t, emp, StateConnected)
	waitState(t, free, StateConnected)
	waitMembers(t, r, "job-4", 2)

	require.NoError(t, free.Send("before"))
	require.Eventually(t, func() bool { return len(emp.Messages()) == 1 }, 3*time.Second, 5*time.Millisecond)

	emp.Update(testJob(4, job.StatusCompleted), employer)
	assert.Equal(t, StateClosed, emp.State())
	assert.Empty(t, emp.Messages(), "buffer discarded on close")
	assert.True(t, errors.IsChatUnavailable(emp.Send("anyone?")))
	waitMembers(t, r, "job-4", 1)

	require.NoError(t, free.Send("after"))
	require.Eventually(t, func() bool { return len(free.Messages()) == 2 }, 3*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(emp.Messages()) > 0 }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestSession_StrangerNeverConnects(t *testing.T) {
	r, url := newRelay(t)
	s := newSession(t, url)
	s.Update(testJob(2, job.StatusAssigned), stranger)

	assert.Equal(t, StateClosed, s.State())
	assert.Never(t, func() bool { return r.Stats().Clients > 0 }, 150*time.Millisecond, 10*time.Millisecond)
}

func TestSession_SwitchJob(t *testing.T) {
	r, url := newRelay(t)
	s := newSession(t, url)

	s.Update(testJob(1, job.StatusAssigned), employer)
	waitMembers(t, r, "job-1", 1)

	s.Update(testJob(2, job.StatusAssigned), employer)
	waitMembers(t, r, "job-2", 1)
	waitMembers(t, r, "job-1", 0)
}

func TestSession_CloseLeavesRoom(t *testing.T) {
	r, url := newRelay(t)
	s := NewSession(Config{RelayURL: url}, nil)
	s.Update(testJob(5, job.StatusDisputed), freelancer)
	waitState(t, s, StateConnected)
	waitMembers(t, r, "job-5", 1)

	s.Close()
	waitMembers(t, r, "job-5", 0)
	assert.Equal(t, StateClosed, s.State())

	s.Update(testJob(5, job.StatusDisputed), freelancer)
	assert.Equal(t, StateClosed, s.State(), "updates ignored after Close")
}

func TestSession_ReconnectExhaustion(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "relay draining", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	states := make(chan State, 8)
	s := newSession(t, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws")
	s.OnState(func(st State) { states <- st })
	s.Update(testJob(9, job.StatusAssigned), employer)

	waitState(t, s, StateDisconnected)
	assert.EqualValues(t, DefaultReconnectAttempts, hits.Load())
	for _, want := range []State{StateConnecting, StateDisconnected} {
		select {
		case got := <-states:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("missing state %s", want)
		}
	}
	assert.True(t, errors.IsChatUnavailable(s.Send("hello")))
	assert.True(t, errors.IsChatUnavailable(s.SendSystem(context.Background(), 9, "notice")))
}

func TestSession_SendSystemAwaitsDial(t *testing.T) {
	r, url := newRelay(t)
	j := testJob(3, job.StatusAssigned)

	free := newSession(t, url)
	free.Update(j, freelancer)
	waitMembers(t, r, "job-3", 1)

	emp := newSession(t, url)
	emp.Update(j, employer)
	require.NoError(t, emp.SendSystem(context.Background(), 3, "Work marked done"))

	require.Eventually(t, func() bool { return len(free.Messages()) == 1 }, 3*time.Second, 5*time.Millisecond)
	msg := free.Messages()[0]
	assert.Equal(t, relay.SystemSender, msg.Sender)
	assert.Equal(t, relay.SystemSender, msg.SenderDisplay)
	assert.Equal(t, "Work marked done", msg.Text)

	assert.True(t, errors.IsChatUnavailable(emp.SendSystem(context.Background(), 4, "other job")))
}

func TestSession_OnMessage(t *testing.T) {
	r, url := newRelay(t)
	got := make(chan relay.Message, 1)

	s := newSession(t, url)
	s.OnMessage(func(m relay.Message) { got <- m })
	s.Update(testJob(6, job.StatusAssigned), freelancer)
	waitState(t, s, StateConnected)
	waitMembers(t, r, "job-6", 1)

	require.NoError(t, s.Send("ping"))
	select {
	case m := <-got:
		assert.Equal(t, "ping", m.Text)
		assert.Equal(t, job.ShortAddress(freelancer)+" (Freelancer)", m.SenderDisplay)
	case <-time.After(3 * time.Second):
		t.Fatal("no message delivered")
	}
}

func TestSession_DialURL(t *testing.T) {
	s := newSession(t, "ws://relay.example/ws")
	u, err := url.Parse(s.dialURL(42, employer))
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, employer.Hex(), q.Get("userId"))
	assert.Equal(t, "42", q.Get("jobId"))
	assert.Equal(t, version.ChatProtocol, q.Get("protocol"))
}
