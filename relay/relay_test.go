package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/jobboard/version"
)

func newTestRelay(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	s := New(cfg, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Stop()
	})
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server, user, jobID string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?" + url.Values{"userId": {user}, "jobId": {jobID}}.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitMembers(t *testing.T, s *Server, room string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Stats().Rooms[room] == n }, 2*time.Second, 5*time.Millisecond)
}

func send(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	frame, err := EncodeFrame(EventSendMessage, msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func chatMessage(sender, jobID, text string) Message {
	return Message{
		JobID:         JobRef(jobID),
		Sender:        sender,
		SenderDisplay: sender + " (Employer)",
		Text:          text,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func receive(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame Frame
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.Equal(t, EventReceiveMessage, frame.Event)
	var msg Message
	require.NoError(t, json.Unmarshal(frame.Data, &msg))
	return msg
}

// expectSilence must be the last read on conn; a timed-out read breaks it.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "expected no frame")
}

func TestRelay_RoomOrderingAndIsolation(t *testing.T) {
	s, ts := newTestRelay(t, Config{})

	a := dial(t, ts, "employer", "7")
	b := dial(t, ts, "freelancer", "7")
	other := dial(t, ts, "stranger", "8")
	waitMembers(t, s, "job-7", 2)
	waitMembers(t, s, "job-8", 1)

	const n = 20
	for i := 0; i < n; i++ {
		conn, user := a, "employer"
		if i%2 == 1 {
			conn, user = b, "freelancer"
		}
		send(t, conn, chatMessage(user, "7", "m"+strconv.Itoa(i)))
	}

	var seenA, seenB []string
	for i := 0; i < n; i++ {
		seenA = append(seenA, receive(t, a).Text)
		seenB = append(seenB, receive(t, b).Text)
	}
	assert.Equal(t, seenA, seenB, "members observe one order")
	assert.ElementsMatch(t, seenA, func() []string {
		var all []string
		for i := 0; i < n; i++ {
			all = append(all, "m"+strconv.Itoa(i))
		}
		return all
	}())

	expectSilence(t, other)
}

func TestRelay_SenderReceivesEcho(t *testing.T) {
	s, ts := newTestRelay(t, Config{})
	a := dial(t, ts, "employer", "3")
	waitMembers(t, s, "job-3", 1)

	send(t, a, chatMessage("employer", "3", "hello"))
	got := receive(t, a)
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, JobRef("3"), got.JobID)
}

func TestRelay_DropsMalformed(t *testing.T) {
	s, ts := newTestRelay(t, Config{})
	a := dial(t, ts, "employer", "1")
	waitMembers(t, s, "job-1", 1)

	send(t, a, map[string]string{"jobId": "1", "text": "no display"})
	send(t, a, map[string]string{"jobId": "1", "senderDisplay": "x", "text": "  "})
	send(t, a, map[string]string{"text": "no job", "senderDisplay": "x"})
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"event":"sendMessage","data":"oops"}`)))

	send(t, a, chatMessage("employer", "1", "valid"))
	assert.Equal(t, "valid", receive(t, a).Text)
	expectSilence(t, a)
}

func TestRelay_NoHistoryForLateJoiner(t *testing.T) {
	s, ts := newTestRelay(t, Config{})
	a := dial(t, ts, "employer", "5")
	waitMembers(t, s, "job-5", 1)

	send(t, a, chatMessage("employer", "5", "before"))
	assert.Equal(t, "before", receive(t, a).Text)

	late := dial(t, ts, "freelancer", "5")
	waitMembers(t, s, "job-5", 2)

	// The first frame a late joiner sees is the first message sent after it joined
	send(t, a, chatMessage("employer", "5", "after"))
	assert.Equal(t, "after", receive(t, late).Text)
}

func TestRelay_LeaveRoom(t *testing.T) {
	s, ts := newTestRelay(t, Config{})
	a := dial(t, ts, "employer", "9")
	b := dial(t, ts, "freelancer", "9")
	waitMembers(t, s, "job-9", 2)

	frame, err := EncodeFrame(EventLeaveRoom, 9)
	require.NoError(t, err)
	require.NoError(t, b.WriteMessage(websocket.TextMessage, frame))
	waitMembers(t, s, "job-9", 1)

	send(t, a, chatMessage("employer", "9", "still here?"))
	assert.Equal(t, "still here?", receive(t, a).Text)
	expectSilence(t, b)
}

func TestRelay_DisconnectRemovesMembership(t *testing.T) {
	s, ts := newTestRelay(t, Config{})
	a := dial(t, ts, "employer", "4")
	waitMembers(t, s, "job-4", 1)

	a.Close()
	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.Clients == 0 && len(st.Rooms) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRelay_RateLimit(t *testing.T) {
	s, ts := newTestRelay(t, Config{MessagesPerSecond: 0.001, Burst: 2})
	a := dial(t, ts, "employer", "2")
	waitMembers(t, s, "job-2", 1)

	for i := 0; i < 4; i++ {
		send(t, a, chatMessage("employer", "2", "m"+strconv.Itoa(i)))
	}
	assert.Equal(t, "m0", receive(t, a).Text)
	assert.Equal(t, "m1", receive(t, a).Text)
	expectSilence(t, a)
}

func TestRelay_OriginCheck(t *testing.T) {
	s, ts := newTestRelay(t, Config{AllowedOrigins: []string{"http://localhost:3000"}})
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?jobId=1"

	header := http.Header{"Origin": {"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(u, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "http://localhost:3000")
	conn, _, err := websocket.DefaultDialer.Dial(u, header)
	require.NoError(t, err)
	conn.Close()

	s.SetAllowedOrigins([]string{"http://evil.example"})
	conn, _, err = websocket.DefaultDialer.Dial(u, http.Header{"Origin": {"http://evil.example"}})
	require.NoError(t, err)
	conn.Close()
}

func TestOriginAllowed(t *testing.T) {
	allow := []string{"http://localhost:3000", "https://jobs.example/"}
	tests := []struct {
		origin string
		want   bool
	}{
		{"http://localhost:3000", true},
		{"http://localhost:3000.evil.com", false},
		{"http://localhost:3001", false},
		{"https://localhost:3000", false},
		{"https://jobs.example", true},
		{"https://jobs.example:8443", true},
		{"https://jobs.example.evil.com", false},
		{"https://evil.com/?x=https://jobs.example", false},
		{"not a url", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, originAllowed(tt.origin, allow), tt.origin)
	}
	assert.True(t, originAllowed("http://anything.example", []string{"*"}))
}

func TestRelay_DropsForeignRoomAndSender(t *testing.T) {
	s, ts := newTestRelay(t, Config{})
	a := dial(t, ts, "employer", "6")
	outsider := dial(t, ts, "stranger", "8")
	waitMembers(t, s, "job-6", 1)
	waitMembers(t, s, "job-8", 1)

	send(t, outsider, chatMessage("stranger", "6", "injected"))
	send(t, a, chatMessage("freelancer", "6", "spoofed"))

	notice := chatMessage(SystemSender, "6", "Work submitted")
	notice.SenderDisplay = SystemSender
	send(t, a, notice)
	send(t, a, chatMessage("EMPLOYER", "6", "own id, any case"))

	assert.Equal(t, "Work submitted", receive(t, a).Text)
	assert.Equal(t, "own id, any case", receive(t, a).Text)
	expectSilence(t, a)
}

func TestRelay_RejectsUnknownProtocol(t *testing.T) {
	_, ts := newTestRelay(t, Config{})
	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?jobId=1&protocol="

	_, resp, err := websocket.DefaultDialer.Dial(base+"jobchat%2F0", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(base+url.QueryEscape(version.ChatProtocol), nil)
	require.NoError(t, err)
	conn.Close()
}

func TestRelay_Health(t *testing.T) {
	s, ts := newTestRelay(t, Config{})
	dial(t, ts, "employer", "1")
	waitMembers(t, s, "job-1", 1)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, float64(1), body["clients"])
	assert.Equal(t, float64(1), body["rooms"])
	assert.Equal(t, version.ChatProtocol, body["protocol"])
}

func TestRelay_StopClosesClients(t *testing.T) {
	s, ts := newTestRelay(t, Config{})
	a := dial(t, ts, "employer", "1")
	waitMembers(t, s, "job-1", 1)

	require.NoError(t, s.Stop())
	assert.Equal(t, StateStopped, s.State())

	a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.ReadMessage()
	assert.Error(t, err)
}

func TestJobRef_Unmarshal(t *testing.T) {
	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"jobId":12,"text":"x","senderDisplay":"y"}`), &m))
	assert.Equal(t, JobRef("12"), m.JobID)
	require.NoError(t, json.Unmarshal([]byte(`{"jobId":"13"}`), &m))
	assert.Equal(t, "job-13", m.JobID.Room())
	assert.Equal(t, JobRef("14"), FromID(14))
}
