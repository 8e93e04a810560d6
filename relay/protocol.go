package relay

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/jobboard/errors"
)

// Wire events.
const (
	EventSendMessage    = "sendMessage"
	EventLeaveRoom      = "leaveRoom"
	EventReceiveMessage = "receiveMessage"
)

// SystemSender is the sender of lifecycle notices.
const SystemSender = "System"

// Frame is one JSON frame on the socket.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JobRef is a job id as it appears on the wire, either a JSON string or number.
type JobRef string

// UnmarshalJSON accepts "12" and 12.
func (r *JobRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*r = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = JobRef(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.Wrap(err, "job id must be a string or number")
	}
	*r = JobRef(n.String())
	return nil
}

// FromID formats a numeric job id.
func FromID(id uint64) JobRef {
	return JobRef(strconv.FormatUint(id, 10))
}

// Room is the broadcast group for the job.
func (r JobRef) Room() string {
	return "job-" + string(r)
}

// Message is a chat line. The relay never stores it.
type Message struct {
	JobID         JobRef    `json:"jobId"`
	Sender        string    `json:"sender"`
	SenderDisplay string    `json:"senderDisplay"`
	Text          string    `json:"text"`
	// Timestamp is the sender's clock, RFC 3339.
	Timestamp string `json:"timestamp"`
}

// Time parses Timestamp; an unparsable value reads as the zero time.
func (m *Message) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, m.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Validate checks the fields the relay routes and displays on.
func (m *Message) Validate() error {
	switch {
	case m.JobID == "":
		return errors.NewInvalidRequestError("message has no jobId")
	case strings.TrimSpace(m.Text) == "":
		return errors.NewInvalidRequestError("message has no text")
	case m.SenderDisplay == "":
		return errors.NewInvalidRequestError("message has no senderDisplay")
	}
	return nil
}

// EncodeFrame wraps data in a frame for event.
func EncodeFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", event)
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}
