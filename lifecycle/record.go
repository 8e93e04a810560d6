package lifecycle

import (
	"sync"
	"time"
)

// Phase is the state of an in-flight action.
type Phase int

const (
	PhaseLoading Phase = iota
	PhaseSuccess
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseSuccess:
		return "success"
	default:
		return "error"
	}
}

// DefaultRecordTTL is how long a finished record stays visible.
const DefaultRecordTTL = 5 * time.Second

// Record is the per-job action slot.
type Record struct {
	Action  Action
	Phase   Phase
	Message string
}

type slot struct {
	record Record
	gen    uint64
	timer  *time.Timer
	swept  bool
}

// Tracker holds one Record per job id. Finished records expire after the
// TTL or on the second Sweep.
type Tracker struct {
	mu       sync.Mutex
	slots    map[uint64]*slot
	ttl      time.Duration
	gen      uint64
	onChange func(jobID uint64, rec *Record)
	closed   bool
}

// NewTracker creates a tracker; ttl <= 0 uses DefaultRecordTTL.
func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultRecordTTL
	}
	return &Tracker{slots: make(map[uint64]*slot), ttl: ttl}
}

// OnChange registers fn to run after every update; rec is nil on removal.
func (t *Tracker) OnChange(fn func(jobID uint64, rec *Record)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Start marks an action as loading. Loading records never expire on their own.
func (t *Tracker) Start(jobID uint64, a Action, msg string) {
	t.set(jobID, Record{Action: a, Phase: PhaseLoading, Message: msg}, false)
}

// Succeed records a confirmed action.
func (t *Tracker) Succeed(jobID uint64, a Action, msg string) {
	t.set(jobID, Record{Action: a, Phase: PhaseSuccess, Message: msg}, true)
}

// Fail records a failed action.
func (t *Tracker) Fail(jobID uint64, a Action, msg string) {
	t.set(jobID, Record{Action: a, Phase: PhaseError, Message: msg}, true)
}

func (t *Tracker) set(jobID uint64, rec Record, expire bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if old, ok := t.slots[jobID]; ok && old.timer != nil {
		old.timer.Stop()
	}
	t.gen++
	s := &slot{record: rec, gen: t.gen}
	if expire {
		gen := s.gen
		s.timer = time.AfterFunc(t.ttl, func() { t.expire(jobID, gen) })
	}
	t.slots[jobID] = s
	fn := t.onChange
	t.mu.Unlock()

	if fn != nil {
		r := rec
		fn(jobID, &r)
	}
}

func (t *Tracker) expire(jobID uint64, gen uint64) {
	t.mu.Lock()
	s, ok := t.slots[jobID]
	if !ok || s.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.slots, jobID)
	fn := t.onChange
	t.mu.Unlock()

	if fn != nil {
		fn(jobID, nil)
	}
}

// Get returns the current record for jobID.
func (t *Tracker) Get(jobID uint64) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[jobID]
	if !ok {
		return Record{}, false
	}
	return s.record, true
}

// Busy reports whether an action is loading for jobID.
func (t *Tracker) Busy(jobID uint64) bool {
	rec, ok := t.Get(jobID)
	return ok && rec.Phase == PhaseLoading
}

// Sweep runs on every fetch. A finished record survives the first sweep after
// it was set, so the re-projection that follows its action keeps it visible;
// the next one removes it.
func (t *Tracker) Sweep() {
	t.mu.Lock()
	var removed []uint64
	for id, s := range t.slots {
		if s.record.Phase == PhaseLoading {
			continue
		}
		if !s.swept {
			s.swept = true
			continue
		}
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(t.slots, id)
		removed = append(removed, id)
	}
	fn := t.onChange
	t.mu.Unlock()

	if fn != nil {
		for _, id := range removed {
			fn(id, nil)
		}
	}
}

// ClearFinished drops every success and error record.
func (t *Tracker) ClearFinished() {
	t.mu.Lock()
	var removed []uint64
	for id, s := range t.slots {
		if s.record.Phase == PhaseLoading {
			continue
		}
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(t.slots, id)
		removed = append(removed, id)
	}
	fn := t.onChange
	t.mu.Unlock()

	if fn != nil {
		for _, id := range removed {
			fn(id, nil)
		}
	}
}

// Close stops every expiry timer and ignores later updates.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, s := range t.slots {
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(t.slots, id)
	}
}
