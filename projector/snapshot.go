package projector

import (
	"time"

	"github.com/teranos/jobboard/job"
)

// Snapshot is one complete projection. It is never mutated after publication.
type Snapshot struct {
	Jobs        []*job.Job // sorted by id, newest first
	Err         error
	RefreshedAt time.Time
	// Skipped counts jobs dropped because their fetch failed.
	Skipped int
}

// Find returns the job with the given id.
func (s *Snapshot) Find(id uint64) (*job.Job, bool) {
	if s == nil {
		return nil, false
	}
	for _, j := range s.Jobs {
		if j.ID == id {
			return j, true
		}
	}
	return nil, false
}

// Len returns the number of jobs in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Jobs)
}
