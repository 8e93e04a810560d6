package projector

import (
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/teranos/jobboard/errors"
	"github.com/teranos/jobboard/job"
)

type scopeKind int

const (
	scopePublic scopeKind = iota
	scopePosted
	scopeAssigned
	scopeSingle
)

// Scope selects which jobs a projection keeps.
type Scope struct {
	kind scopeKind
	id   uint64
}

var (
	// ScopePublic keeps jobs that are OPEN or ASSIGNED.
	ScopePublic = Scope{kind: scopePublic}
	// ScopePosted keeps jobs the viewer employs.
	ScopePosted = Scope{kind: scopePosted}
	// ScopeAssigned keeps jobs the viewer is the freelancer on.
	ScopeAssigned = Scope{kind: scopeAssigned}
)

// ScopeSingle keeps exactly one job, for the detail view.
func ScopeSingle(id uint64) Scope {
	return Scope{kind: scopeSingle, id: id}
}

// ParseScope accepts "public", "posted", "assigned" or "job:<id>".
func ParseScope(s string) (Scope, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "public":
		return ScopePublic, nil
	case "posted":
		return ScopePosted, nil
	case "assigned":
		return ScopeAssigned, nil
	}
	if rest, ok := strings.CutPrefix(s, "job:"); ok {
		id, err := strconv.ParseUint(rest, 10, 64)
		if err != nil || id == 0 {
			return Scope{}, errors.NewInvalidRequestError("invalid job id %q", rest)
		}
		return ScopeSingle(id), nil
	}
	return Scope{}, errors.NewInvalidRequestError("unknown scope %q (want public, posted or assigned)", s)
}

// JobID returns the id a single-job scope is pinned to.
func (s Scope) JobID() (uint64, bool) {
	return s.id, s.kind == scopeSingle
}

func (s Scope) String() string {
	switch s.kind {
	case scopePosted:
		return "posted"
	case scopeAssigned:
		return "assigned"
	case scopeSingle:
		return "job:" + strconv.FormatUint(s.id, 10)
	default:
		return "public"
	}
}

// Match reports whether j belongs in the scope for viewer. Role scopes never
// match a zero viewer.
func (s Scope) Match(j *job.Job, viewer common.Address) bool {
	switch s.kind {
	case scopePosted:
		return j.RoleOf(viewer) == job.RoleEmployer
	case scopeAssigned:
		return j.RoleOf(viewer) == job.RoleFreelancer
	case scopeSingle:
		return j.ID == s.id
	default:
		return j.Status == job.StatusOpen || j.Status == job.StatusAssigned
	}
}
