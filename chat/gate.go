// Package chat is the client side of job chat: the gate that decides when a
// job's channel may be open, and the Session that owns the relay connection.
package chat

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/teranos/jobboard/job"
)

// GateOpen reports whether a live channel is permitted: the job is active and
// the viewer is one of its two parties.
func GateOpen(status job.Status, role job.Role) bool {
	switch status {
	case job.StatusAssigned, job.StatusAwaitingApproval, job.StatusDisputed:
	default:
		return false
	}
	return role == job.RoleEmployer || role == job.RoleFreelancer
}

// GateOpenFor evaluates the gate for viewer on j.
func GateOpenFor(j *job.Job, viewer common.Address) bool {
	if j == nil || viewer == (common.Address{}) {
		return false
	}
	return GateOpen(j.Status, j.RoleOf(viewer))
}

// SenderDisplay is the name shown for viewer's messages on j.
func SenderDisplay(j *job.Job, viewer common.Address) string {
	display := job.ShortAddress(viewer)
	switch j.RoleOf(viewer) {
	case job.RoleEmployer:
		display += " (Employer)"
	case job.RoleFreelancer:
		display += " (Freelancer)"
	}
	return display
}
