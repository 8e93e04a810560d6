package lifecycle

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/teranos/jobboard/errors"
	"github.com/teranos/jobboard/job"
)

// GuardContext carries what a guard needs beyond the job itself.
type GuardContext struct {
	Now time.Time
	// EscrowedAt is zero when the escrow time is unknown.
	EscrowedAt time.Time
	Cooldown   time.Duration
}

type transition struct {
	from   job.Status
	action Action
	roles  []job.Role
	to     job.Status
	guard  func(j *job.Job, gc GuardContext) error
}

var transitions = []transition{
	{job.StatusOpen, ActionEscrow, []job.Role{job.RoleEmployer}, job.StatusOpen, notEscrowed},
	{job.StatusOpen, ActionApply, []job.Role{job.RoleOther}, job.StatusAssigned, escrowed},
	{job.StatusOpen, ActionRefund, []job.Role{job.RoleEmployer}, job.StatusRefunded, refundable},
	{job.StatusAssigned, ActionMarkDone, []job.Role{job.RoleFreelancer}, job.StatusAwaitingApproval, nil},
	{job.StatusAssigned, ActionRaiseDispute, []job.Role{job.RoleEmployer, job.RoleFreelancer}, job.StatusDisputed, nil},
	{job.StatusAwaitingApproval, ActionRelease, []job.Role{job.RoleEmployer}, job.StatusCompleted, nil},
	{job.StatusAwaitingApproval, ActionRaiseDispute, []job.Role{job.RoleEmployer, job.RoleFreelancer}, job.StatusDisputed, nil},
}

func notEscrowed(j *job.Job, _ GuardContext) error {
	if j.Escrowed {
		return errors.NewGuardViolation("funds already escrowed for job %d", j.ID)
	}
	return nil
}

func escrowed(j *job.Job, _ GuardContext) error {
	if !j.Escrowed {
		return errors.NewGuardViolation("job %d is not funded yet", j.ID)
	}
	return nil
}

func refundable(j *job.Job, gc GuardContext) error {
	if err := escrowed(j, gc); err != nil {
		return err
	}
	if !CooldownElapsed(gc) {
		remaining := gc.EscrowedAt.Add(gc.Cooldown).Sub(gc.Now).Round(time.Minute)
		return errors.NewGuardViolation("refund cooldown has %s left", remaining)
	}
	return nil
}

// CooldownElapsed reports whether the refund cooldown has passed. An unknown
// escrow time passes; the contract is the one that enforces it.
func CooldownElapsed(gc GuardContext) bool {
	if gc.EscrowedAt.IsZero() {
		return true
	}
	return !gc.Now.Before(gc.EscrowedAt.Add(gc.Cooldown))
}

func lookup(status job.Status, a Action) (transition, bool) {
	for _, t := range transitions {
		if t.from == status && t.action == a {
			return t, true
		}
	}
	return transition{}, false
}

// Next returns the status a confirmed action leads to.
func Next(status job.Status, a Action) (job.Status, bool) {
	t, ok := lookup(status, a)
	if !ok {
		return job.StatusUnknown, false
	}
	return t.to, true
}

// Guard returns nil when viewer may attempt a on j, or ErrGuardViolation
// naming the failed condition. Passing never guarantees the transaction succeeds.
func Guard(j *job.Job, viewer common.Address, a Action, gc GuardContext) error {
	if viewer == (common.Address{}) {
		return errors.NewGuardViolation("no account connected")
	}
	t, ok := lookup(j.Status, a)
	if !ok {
		return errors.NewGuardViolation("%s is not available while job %d is %s", a, j.ID, j.Status)
	}

	role := j.RoleOf(viewer)
	permitted := false
	for _, r := range t.roles {
		if r == role {
			permitted = true
			break
		}
	}
	if !permitted {
		return errors.NewGuardViolation("%s on job %d is not permitted for role %s", a, j.ID, role)
	}

	if t.guard != nil {
		return t.guard(j, gc)
	}
	return nil
}

// Allowed lists the actions whose guards pass for viewer.
func Allowed(j *job.Job, viewer common.Address, gc GuardContext) []Action {
	var out []Action
	for _, a := range Actions {
		if Guard(j, viewer, a, gc) == nil {
			out = append(out, a)
		}
	}
	return out
}

// ValidPath reports whether statuses follow the lifecycle edges in order.
// Repeats are allowed; ESCROW leaves the status unchanged.
func ValidPath(statuses []job.Status) bool {
	for i := 1; i < len(statuses); i++ {
		from, to := statuses[i-1], statuses[i]
		if from == to {
			continue
		}
		found := false
		for _, t := range transitions {
			if t.from == from && t.to == to {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
