// Package lifecycle is the job state machine: the closed set of actions, the
// transition table with its guards, and the executor that sends an action
// through the gateway and reports its outcome.
package lifecycle

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/teranos/jobboard/chain"
	"github.com/teranos/jobboard/errors"
	"github.com/teranos/jobboard/job"
)

// Action is one of the contract's mutating operations on an existing job.
type Action int

const (
	ActionEscrow Action = iota + 1
	ActionApply
	ActionRefund
	ActionMarkDone
	ActionRelease
	ActionRaiseDispute
)

// Actions lists every action in display order.
var Actions = []Action{
	ActionEscrow,
	ActionApply,
	ActionRefund,
	ActionMarkDone,
	ActionRelease,
	ActionRaiseDispute,
}

func (a Action) String() string {
	switch a {
	case ActionEscrow:
		return "ESCROW"
	case ActionApply:
		return "APPLY"
	case ActionRefund:
		return "REFUND"
	case ActionMarkDone:
		return "MARK_DONE"
	case ActionRelease:
		return "RELEASE"
	case ActionRaiseDispute:
		return "RAISE_DISPUTE"
	default:
		return "UNKNOWN"
	}
}

// Label is the button text for the action.
func (a Action) Label() string {
	switch a {
	case ActionEscrow:
		return "Escrow Funds"
	case ActionApply:
		return "Apply for Job"
	case ActionRefund:
		return "Request Refund"
	case ActionMarkDone:
		return "Mark Work as Done"
	case ActionRelease:
		return "Release Payment"
	case ActionRaiseDispute:
		return "Raise Dispute"
	default:
		return "Unknown"
	}
}

// ParseAction resolves a tag such as "MARK_DONE" or "mark-done".
func ParseAction(tag string) (Action, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(tag), "-", "_"))
	for _, a := range Actions {
		if a.String() == norm {
			return a, nil
		}
	}
	return 0, errors.NewInvalidRequestError("unknown action %q", tag)
}

// Send submits the contract call for a against j.
func (a Action) Send(ctx context.Context, w chain.Writer, j *job.Job) (chain.PendingTx, error) {
	switch a {
	case ActionEscrow:
		return w.EscrowFunds(ctx, j.ID, j.Budget)
	case ActionApply:
		return w.ApplyForJob(ctx, j.ID)
	case ActionRefund:
		return w.RefundEmployer(ctx, j.ID)
	case ActionMarkDone:
		return w.MarkWorkDone(ctx, j.ID)
	case ActionRelease:
		return w.ReleasePayment(ctx, j.ID)
	case ActionRaiseDispute:
		return w.RaiseDispute(ctx, j.ID)
	default:
		return nil, errors.AssertionFailedf("unreachable: action %d has no contract call", int(a))
	}
}

// successMessage is shown in the action record after confirmation.
func (a Action) successMessage() string {
	switch a {
	case ActionEscrow:
		return "Funds escrowed successfully!"
	case ActionApply:
		return "Applied successfully! You are now the assigned freelancer."
	case ActionRefund:
		return "Refund processed successfully!"
	case ActionMarkDone:
		return "Work marked as done!"
	case ActionRelease:
		return "Payment released successfully!"
	case ActionRaiseDispute:
		return "Dispute raised successfully."
	default:
		return "Done."
	}
}

// SystemNotice is the chat line announcing a confirmed action by actor.
// j is the projection the action was guarded against.
func SystemNotice(a Action, j *job.Job, actor common.Address) string {
	short := job.ShortAddress(actor)
	switch a {
	case ActionEscrow:
		return "Employer (" + short + ") escrowed " + job.FormatEther(j.Budget) + " ETH."
	case ActionApply:
		return "User " + short + " applied and was assigned as Freelancer."
	case ActionRefund:
		return "Employer (" + short + ") received refund. Job closed."
	case ActionMarkDone:
		return "Work marked as done by Freelancer (" + short + "). Awaiting Employer payment release."
	case ActionRelease:
		return "Payment released by Employer (" + short + "). Job complete."
	case ActionRaiseDispute:
		return "Dispute raised by " + j.RoleOf(actor).String() + " (" + short + "). Please discuss."
	default:
		return ""
	}
}
