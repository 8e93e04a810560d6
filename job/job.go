// Package job holds the projected Job record and the values derived from it.
package job

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
)

// Status is the on-chain job status. The integer encoding is the contract's.
type Status uint8

const (
	StatusOpen Status = iota
	StatusAssigned
	StatusAwaitingApproval
	StatusCompleted
	StatusRefunded
	StatusDisputed
	StatusUnknown Status = 255
)

var statusNames = [...]string{
	StatusOpen:             "Open",
	StatusAssigned:         "Assigned",
	StatusAwaitingApproval: "Awaiting Approval",
	StatusCompleted:        "Completed",
	StatusRefunded:         "Refunded",
	StatusDisputed:         "Disputed",
}

// StatusFromUint maps a raw contract value; anything outside the enum is StatusUnknown.
func StatusFromUint(v uint64) Status {
	if v < uint64(len(statusNames)) {
		return Status(v)
	}
	return StatusUnknown
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "Unknown"
}

// Valid reports whether s is one of the six contract statuses.
func (s Status) Valid() bool {
	return int(s) < len(statusNames)
}

// Terminal reports whether no further transition is modeled from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRefunded || s == StatusDisputed
}

// Role is the viewer's relation to a job.
type Role int

const (
	RoleOther Role = iota
	RoleEmployer
	RoleFreelancer
)

func (r Role) String() string {
	switch r {
	case RoleEmployer:
		return "Employer"
	case RoleFreelancer:
		return "Freelancer"
	default:
		return "Other"
	}
}

// Job is the client-side projection of one on-chain job.
type Job struct {
	ID             uint64
	Title          string
	DescriptionRef string
	Description    string // resolved text, empty until hydrated
	Budget         *big.Int
	Escrow         *big.Int
	Employer       common.Address
	Freelancer     common.Address
	Status         Status
	Escrowed       bool
	FetchedAt      time.Time
}

// IsEscrowed is true iff the escrow balance equals the budget and the budget is non-zero.
// Partial escrow does not count.
func IsEscrowed(escrow, budget *big.Int) bool {
	if escrow == nil || budget == nil || budget.Sign() <= 0 {
		return false
	}
	return escrow.Cmp(budget) == 0
}

// HasFreelancer reports whether a freelancer has been assigned.
func (j *Job) HasFreelancer() bool {
	return j.Freelancer != (common.Address{})
}

// RoleOf returns the viewer's role; the zero address is always RoleOther.
func (j *Job) RoleOf(viewer common.Address) Role {
	switch {
	case viewer == (common.Address{}):
		return RoleOther
	case viewer == j.Employer:
		return RoleEmployer
	case j.HasFreelancer() && viewer == j.Freelancer:
		return RoleFreelancer
	default:
		return RoleOther
	}
}

// IsEmployer reports whether viewer posted the job.
func (j *Job) IsEmployer(viewer common.Address) bool {
	return j.RoleOf(viewer) == RoleEmployer
}

// IsFreelancer reports whether viewer is the assigned freelancer.
func (j *Job) IsFreelancer(viewer common.Address) bool {
	return j.RoleOf(viewer) == RoleFreelancer
}

// StatusText is the display label for the job's status.
func (j *Job) StatusText() string {
	return j.Status.String()
}

// ShortAddress renders 0x1234...abcd, or "None" for the zero address.
func ShortAddress(addr common.Address) string {
	if addr == (common.Address{}) {
		return "None"
	}
	hex := addr.Hex()
	return hex[:6] + "..." + hex[len(hex)-4:]
}

// FormatEther renders a wei amount in ether without trailing zeros.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	s := new(big.Rat).SetFrac(wei, big.NewInt(params.Ether)).FloatString(18)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s
}

// ParseEther converts a decimal ether string to wei. More than 18 decimals is rejected.
func ParseEther(s string) (*big.Int, bool) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(s))
	if !ok || r.Sign() < 0 {
		return nil, false
	}
	r.Mul(r, new(big.Rat).SetInt64(params.Ether))
	if !r.IsInt() {
		return nil, false
	}
	return new(big.Int).Set(r.Num()), true
}
