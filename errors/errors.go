// Package errors provides error handling for jobboard.
//
// This package re-exports github.com/cockroachdb/errors (stack traces,
// wrapping, hints) and defines the sentinel errors every component reports
// through. Callers classify failures with errors.Is against the sentinels:
//
//	if errors.Is(err, errors.ErrTransactionReverted) {
//	    fmt.Println(errors.Reason(err))
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	"strings"

	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint      = crdb.WithHint
	WithHintf     = crdb.WithHintf
	WithDetail    = crdb.WithDetail
	WithDetailf   = crdb.WithDetailf
	GetAllHints   = crdb.GetAllHints
	FlattenHints  = crdb.FlattenHints
	GetAllDetails = crdb.GetAllDetails
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// AssertionFailedf reports a broken internal invariant.
var AssertionFailedf = crdb.AssertionFailedf

// Sentinel errors shared by every component.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates a job id of 0, beyond the job count, or an unused slot
	ErrNotFound = New("job not found")

	// ErrInvalidRequest indicates malformed input (empty title, zero budget, bad id)
	ErrInvalidRequest = New("invalid request")

	// ErrGuardViolation indicates a client-side precondition failed; no transaction was sent
	ErrGuardViolation = New("action not permitted")

	// ErrTransactionRejected indicates the signer declined the transaction
	ErrTransactionRejected = New("transaction rejected by signer")

	// ErrTransactionReverted indicates the transaction was reverted or dropped on-chain
	ErrTransactionReverted = New("transaction reverted")

	// ErrNetworkUnavailable indicates no connection to the chain
	ErrNetworkUnavailable = New("network unavailable")

	// ErrChatUnavailable indicates the chat gate is closed or the socket is disconnected
	ErrChatUnavailable = New("chat unavailable")
)

// RevertError carries the contract's reason for a reverted transaction.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "transaction reverted"
	}
	return "transaction reverted: " + e.Reason
}

// Is makes a RevertError match ErrTransactionReverted.
func (e *RevertError) Is(target error) bool {
	return target == ErrTransactionReverted
}

// revertPrefixes are stripped from node and contract messages, outermost first.
var revertPrefixes = []string{
	"execution reverted:",
	"VM Exception while processing transaction: revert",
	"JobBoard:",
}

// CleanReason strips the node and contract prefixes from a revert message.
func CleanReason(msg string) string {
	msg = strings.TrimSpace(msg)
	for _, p := range revertPrefixes {
		if idx := strings.Index(msg, p); idx >= 0 {
			msg = strings.TrimSpace(msg[idx+len(p):])
		}
	}
	return msg
}

// NewReverted creates a reverted-transaction error with the cleaned reason.
func NewReverted(reason string) error {
	return Mark(WithStack(&RevertError{Reason: CleanReason(reason)}), ErrTransactionReverted)
}

// Reason returns the revert reason carried by err, or "" if there is none.
func Reason(err error) string {
	var re *RevertError
	if As(err, &re) {
		return re.Reason
	}
	return ""
}

// IsNotFoundError checks if an error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsGuardViolation checks if an error is or wraps ErrGuardViolation
func IsGuardViolation(err error) bool {
	return err != nil && Is(err, ErrGuardViolation)
}

// IsRejected checks if an error is or wraps ErrTransactionRejected
func IsRejected(err error) bool {
	return err != nil && Is(err, ErrTransactionRejected)
}

// IsReverted checks if an error is or wraps ErrTransactionReverted
func IsReverted(err error) bool {
	return err != nil && Is(err, ErrTransactionReverted)
}

// IsNetworkUnavailable checks if an error is or wraps ErrNetworkUnavailable
func IsNetworkUnavailable(err error) bool {
	return err != nil && Is(err, ErrNetworkUnavailable)
}

// IsChatUnavailable checks if an error is or wraps ErrChatUnavailable
func IsChatUnavailable(err error) bool {
	return err != nil && Is(err, ErrChatUnavailable)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrapf(ErrNotFound, format, args...)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrapf(ErrInvalidRequest, format, args...)
}

// NewGuardViolation creates a guard-violation error naming the failed condition.
func NewGuardViolation(format string, args ...interface{}) error {
	return Wrapf(ErrGuardViolation, format, args...)
}

// UserMessage renders err for display: a cancellation note for rejections,
// the contract reason for reverts, otherwise the error text.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case IsRejected(err):
		return "Transaction cancelled."
	case IsReverted(err):
		if r := Reason(err); r != "" {
			return "Transaction failed: " + r
		}
		return "Transaction failed."
	default:
		return err.Error()
	}
}
