package types

import "errors"

// Error taxonomy shared by the workflows, the decision loop and the collaborators.
// Collaborators wrap these with fmt.Errorf("...: %w", ...) so callers can use errors.Is.
var (
	ErrBudgetUnavailable  = errors.New("budget unavailable")
	ErrPolicyViolation    = errors.New("policy violation")
	ErrFatalConfiguration = errors.New("fatal configuration error")
	ErrApprovalRejected   = errors.New("approval rejected")
	ErrEscalatedTimeout   = errors.New("approval escalated and timed out")
	ErrTransientIO        = errors.New("transient collaborator failure")
	ErrNoPoMatch          = errors.New("no matching purchase order")
	ErrMatchException     = errors.New("invoice match exception")
)

// Permanent reports whether err must never be retried.
func Permanent(err error) bool {
	return errors.Is(err, ErrPolicyViolation) || errors.Is(err, ErrFatalConfiguration) ||
		errors.Is(err, ErrBudgetUnavailable)
}
