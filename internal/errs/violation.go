package errs

import "errors"

// Reason names the business rule that rejected an operation.
type Reason string

// Policy violation reasons.
const (
	ReasonMaxActiveLoans       Reason = "max_active_loans"
	ReasonItemUnavailable      Reason = "item_unavailable"
	ReasonAlreadyReturned      Reason = "already_returned"
	ReasonNotOwner             Reason = "not_owner"
	ReasonHasOverdue           Reason = "has_overdue"
	ReasonRenewalLimit         Reason = "renewal_limit"
	ReasonAlreadyExtended      Reason = "already_extended"
	ReasonExtensionNotEligible Reason = "extension_not_eligible"
	ReasonOverdueCannotExtend  Reason = "overdue_cannot_extend"
)

// PolicyViolation is a business-rule rejection. It is not transient and must not be retried.
type PolicyViolation struct {
	Reason Reason
}

// Violation returns a *PolicyViolation for the given reason.
func Violation(r Reason) error { return &PolicyViolation{Reason: r} }

func (e *PolicyViolation) Error() string { return "policy violation: " + string(e.Reason) }

// Is makes errors.Is(err, ErrPolicy) true for any violation.
func (e *PolicyViolation) Is(target error) bool { return target == ErrPolicy }

// ReasonOf extracts the violation reason from err.
func ReasonOf(err error) (Reason, bool) {
	var pv *PolicyViolation
	if errors.As(err, &pv) {
		return pv.Reason, true
	}
	return "", false
}
