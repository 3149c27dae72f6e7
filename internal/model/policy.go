package model

// Policy holds every numeric limit of the lending desk.
type Policy struct {
	MaxActiveLoansPerBorrower int
	StandardLoanDays          int
	MaxRenewals               int
	RenewalDays               int
	ExtensionBlockMultiplier  int
	NudgeShortenedDueDays     int
	NudgeCooldownHours        int
}

// DefaultPolicy is installed on first start.
func DefaultPolicy() Policy {
	return Policy{
		MaxActiveLoansPerBorrower: 5,
		StandardLoanDays:          14,
		MaxRenewals:               2,
		RenewalDays:               14,
		ExtensionBlockMultiplier:  2,
		NudgeShortenedDueDays:     3,
		NudgeCooldownHours:        24,
	}
}

// PolicyPatch is a partial policy update; nil fields keep their current value.
type PolicyPatch struct {
	MaxActiveLoansPerBorrower *int
	StandardLoanDays          *int
	MaxRenewals               *int
	RenewalDays               *int
	ExtensionBlockMultiplier  *int
	NudgeShortenedDueDays     *int
	NudgeCooldownHours        *int
}

// Apply merges the patch over p and returns the result.
func (pp PolicyPatch) Apply(p Policy) Policy {
	set := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	set(&p.MaxActiveLoansPerBorrower, pp.MaxActiveLoansPerBorrower)
	set(&p.StandardLoanDays, pp.StandardLoanDays)
	set(&p.MaxRenewals, pp.MaxRenewals)
	set(&p.RenewalDays, pp.RenewalDays)
	set(&p.ExtensionBlockMultiplier, pp.ExtensionBlockMultiplier)
	set(&p.NudgeShortenedDueDays, pp.NudgeShortenedDueDays)
	set(&p.NudgeCooldownHours, pp.NudgeCooldownHours)
	return p
}
