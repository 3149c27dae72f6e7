package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/lendingdesk/internal/errs"
	"github.com/and161185/lendingdesk/internal/model"
)

// PolicyRepo persists the singleton lending_policy row.
type PolicyRepo struct{ db *DB }

// NewPolicyRepo constructs a policy repository.
func NewPolicyRepo(db *DB) *PolicyRepo { return &PolicyRepo{db: db} }

// Load reads the policy row.
func (r *PolicyRepo) Load(ctx context.Context) (model.Policy, error) {
	const q = `
SELECT max_active_loans_per_borrower, standard_loan_days, max_renewals, renewal_days,
       extension_block_multiplier, nudge_shortened_due_days, nudge_cooldown_hours
FROM lending_policy WHERE id=1`
	var p model.Policy
	err := r.db.Pool.QueryRow(ctx, q).Scan(&p.MaxActiveLoansPerBorrower, &p.StandardLoanDays, &p.MaxRenewals,
		&p.RenewalDays, &p.ExtensionBlockMultiplier, &p.NudgeShortenedDueDays, &p.NudgeCooldownHours)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Policy{}, errs.ErrNotFound
		}
		return model.Policy{}, err
	}
	return p, nil
}

// Save overwrites the whole policy row, creating it if missing.
func (r *PolicyRepo) Save(ctx context.Context, p model.Policy) error {
	const q = `
INSERT INTO lending_policy (id, max_active_loans_per_borrower, standard_loan_days, max_renewals,
    renewal_days, extension_block_multiplier, nudge_shortened_due_days, nudge_cooldown_hours)
VALUES (1, $1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
    max_active_loans_per_borrower = EXCLUDED.max_active_loans_per_borrower,
    standard_loan_days = EXCLUDED.standard_loan_days,
    max_renewals = EXCLUDED.max_renewals,
    renewal_days = EXCLUDED.renewal_days,
    extension_block_multiplier = EXCLUDED.extension_block_multiplier,
    nudge_shortened_due_days = EXCLUDED.nudge_shortened_due_days,
    nudge_cooldown_hours = EXCLUDED.nudge_cooldown_hours,
    updated_at = now()`
	_, err := r.db.Pool.Exec(ctx, q, p.MaxActiveLoansPerBorrower, p.StandardLoanDays, p.MaxRenewals,
		p.RenewalDays, p.ExtensionBlockMultiplier, p.NudgeShortenedDueDays, p.NudgeCooldownHours)
	return err
}
