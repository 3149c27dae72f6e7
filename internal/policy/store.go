// Package policy holds the live lending policy and persists updates.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/and161185/lendingdesk/internal/errs"
	"github.com/and161185/lendingdesk/internal/model"
	"github.com/and161185/lendingdesk/internal/repository"
)

// Store serves policy snapshots to concurrent readers. Readers never block;
// an update swaps in a fresh copy after it has been persisted.
type Store struct {
	repo repository.PolicyRepository
	cur  atomic.Pointer[model.Policy]
	wmu  sync.Mutex
}

// Load reads the stored policy, installing and saving the defaults when none exists.
func Load(ctx context.Context, repo repository.PolicyRepository) (*Store, error) {
	p, err := repo.Load(ctx)
	if errors.Is(err, errs.ErrNotFound) {
		p = model.DefaultPolicy()
		err = repo.Save(ctx, p)
	}
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	if err := Validate(p); err != nil {
		return nil, fmt.Errorf("stored policy: %w", err)
	}
	s := &Store{repo: repo}
	s.cur.Store(&p)
	return s, nil
}

// Get returns the current snapshot.
func (s *Store) Get() model.Policy { return *s.cur.Load() }

// Update merges patch over the current policy, validates, persists and publishes it.
func (s *Store) Update(ctx context.Context, patch model.PolicyPatch) (model.Policy, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	next := patch.Apply(s.Get())
	if err := Validate(next); err != nil {
		return model.Policy{}, err
	}
	if err := s.repo.Save(ctx, next); err != nil {
		return model.Policy{}, err
	}
	s.cur.Store(&next)
	return next, nil
}

// Validate rejects non-positive limits. MaxRenewals may be zero.
func Validate(p model.Policy) error {
	check := []struct {
		name string
		v    int
		min  int
	}{
		{"max_active_loans_per_borrower", p.MaxActiveLoansPerBorrower, 1},
		{"standard_loan_days", p.StandardLoanDays, 1},
		{"max_renewals", p.MaxRenewals, 0},
		{"renewal_days", p.RenewalDays, 1},
		{"extension_block_multiplier", p.ExtensionBlockMultiplier, 1},
		{"nudge_shortened_due_days", p.NudgeShortenedDueDays, 1},
		{"nudge_cooldown_hours", p.NudgeCooldownHours, 0},
	}
	for _, c := range check {
		if c.v < c.min {
			return fmt.Errorf("%w: %s must be >= %d", errs.ErrValidation, c.name, c.min)
		}
	}
	return nil
}
