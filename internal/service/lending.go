package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/lendingdesk/internal/errs"
	"github.com/and161185/lendingdesk/internal/limiter"
	"github.com/and161185/lendingdesk/internal/model"
	"github.com/and161185/lendingdesk/internal/notify"
	"github.com/and161185/lendingdesk/internal/repository"
)

// PolicySource provides the current policy snapshot and admin updates.
// It is implemented by *policy.Store.
type PolicySource interface {
	Get() model.Policy
	Update(ctx context.Context, patch model.PolicyPatch) (model.Policy, error)
}

// LendingService defines the loan lifecycle operations.
type LendingService interface {
	// Borrow checks out an item to a borrower, optionally verifying a desk credential.
	Borrow(ctx context.Context, itemID, borrowerID int64, cred *model.Credential) (*model.Loan, error)
	// RegisterInternalUse records an on-premises consultation as a born-closed loan.
	RegisterInternalUse(ctx context.Context, itemID int64) (*model.Loan, error)
	// ReturnItem closes the open loan of an item.
	ReturnItem(ctx context.Context, itemID int64) (*model.Loan, error)
	// PreviewRenew reports the outcome of a renewal without applying it.
	PreviewRenew(ctx context.Context, loanID uuid.UUID, borrowerID int64) (model.RenewPreview, error)
	// RenewLoan renews a loan.
	RenewLoan(ctx context.Context, loanID uuid.UUID, borrowerID int64) (*model.Loan, error)
	// PreviewExtend reports the outcome of an extension without applying it.
	PreviewExtend(ctx context.Context, loanID uuid.UUID, borrowerID int64) (model.ExtendPreview, error)
	// ExtendLoan grants the one-time extension block.
	ExtendLoan(ctx context.Context, loanID uuid.UUID, borrowerID int64) (*model.Loan, error)
	// ApplyNudgeImpact shortens an extended loan after someone asked for the item.
	ApplyNudgeImpact(ctx context.Context, loanID uuid.UUID) (model.NudgeResult, error)
	// Nudge applies the nudge impact at most once per cooldown window per requester.
	Nudge(ctx context.Context, loanID uuid.UUID, requesterID int64) (model.NudgeResult, error)
	// IsOverdue reports whether the loan is open and past due right now.
	IsOverdue(l model.Loan) bool
	// ListByBorrower lists a borrower's loans, newest first.
	ListByBorrower(ctx context.Context, borrowerID int64, f model.LoanFilter) ([]model.Loan, error)
	// ListAll lists every loan, newest first.
	ListAll(ctx context.Context, f model.LoanFilter) ([]model.Loan, error)
	// SetItemStatus registers an item or changes its shelf status on behalf of the catalog.
	SetItemStatus(ctx context.Context, itemID int64, status model.ItemStatus) error
	// GetPolicy returns the current policy.
	GetPolicy(ctx context.Context) model.Policy
	// UpdatePolicy merges patch over the current policy.
	UpdatePolicy(ctx context.Context, patch model.PolicyPatch) (model.Policy, error)
}

type LendingServiceImpl struct {
	loans     repository.LoanRepository
	items     repository.ItemGateway
	borrowers repository.BorrowerDirectory
	policy    PolicySource
	notifier  notify.Notifier
	cooldown  limiter.Cooldown
	log       *zap.Logger
	now       func() time.Time
}

// Option customizes LendingServiceImpl.
type Option func(*LendingServiceImpl)

// WithNotifier sets the notification trigger.
func WithNotifier(n notify.Notifier) Option { return func(s *LendingServiceImpl) { s.notifier = n } }

// WithCooldown sets the nudge cooldown.
func WithCooldown(c limiter.Cooldown) Option { return func(s *LendingServiceImpl) { s.cooldown = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *LendingServiceImpl) { s.log = l } }

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option { return func(s *LendingServiceImpl) { s.now = now } }

// NewLendingService constructs LendingService. Notifications are dropped and the
// cooldown is kept in memory unless options say otherwise.
func NewLendingService(loans repository.LoanRepository, items repository.ItemGateway,
	borrowers repository.BorrowerDirectory, pol PolicySource, opts ...Option) *LendingServiceImpl {
	s := &LendingServiceImpl{
		loans:     loans,
		items:     items,
		borrowers: borrowers,
		policy:    pol,
		notifier:  notify.Nop{},
		cooldown:  limiter.NewMemory(),
		log:       zap.NewNop(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Borrow validates the request and checks the item out atomically. A lost race is
// re-validated once so the caller sees item_unavailable when the winner committed.
func (s *LendingServiceImpl) Borrow(ctx context.Context, itemID, borrowerID int64, cred *model.Credential) (*model.Loan, error) {
	if itemID <= 0 || borrowerID <= 0 {
		return nil, fmt.Errorf("%w: item_id and borrower_id must be positive", errs.ErrValidation)
	}
	if cred != nil {
		if err := s.checkCredential(ctx, borrowerID, *cred); err != nil {
			return nil, err
		}
	}

	l, err := s.borrowOnce(ctx, itemID, borrowerID)
	if errors.Is(err, errs.ErrConflict) {
		l, err = s.borrowOnce(ctx, itemID, borrowerID)
	}
	if err != nil {
		return nil, err
	}

	s.notify(ctx, model.NotifyLoanConfirmed, l)
	return l, nil
}

func (s *LendingServiceImpl) checkCredential(ctx context.Context, borrowerID int64, cred model.Credential) error {
	b, err := s.borrowers.GetBorrowerByCredentialKey(ctx, cred.Key)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return fmt.Errorf("%w: unknown credential", errs.ErrValidation)
		}
		return err
	}
	if !s.borrowers.VerifyCredential(b, cred.Secret) || b.ID != borrowerID {
		return fmt.Errorf("%w: credential mismatch", errs.ErrValidation)
	}
	return nil
}

func (s *LendingServiceImpl) borrowOnce(ctx context.Context, itemID, borrowerID int64) (*model.Loan, error) {
	if _, err := s.borrowers.GetBorrowerByID(ctx, borrowerID); err != nil {
		return nil, err
	}
	item, err := s.items.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	pol := s.policy.Get()
	who := model.RegularBorrower(borrowerID)

	active, err := s.loans.ListByBorrower(ctx, who, model.FilterActive)
	if err != nil {
		return nil, err
	}
	if len(active) >= pol.MaxActiveLoansPerBorrower {
		return nil, errs.Violation(errs.ReasonMaxActiveLoans)
	}
	if item.Status != model.ItemAvailable {
		return nil, errs.Violation(errs.ReasonItemUnavailable)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	now := s.now()
	return s.loans.CheckOut(ctx, model.NewLoan{
		ID:          id,
		ItemID:      itemID,
		Borrower:    who,
		BorrowedAt:  now,
		DueDate:     now.AddDate(0, 0, pol.StandardLoanDays),
		ActiveLimit: pol.MaxActiveLoansPerBorrower,
	})
}

// RegisterInternalUse records a consultation without touching item status.
func (s *LendingServiceImpl) RegisterInternalUse(ctx context.Context, itemID int64) (*model.Loan, error) {
	if itemID <= 0 {
		return nil, fmt.Errorf("%w: item_id must be positive", errs.ErrValidation)
	}
	if _, err := s.items.GetItem(ctx, itemID); err != nil {
		return nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	now := s.now()
	return s.loans.Create(ctx, model.NewLoan{
		ID:         id,
		ItemID:     itemID,
		Borrower:   model.InternalUse,
		BorrowedAt: now,
		DueDate:    now.AddDate(0, 0, s.policy.Get().StandardLoanDays),
		ReturnedAt: &now,
	})
}

// ReturnItem checks the item back in.
func (s *LendingServiceImpl) ReturnItem(ctx context.Context, itemID int64) (*model.Loan, error) {
	l, err := s.loans.CheckIn(ctx, itemID, s.now())
	if err != nil {
		return nil, err
	}
	s.notify(ctx, model.NotifyReturned, l)
	return l, nil
}

// loadOwned loads an open loan held by borrowerID.
func (s *LendingServiceImpl) loadOwned(ctx context.Context, loanID uuid.UUID, borrowerID int64) (*model.Loan, error) {
	l, err := s.loans.GetByID(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if !l.Open() {
		return nil, errs.Violation(errs.ReasonAlreadyReturned)
	}
	if !l.Borrower.Is(borrowerID) {
		return nil, errs.Violation(errs.ReasonNotOwner)
	}
	return l, nil
}

// hasOtherOverdue reports whether the holder of l has another open loan past due.
func (s *LendingServiceImpl) hasOtherOverdue(ctx context.Context, l *model.Loan, now time.Time) (bool, error) {
	open, err := s.loans.ListByBorrower(ctx, l.Borrower, model.FilterActive)
	if err != nil {
		return false, err
	}
	for _, o := range open {
		if o.ID != l.ID && model.IsOverdue(o, now) {
			return true, nil
		}
	}
	return false, nil
}

func (s *LendingServiceImpl) checkRenew(ctx context.Context, loanID uuid.UUID, borrowerID int64) (*model.Loan, model.RenewPreview, error) {
	l, err := s.loadOwned(ctx, loanID, borrowerID)
	if err != nil {
		return nil, model.RenewPreview{}, err
	}
	now := s.now()
	overdue, err := s.hasOtherOverdue(ctx, l, now)
	if err != nil {
		return nil, model.RenewPreview{}, err
	}
	if overdue {
		return nil, model.RenewPreview{}, errs.Violation(errs.ReasonHasOverdue)
	}
	pol := s.policy.Get()
	if l.RenewalCount >= pol.MaxRenewals {
		return nil, model.RenewPreview{}, errs.Violation(errs.ReasonRenewalLimit)
	}
	return l, model.RenewPreview{
		NewDueDate:   now.AddDate(0, 0, pol.RenewalDays),
		RenewalsLeft: pol.MaxRenewals - l.RenewalCount - 1,
	}, nil
}

// PreviewRenew runs the renewal checks without mutating the loan.
func (s *LendingServiceImpl) PreviewRenew(ctx context.Context, loanID uuid.UUID, borrowerID int64) (model.RenewPreview, error) {
	_, p, err := s.checkRenew(ctx, loanID, borrowerID)
	return p, err
}

// RenewLoan re-runs the checks and applies the renewal against the version it validated.
func (s *LendingServiceImpl) RenewLoan(ctx context.Context, loanID uuid.UUID, borrowerID int64) (*model.Loan, error) {
	l, p, err := s.checkRenew(ctx, loanID, borrowerID)
	if err != nil {
		return nil, err
	}
	out, err := s.loans.ApplyRenewal(ctx, l.ID, l.Ver, p.NewDueDate)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, model.NotifyRenewed, out)
	return out, nil
}

func (s *LendingServiceImpl) checkExtend(ctx context.Context, loanID uuid.UUID, borrowerID int64) (*model.Loan, model.ExtendPreview, error) {
	l, err := s.loadOwned(ctx, loanID, borrowerID)
	if err != nil {
		return nil, model.ExtendPreview{}, err
	}
	pol := s.policy.Get()
	now := s.now()
	switch {
	case l.IsExtended:
		return nil, model.ExtendPreview{}, errs.Violation(errs.ReasonAlreadyExtended)
	case l.RenewalCount < pol.MaxRenewals:
		return nil, model.ExtendPreview{}, errs.Violation(errs.ReasonExtensionNotEligible)
	case model.IsOverdue(*l, now):
		return nil, model.ExtendPreview{}, errs.Violation(errs.ReasonOverdueCannotExtend)
	}
	overdue, err := s.hasOtherOverdue(ctx, l, now)
	if err != nil {
		return nil, model.ExtendPreview{}, err
	}
	if overdue {
		return nil, model.ExtendPreview{}, errs.Violation(errs.ReasonHasOverdue)
	}
	days := pol.RenewalDays * pol.ExtensionBlockMultiplier
	return l, model.ExtendPreview{NewDueDate: now.AddDate(0, 0, days)}, nil
}

// PreviewExtend runs the extension checks without mutating the loan.
func (s *LendingServiceImpl) PreviewExtend(ctx context.Context, loanID uuid.UUID, borrowerID int64) (model.ExtendPreview, error) {
	_, p, err := s.checkExtend(ctx, loanID, borrowerID)
	return p, err
}

// ExtendLoan re-validates and applies the extension.
func (s *LendingServiceImpl) ExtendLoan(ctx context.Context, loanID uuid.UUID, borrowerID int64) (*model.Loan, error) {
	l, p, err := s.checkExtend(ctx, loanID, borrowerID)
	if err != nil {
		return nil, err
	}
	out, err := s.loans.ApplyExtension(ctx, l.ID, l.Ver, p.NewDueDate)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, model.NotifyExtended, out)
	return out, nil
}

// ApplyNudgeImpact pulls an extended loan's due date in. Repeated calls are no-ops.
func (s *LendingServiceImpl) ApplyNudgeImpact(ctx context.Context, loanID uuid.UUID) (model.NudgeResult, error) {
	l, err := s.loans.GetByID(ctx, loanID)
	if err != nil {
		return model.NudgeResult{}, err
	}
	if !l.IsExtended || !l.Open() {
		return model.NudgeResult{}, nil
	}
	changed, due, err := s.loans.ShortenDueDateIfLonger(ctx, loanID, s.now(), s.policy.Get().NudgeShortenedDueDays)
	if err != nil {
		return model.NudgeResult{}, err
	}
	if !changed {
		return model.NudgeResult{}, nil
	}
	l.DueDate = due
	s.notify(ctx, model.NotifyExtensionNudge, l)
	return model.NudgeResult{Changed: true, NewDueDate: &due}, nil
}

// Nudge is the borrower-facing entry to ApplyNudgeImpact, throttled per (loan, requester).
// Only a nudge that can still shorten the loan uses up the requester's window, and a
// failed shortening gives the window back.
func (s *LendingServiceImpl) Nudge(ctx context.Context, loanID uuid.UUID, requesterID int64) (model.NudgeResult, error) {
	l, err := s.loans.GetByID(ctx, loanID)
	if err != nil {
		return model.NudgeResult{}, err
	}
	if l.Borrower.Is(requesterID) {
		return model.NudgeResult{}, fmt.Errorf("%w: cannot nudge own loan", errs.ErrValidation)
	}
	pol := s.policy.Get()
	if !l.IsExtended || !l.Open() || !l.DueDate.After(s.now().AddDate(0, 0, pol.NudgeShortenedDueDays)) {
		return model.NudgeResult{}, nil
	}
	if pol.NudgeCooldownHours <= 0 {
		return s.ApplyNudgeImpact(ctx, loanID)
	}

	ok, wait, err := s.cooldown.Acquire(ctx, loanID, requesterID, time.Duration(pol.NudgeCooldownHours)*time.Hour)
	if err != nil {
		return model.NudgeResult{}, err
	}
	if !ok {
		return model.NudgeResult{}, fmt.Errorf("%w: retry in %s", errs.ErrRateLimited, wait.Round(time.Minute))
	}
	r, err := s.ApplyNudgeImpact(ctx, loanID)
	if err != nil {
		if rerr := s.cooldown.Release(ctx, loanID, requesterID); rerr != nil {
			s.log.Warn("nudge cooldown not released", zap.String("loan_id", loanID.String()), zap.Error(rerr))
		}
		return model.NudgeResult{}, err
	}
	return r, nil
}

// IsOverdue is evaluated against the service clock.
func (s *LendingServiceImpl) IsOverdue(l model.Loan) bool { return model.IsOverdue(l, s.now()) }

// ListByBorrower lists a borrower's loans.
func (s *LendingServiceImpl) ListByBorrower(ctx context.Context, borrowerID int64, f model.LoanFilter) ([]model.Loan, error) {
	if borrowerID <= 0 {
		return nil, fmt.Errorf("%w: borrower_id must be positive", errs.ErrValidation)
	}
	return s.loans.ListByBorrower(ctx, model.RegularBorrower(borrowerID), f)
}

// ListAll lists every loan including internal-use records.
func (s *LendingServiceImpl) ListAll(ctx context.Context, f model.LoanFilter) ([]model.Loan, error) {
	return s.loans.ListAll(ctx, f)
}

// SetItemStatus upserts the availability flag. Borrowed is reached only through Borrow,
// and the gateway refuses the write while the item is on loan.
func (s *LendingServiceImpl) SetItemStatus(ctx context.Context, itemID int64, status model.ItemStatus) error {
	if itemID <= 0 || !status.Valid() || status == model.ItemBorrowed {
		return fmt.Errorf("%w: item_id %d status %q", errs.ErrValidation, itemID, status)
	}
	return s.items.SetItemStatus(ctx, itemID, status)
}

// GetPolicy returns the current policy snapshot.
func (s *LendingServiceImpl) GetPolicy(context.Context) model.Policy { return s.policy.Get() }

// UpdatePolicy delegates to the policy store.
func (s *LendingServiceImpl) UpdatePolicy(ctx context.Context, patch model.PolicyPatch) (model.Policy, error) {
	p, err := s.policy.Update(ctx, patch)
	if err != nil {
		return model.Policy{}, err
	}
	s.log.Info("policy updated", zap.Any("policy", p))
	return p, nil
}

// notify requests a notification for the loan holder. Failures are logged only.
func (s *LendingServiceImpl) notify(ctx context.Context, kind model.NotificationKind, l *model.Loan) {
	bid, ok := l.Borrower.ID()
	if !ok {
		return
	}
	due := l.DueDate
	n := model.Notification{Kind: kind, BorrowerID: bid, LoanID: l.ID, ItemID: l.ItemID}
	if l.Open() {
		n.DueDate = &due
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.Warn("notification not queued",
			zap.String("kind", string(kind)),
			zap.String("loan_id", l.ID.String()),
			zap.Error(err))
	}
}
