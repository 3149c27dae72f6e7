// Package memory contains an in-process implementation of the repository interfaces.
// It backs LD_STORE=memory and the service tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/lendingdesk/internal/crypto"
	"github.com/and161185/lendingdesk/internal/errs"
	"github.com/and161185/lendingdesk/internal/model"
	"github.com/and161185/lendingdesk/internal/repository"
)

var (
	_ repository.LoanRepository    = (*Store)(nil)
	_ repository.ItemGateway       = (*Store)(nil)
	_ repository.PolicyRepository  = (*Store)(nil)
	_ repository.BorrowerDirectory = (*Borrowers)(nil)
)

// Store keeps loans, items, borrowers and the policy behind one mutex.
// Every method is a single critical section, so CheckOut and CheckIn are atomic.
type Store struct {
	mu sync.Mutex

	loans     map[uuid.UUID]*model.Loan
	openByItm map[int64]uuid.UUID
	items     map[int64]model.ItemStatus
	borrowers map[int64]*model.Borrower
	byKey     map[string]int64
	nextBID   int64
	policy    *model.Policy
}

// New returns an empty store.
func New() *Store {
	return &Store{
		loans:     map[uuid.UUID]*model.Loan{},
		openByItm: map[int64]uuid.UUID{},
		items:     map[int64]model.ItemStatus{},
		borrowers: map[int64]*model.Borrower{},
		byKey:     map[string]int64{},
	}
}

func cloneLoan(l *model.Loan) *model.Loan {
	c := *l
	if l.ReturnedAt != nil {
		t := *l.ReturnedAt
		c.ReturnedAt = &t
	}
	if l.LastNudgedAt != nil {
		t := *l.LastNudgedAt
		c.LastNudgedAt = &t
	}
	return &c
}

func (s *Store) insertLocked(nl model.NewLoan) (*model.Loan, error) {
	if _, ok := s.items[nl.ItemID]; !ok {
		return nil, errs.ErrNotFound
	}
	if id, ok := nl.Borrower.ID(); ok {
		if _, ok := s.borrowers[id]; !ok {
			return nil, errs.ErrNotFound
		}
	}
	if _, dup := s.loans[nl.ID]; dup {
		return nil, errs.ErrConflict
	}
	if nl.ReturnedAt == nil {
		if _, open := s.openByItm[nl.ItemID]; open {
			return nil, errs.ErrConflict
		}
	}
	l := &model.Loan{
		ID:         nl.ID,
		ItemID:     nl.ItemID,
		Borrower:   nl.Borrower,
		BorrowedAt: nl.BorrowedAt,
		DueDate:    nl.DueDate,
		ReturnedAt: nl.ReturnedAt,
		Ver:        1,
	}
	s.loans[l.ID] = l
	if l.ReturnedAt == nil {
		s.openByItm[l.ItemID] = l.ID
	}
	return cloneLoan(l), nil
}

// Create inserts a loan record.
func (s *Store) Create(_ context.Context, nl model.NewLoan) (*model.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(nl)
}

// CheckOut inserts an open loan and flips the item to borrowed.
func (s *Store) CheckOut(_ context.Context, nl model.NewLoan) (*model.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.items[nl.ItemID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	if st != model.ItemAvailable {
		return nil, errs.ErrConflict
	}
	if id, ok := nl.Borrower.ID(); ok && nl.ActiveLimit > 0 && s.openCountLocked(id) >= nl.ActiveLimit {
		return nil, errs.Violation(errs.ReasonMaxActiveLoans)
	}
	l, err := s.insertLocked(nl)
	if err != nil {
		return nil, err
	}
	s.items[nl.ItemID] = model.ItemBorrowed
	return l, nil
}

func (s *Store) openCountLocked(borrowerID int64) int {
	n := 0
	for _, loanID := range s.openByItm {
		if s.loans[loanID].Borrower.Is(borrowerID) {
			n++
		}
	}
	return n
}

// GetByID returns a copy of the loan.
func (s *Store) GetByID(_ context.Context, id uuid.UUID) (*model.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loans[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return cloneLoan(l), nil
}

// GetActiveByItem returns the open loan for an item or nil.
func (s *Store) GetActiveByItem(_ context.Context, itemID int64) (*model.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.openByItm[itemID]
	if !ok {
		return nil, nil
	}
	return cloneLoan(s.loans[id]), nil
}

func match(l *model.Loan, f model.LoanFilter) bool {
	switch f {
	case model.FilterActive:
		return l.ReturnedAt == nil
	case model.FilterReturned:
		return l.ReturnedAt != nil
	}
	return true
}

func (s *Store) list(keep func(*model.Loan) bool) []model.Loan {
	out := make([]model.Loan, 0)
	for _, l := range s.loans {
		if keep(l) {
			out = append(out, *cloneLoan(l))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BorrowedAt.Equal(out[j].BorrowedAt) {
			return out[i].BorrowedAt.After(out[j].BorrowedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// ListByBorrower lists loans held by b, newest first.
func (s *Store) ListByBorrower(_ context.Context, b model.BorrowerRef, f model.LoanFilter) ([]model.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(func(l *model.Loan) bool { return l.Borrower == b && match(l, f) }), nil
}

// ListAll lists every loan, newest first.
func (s *Store) ListAll(_ context.Context, f model.LoanFilter) ([]model.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(func(l *model.Loan) bool { return match(l, f) }), nil
}

func (s *Store) closeLocked(l *model.Loan, now time.Time) {
	t := now
	l.ReturnedAt = &t
	l.Ver++
	delete(s.openByItm, l.ItemID)
}

// MarkReturned closes an open loan by id.
func (s *Store) MarkReturned(_ context.Context, id uuid.UUID, now time.Time) (*model.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loans[id]
	if !ok || l.ReturnedAt != nil {
		return nil, errs.ErrNotFound
	}
	s.closeLocked(l, now)
	return cloneLoan(l), nil
}

// CheckIn closes the open loan of an item and flips the item to available.
func (s *Store) CheckIn(_ context.Context, itemID int64, now time.Time) (*model.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.openByItm[itemID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	l := s.loans[id]
	s.closeLocked(l, now)
	s.items[itemID] = model.ItemAvailable
	return cloneLoan(l), nil
}

func (s *Store) openAt(id uuid.UUID, baseVer int64) (*model.Loan, error) {
	l, ok := s.loans[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	if l.ReturnedAt != nil {
		return nil, errs.Violation(errs.ReasonAlreadyReturned)
	}
	if l.Ver != baseVer {
		return nil, errs.ErrConflict
	}
	return l, nil
}

// ApplyRenewal increments the renewal count and moves the due date.
func (s *Store) ApplyRenewal(_ context.Context, id uuid.UUID, baseVer int64, newDue time.Time) (*model.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.openAt(id, baseVer)
	if err != nil {
		return nil, err
	}
	l.RenewalCount++
	l.DueDate = newDue
	l.Ver++
	return cloneLoan(l), nil
}

// ApplyExtension marks the loan extended and moves the due date.
func (s *Store) ApplyExtension(_ context.Context, id uuid.UUID, baseVer int64, newDue time.Time) (*model.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.openAt(id, baseVer)
	if err != nil {
		return nil, err
	}
	if l.IsExtended {
		return nil, errs.Violation(errs.ReasonAlreadyExtended)
	}
	l.IsExtended = true
	l.DueDate = newDue
	l.Ver++
	return cloneLoan(l), nil
}

// ShortenDueDateIfLonger pulls an extended open loan's due date in to now+targetDays.
func (s *Store) ShortenDueDateIfLonger(_ context.Context, id uuid.UUID, now time.Time, targetDays int) (bool, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loans[id]
	if !ok {
		return false, time.Time{}, nil
	}
	target := now.AddDate(0, 0, targetDays)
	if l.ReturnedAt != nil || !l.IsExtended || !l.DueDate.After(target) {
		return false, time.Time{}, nil
	}
	n := now
	l.DueDate = target
	l.LastNudgedAt = &n
	l.Ver++
	return true, target, nil
}

// GetItem returns the availability record of an item.
func (s *Store) GetItem(_ context.Context, id int64) (*model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.items[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &model.Item{ID: id, Status: st}, nil
}

// SetItemStatus upserts the availability flag unless the item is on loan.
func (s *Store) SetItemStatus(_ context.Context, id int64, status model.ItemStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, open := s.openByItm[id]; open {
		return fmt.Errorf("%w: item %d is on loan", errs.ErrConflict, id)
	}
	s.items[id] = status
	return nil
}

// Borrowers is the borrower directory view of a Store. Its Create would clash with the loan Create.
type Borrowers struct{ s *Store }

// Borrowers returns the borrower directory view of the store.
func (s *Store) Borrowers() *Borrowers { return &Borrowers{s: s} }

// Create inserts a borrower and assigns the next id.
func (b *Borrowers) Create(_ context.Context, in *model.Borrower) (int64, error) {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byKey[in.CredentialKey]; dup {
		return 0, errs.ErrConflict
	}
	s.nextBID++
	c := *in
	c.ID = s.nextBID
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.borrowers[c.ID] = &c
	s.byKey[c.CredentialKey] = c.ID
	return c.ID, nil
}

// GetBorrowerByID loads a borrower by id.
func (b *Borrowers) GetBorrowerByID(_ context.Context, id int64) (*model.Borrower, error) {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.borrowers[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *u
	return &c, nil
}

// GetBorrowerByCredentialKey loads a borrower by card number / login.
func (b *Borrowers) GetBorrowerByCredentialKey(ctx context.Context, key string) (*model.Borrower, error) {
	b.s.mu.Lock()
	id, ok := b.s.byKey[key]
	b.s.mu.Unlock()
	if !ok {
		return nil, errs.ErrNotFound
	}
	return b.GetBorrowerByID(ctx, id)
}

// VerifyCredential checks secret against the stored hash.
func (b *Borrowers) VerifyCredential(u *model.Borrower, secret string) bool {
	if u == nil {
		return false
	}
	return crypto.VerifySecret(secret, u.Salt, u.SecretHash)
}

// Load returns the stored policy, ErrNotFound before the first Save.
func (s *Store) Load(_ context.Context) (model.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.policy == nil {
		return model.Policy{}, errs.ErrNotFound
	}
	return *s.policy, nil
}

// Save overwrites the stored policy.
func (s *Store) Save(_ context.Context, p model.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = &p
	return nil
}
