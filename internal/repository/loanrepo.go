// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/and161185/lendingdesk/internal/model"
	"github.com/gofrs/uuid/v5"
)

// LoanRepository is the durable record of loans.
type LoanRepository interface {
	// Create inserts a loan; ErrConflict if an open loan already exists for the item.
	Create(ctx context.Context, nl model.NewLoan) (*model.Loan, error)

	// CheckOut atomically inserts an open loan and flips the item from available to borrowed.
	CheckOut(ctx context.Context, nl model.NewLoan) (*model.Loan, error)

	// GetByID loads a loan by id.
	GetByID(ctx context.Context, id uuid.UUID) (*model.Loan, error)

	// GetActiveByItem returns the open loan for an item or nil.
	GetActiveByItem(ctx context.Context, itemID int64) (*model.Loan, error)

	// ListByBorrower lists loans of one borrower, newest first.
	ListByBorrower(ctx context.Context, b model.BorrowerRef, f model.LoanFilter) ([]model.Loan, error)

	// ListAll lists every loan, newest first.
	ListAll(ctx context.Context, f model.LoanFilter) ([]model.Loan, error)

	// MarkReturned sets returned_at; ErrNotFound unless the loan is open.
	MarkReturned(ctx context.Context, id uuid.UUID, now time.Time) (*model.Loan, error)

	// CheckIn atomically marks the open loan for an item returned and flips the item to available.
	CheckIn(ctx context.Context, itemID int64, now time.Time) (*model.Loan, error)

	// ApplyRenewal increments renewal_count and sets due_date if the loan is still at baseVer.
	ApplyRenewal(ctx context.Context, id uuid.UUID, baseVer int64, newDue time.Time) (*model.Loan, error)

	// ApplyExtension marks the loan extended and sets due_date if the loan is still at baseVer.
	ApplyExtension(ctx context.Context, id uuid.UUID, baseVer int64, newDue time.Time) (*model.Loan, error)

	// ShortenDueDateIfLonger moves due_date to now+targetDays and stamps last_nudged_at,
	// only for open extended loans whose due date lies further out. Single conditional write.
	ShortenDueDateIfLonger(ctx context.Context, id uuid.UUID, now time.Time, targetDays int) (bool, time.Time, error)
}
