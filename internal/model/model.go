// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Tokens collects an issued access token.
type Tokens struct {
	AccessToken string
	ExpiresAt   time.Time // access token expiry (for diagnostics)
}

// Loan is one lending episode of a single item.
type Loan struct {
	ID           uuid.UUID   // assigned on creation
	ItemID       int64       // FK -> items.id
	Borrower     BorrowerRef // regular borrower or internal use
	BorrowedAt   time.Time
	DueDate      time.Time  // never zero while the loan is open
	ReturnedAt   *time.Time // set once, terminal
	RenewalCount int        // monotonic, starts at 0
	IsExtended   bool       // set at most once, never unset
	LastNudgedAt *time.Time
	Ver          int64 // bumped by every mutation
}

// Open reports whether the loan has not been returned yet.
func (l Loan) Open() bool { return l.ReturnedAt == nil }

// IsOverdue reports whether the loan is open and its due date is before now.
// Overdue is always derived, never persisted.
func IsOverdue(l Loan, now time.Time) bool {
	return l.ReturnedAt == nil && l.DueDate.Before(now)
}

// State is the derived lifecycle state of a loan.
type State string

// Loan states. Overdue is orthogonal and reported separately by IsOverdue.
const (
	StateActive         State = "active"
	StateActiveExtended State = "active_extended"
	StateReturned       State = "returned"
)

// StateOf derives the lifecycle state of a loan.
func StateOf(l Loan) State {
	switch {
	case l.ReturnedAt != nil:
		return StateReturned
	case l.IsExtended:
		return StateActiveExtended
	default:
		return StateActive
	}
}

// NewLoan is a creation intent handed to the repository.
type NewLoan struct {
	ID         uuid.UUID
	ItemID     int64
	Borrower   BorrowerRef
	BorrowedAt time.Time
	DueDate    time.Time
	ReturnedAt *time.Time // non-nil for born-closed internal-use records
	// ActiveLimit caps the borrower's open loans at checkout; 0 means no cap.
	ActiveLimit int
}

// LoanFilter selects loans by open/closed state.
type LoanFilter string

// Loan list filters.
const (
	FilterAll      LoanFilter = "all"
	FilterActive   LoanFilter = "active"
	FilterReturned LoanFilter = "returned"
)

// ParseLoanFilter maps a user supplied string to a filter; empty means all.
func ParseLoanFilter(s string) (LoanFilter, bool) {
	switch LoanFilter(s) {
	case "", FilterAll:
		return FilterAll, true
	case FilterActive:
		return FilterActive, true
	case FilterReturned:
		return FilterReturned, true
	}
	return "", false
}

// RenewPreview is the outcome of a successful renewal check.
type RenewPreview struct {
	NewDueDate   time.Time
	RenewalsLeft int
}

// ExtendPreview is the outcome of a successful extension check.
type ExtendPreview struct {
	NewDueDate time.Time
}

// NudgeResult reports whether a nudge shortened the due date.
type NudgeResult struct {
	Changed    bool
	NewDueDate *time.Time
}

// ItemStatus is the availability flag owned by the item directory.
type ItemStatus string

// Item statuses.
const (
	ItemAvailable ItemStatus = "available"
	ItemBorrowed  ItemStatus = "borrowed"
	ItemReserved  ItemStatus = "reserved"
)

// Valid reports whether s is a known status.
func (s ItemStatus) Valid() bool {
	switch s {
	case ItemAvailable, ItemBorrowed, ItemReserved:
		return true
	}
	return false
}

// Item is the part of a catalog item the lending desk cares about.
type Item struct {
	ID     int64
	Status ItemStatus
}
