package repository

import (
	"context"

	"github.com/and161185/lendingdesk/internal/model"
)

// ItemGateway exposes the availability flag owned by the item directory.
type ItemGateway interface {
	// GetItem loads an item by id.
	GetItem(ctx context.Context, id int64) (*model.Item, error)
	// SetItemStatus registers the item or overwrites its availability flag in one
	// atomic step; it fails with errs.ErrConflict while the item has an open loan.
	SetItemStatus(ctx context.Context, id int64, status model.ItemStatus) error
}

// BorrowerDirectory provides borrower lookups and credential checks.
type BorrowerDirectory interface {
	// Create inserts a new borrower and returns its id.
	Create(ctx context.Context, b *model.Borrower) (int64, error)
	// GetBorrowerByID loads a borrower by id.
	GetBorrowerByID(ctx context.Context, id int64) (*model.Borrower, error)
	// GetBorrowerByCredentialKey loads a borrower by card number / login.
	GetBorrowerByCredentialKey(ctx context.Context, key string) (*model.Borrower, error)
	// VerifyCredential checks a secret against the borrower's stored hash.
	VerifyCredential(b *model.Borrower, secret string) bool
}

// PolicyRepository persists the singleton policy record.
type PolicyRepository interface {
	// Load returns the stored policy.
	Load(ctx context.Context) (model.Policy, error)
	// Save overwrites the stored policy.
	Save(ctx context.Context, p model.Policy) error
}
