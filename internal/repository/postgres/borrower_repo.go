package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/lendingdesk/internal/crypto"
	"github.com/and161185/lendingdesk/internal/errs"
	"github.com/and161185/lendingdesk/internal/model"
)

// BorrowerRepo implements BorrowerDirectory using PostgreSQL.
type BorrowerRepo struct{ db *DB }

// NewBorrowerRepo constructs a borrower directory.
func NewBorrowerRepo(db *DB) *BorrowerRepo { return &BorrowerRepo{db: db} }

// Create inserts a borrower and returns the generated id.
func (r *BorrowerRepo) Create(ctx context.Context, b *model.Borrower) (int64, error) {
	const q = `
INSERT INTO borrowers (credential_key, secret_hash, salt, is_staff)
VALUES ($1, $2, $3, $4)
RETURNING id`
	var id int64
	if err := r.db.Pool.QueryRow(ctx, q, b.CredentialKey, b.SecretHash, b.Salt, b.IsStaff).Scan(&id); err != nil {
		if isUniqueViolation(err) {
			return 0, errs.ErrConflict
		}
		return 0, err
	}
	return id, nil
}

const selBorrower = `SELECT id, credential_key, secret_hash, salt, is_staff, created_at FROM borrowers`

func (r *BorrowerRepo) one(ctx context.Context, q string, arg any) (*model.Borrower, error) {
	var b model.Borrower
	err := r.db.Pool.QueryRow(ctx, q, arg).Scan(&b.ID, &b.CredentialKey, &b.SecretHash, &b.Salt, &b.IsStaff, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

// GetBorrowerByID selects a borrower by id.
func (r *BorrowerRepo) GetBorrowerByID(ctx context.Context, id int64) (*model.Borrower, error) {
	return r.one(ctx, selBorrower+` WHERE id=$1`, id)
}

// GetBorrowerByCredentialKey selects a borrower by card number / login.
func (r *BorrowerRepo) GetBorrowerByCredentialKey(ctx context.Context, key string) (*model.Borrower, error) {
	return r.one(ctx, selBorrower+` WHERE credential_key=$1`, key)
}

// VerifyCredential checks secret against the stored Argon2id hash.
func (r *BorrowerRepo) VerifyCredential(b *model.Borrower, secret string) bool {
	if b == nil {
		return false
	}
	return crypto.VerifySecret(secret, b.Salt, b.SecretHash)
}
