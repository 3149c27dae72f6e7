package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/lendingdesk/internal/errs"
	"github.com/and161185/lendingdesk/internal/model"
)

const loanCols = `id, item_id, borrower_id, borrowed_at, due_date, returned_at, renewal_count, is_extended, last_nudged_at, ver`

var loanColumns = []any{
	"id", "item_id", "borrower_id", "borrowed_at", "due_date",
	"returned_at", "renewal_count", "is_extended", "last_nudged_at", "ver",
}

// LoanRepo implements LoanRepository using PostgreSQL.
type LoanRepo struct{ db *DB }

// NewLoanRepo constructs a loan repository.
func NewLoanRepo(db *DB) *LoanRepo { return &LoanRepo{db: db} }

type scanner interface {
	Scan(dest ...any) error
}

func scanLoan(row scanner) (*model.Loan, error) {
	var (
		l        model.Loan
		borrower *int64
	)
	if err := row.Scan(&l.ID, &l.ItemID, &borrower, &l.BorrowedAt, &l.DueDate,
		&l.ReturnedAt, &l.RenewalCount, &l.IsExtended, &l.LastNudgedAt, &l.Ver); err != nil {
		return nil, err
	}
	if borrower != nil {
		l.Borrower = model.RegularBorrower(*borrower)
	}
	return &l, nil
}

// borrowerArg maps internal use to NULL.
func borrowerArg(b model.BorrowerRef) any {
	if id, ok := b.ID(); ok {
		return id
	}
	return nil
}

const insLoan = `INSERT INTO loans (id, item_id, borrower_id, borrowed_at, due_date, returned_at, renewal_count, is_extended, ver) VALUES ($1,$2,$3,$4,$5,$6,0,false,1)`

func newLoanRecord(nl model.NewLoan) *model.Loan {
	return &model.Loan{
		ID:         nl.ID,
		ItemID:     nl.ItemID,
		Borrower:   nl.Borrower,
		BorrowedAt: nl.BorrowedAt,
		DueDate:    nl.DueDate,
		ReturnedAt: nl.ReturnedAt,
		Ver:        1,
	}
}

func mapInsertErr(err error) error {
	switch {
	case isUniqueViolation(err):
		return errs.ErrConflict
	case isForeignKeyViolation(err):
		return errs.ErrNotFound
	}
	return err
}

// Create inserts a loan row. The partial unique index on open loans enforces one open loan per item.
func (r *LoanRepo) Create(ctx context.Context, nl model.NewLoan) (*model.Loan, error) {
	_, err := r.db.Pool.Exec(ctx, insLoan,
		nl.ID, nl.ItemID, borrowerArg(nl.Borrower), nl.BorrowedAt, nl.DueDate, nl.ReturnedAt)
	if err != nil {
		return nil, mapInsertErr(err)
	}
	return newLoanRecord(nl), nil
}

const (
	lockBorrower = `SELECT id FROM borrowers WHERE id=$1 FOR UPDATE`
	countOpen    = `SELECT count(*) FROM loans WHERE borrower_id=$1 AND returned_at IS NULL`
)

// checkActiveLimit serializes checkouts of one borrower on the borrower row and
// re-counts open loans under that lock.
func checkActiveLimit(ctx context.Context, tx pgx.Tx, nl model.NewLoan) error {
	id, ok := nl.Borrower.ID()
	if !ok || nl.ActiveLimit <= 0 {
		return nil
	}
	var locked int64
	if err := tx.QueryRow(ctx, lockBorrower, id).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.ErrNotFound
		}
		return err
	}
	var open int64
	if err := tx.QueryRow(ctx, countOpen, id).Scan(&open); err != nil {
		return err
	}
	if open >= int64(nl.ActiveLimit) {
		return errs.Violation(errs.ReasonMaxActiveLoans)
	}
	return nil
}

// CheckOut locks the item row, inserts the open loan and marks the item borrowed in one
// transaction. With nl.ActiveLimit set the borrower's open loans are re-counted under lock.
func (r *LoanRepo) CheckOut(ctx context.Context, nl model.NewLoan) (*model.Loan, error) {
	const sel = `SELECT status FROM items WHERE id=$1 FOR UPDATE`
	const upd = `UPDATE items SET status=$2 WHERE id=$1`

	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		var status string
		if err := tx.QueryRow(ctx, sel, nl.ItemID).Scan(&status); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.ErrNotFound
			}
			return err
		}
		if model.ItemStatus(status) != model.ItemAvailable {
			return errs.ErrConflict
		}
		if err := checkActiveLimit(ctx, tx, nl); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, insLoan,
			nl.ID, nl.ItemID, borrowerArg(nl.Borrower), nl.BorrowedAt, nl.DueDate, nl.ReturnedAt); err != nil {
			return mapInsertErr(err)
		}
		_, err := tx.Exec(ctx, upd, nl.ItemID, string(model.ItemBorrowed))
		return err
	})
	if err != nil {
		return nil, err
	}
	return newLoanRecord(nl), nil
}

// GetByID returns a loan by id.
func (r *LoanRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Loan, error) {
	q := `SELECT ` + loanCols + ` FROM loans WHERE id=$1`
	l, err := scanLoan(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return l, nil
}

// GetActiveByItem returns the open loan for an item, or nil when the item is on the shelf.
func (r *LoanRepo) GetActiveByItem(ctx context.Context, itemID int64) (*model.Loan, error) {
	q := `SELECT ` + loanCols + ` FROM loans WHERE item_id=$1 AND returned_at IS NULL`
	l, err := scanLoan(r.db.Pool.QueryRow(ctx, q, itemID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return l, nil
}

// ListByBorrower lists the loans of a borrower (or internal-use records), newest first.
func (r *LoanRepo) ListByBorrower(ctx context.Context, b model.BorrowerRef, f model.LoanFilter) ([]model.Loan, error) {
	var who exp.Expression = goqu.C("borrower_id").IsNull()
	if id, ok := b.ID(); ok {
		who = goqu.C("borrower_id").Eq(id)
	}
	return r.list(ctx, who, filterExpr(f))
}

// ListAll lists every loan, newest first.
func (r *LoanRepo) ListAll(ctx context.Context, f model.LoanFilter) ([]model.Loan, error) {
	return r.list(ctx, filterExpr(f))
}

func filterExpr(f model.LoanFilter) exp.Expression {
	switch f {
	case model.FilterActive:
		return goqu.C("returned_at").IsNull()
	case model.FilterReturned:
		return goqu.C("returned_at").IsNotNull()
	}
	return nil
}

func (r *LoanRepo) list(ctx context.Context, conds ...exp.Expression) ([]model.Loan, error) {
	where := make([]exp.Expression, 0, len(conds))
	for _, c := range conds {
		if c != nil {
			where = append(where, c)
		}
	}
	ds := goqu.Dialect("postgres").
		From("loans").
		Select(loanColumns...).
		Order(goqu.I("borrowed_at").Desc(), goqu.I("id").Asc())
	if len(where) > 0 {
		ds = ds.Where(where...)
	}
	q, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build loan list query: %w", err)
	}

	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// MarkReturned closes an open loan.
func (r *LoanRepo) MarkReturned(ctx context.Context, id uuid.UUID, now time.Time) (*model.Loan, error) {
	q := `UPDATE loans SET returned_at=$2, ver=ver+1 WHERE id=$1 AND returned_at IS NULL RETURNING ` + loanCols
	l, err := scanLoan(r.db.Pool.QueryRow(ctx, q, id, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return l, nil
}

// CheckIn closes the open loan of an item and puts the item back on the shelf in one transaction.
func (r *LoanRepo) CheckIn(ctx context.Context, itemID int64, now time.Time) (*model.Loan, error) {
	ret := `UPDATE loans SET returned_at=$2, ver=ver+1 WHERE item_id=$1 AND returned_at IS NULL RETURNING ` + loanCols
	const upd = `UPDATE items SET status=$2 WHERE id=$1`

	var out *model.Loan
	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		l, err := scanLoan(tx.QueryRow(ctx, ret, itemID, now))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.ErrNotFound
			}
			return err
		}
		if _, err := tx.Exec(ctx, upd, itemID, string(model.ItemAvailable)); err != nil {
			return err
		}
		out = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// lockOpen locks the loan row and checks that it is open and still at baseVer.
func lockOpen(ctx context.Context, tx pgx.Tx, id uuid.UUID, baseVer int64) (extended bool, err error) {
	const sel = `SELECT returned_at, is_extended, ver FROM loans WHERE id=$1 FOR UPDATE`
	var (
		returnedAt *time.Time
		curVer     int64
	)
	if err := tx.QueryRow(ctx, sel, id).Scan(&returnedAt, &extended, &curVer); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, errs.ErrNotFound
		}
		return false, err
	}
	if returnedAt != nil {
		return false, errs.Violation(errs.ReasonAlreadyReturned)
	}
	if curVer != baseVer {
		return false, errs.ErrConflict
	}
	return extended, nil
}

// ApplyRenewal bumps renewal_count and moves the due date under a row lock.
func (r *LoanRepo) ApplyRenewal(ctx context.Context, id uuid.UUID, baseVer int64, newDue time.Time) (*model.Loan, error) {
	upd := `UPDATE loans SET renewal_count=renewal_count+1, due_date=$2, ver=ver+1 WHERE id=$1 RETURNING ` + loanCols

	var out *model.Loan
	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := lockOpen(ctx, tx, id, baseVer); err != nil {
			return err
		}
		l, err := scanLoan(tx.QueryRow(ctx, upd, id, newDue))
		if err != nil {
			return err
		}
		out = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyExtension marks the loan extended and moves the due date under a row lock.
func (r *LoanRepo) ApplyExtension(ctx context.Context, id uuid.UUID, baseVer int64, newDue time.Time) (*model.Loan, error) {
	upd := `UPDATE loans SET is_extended=true, due_date=$2, ver=ver+1 WHERE id=$1 RETURNING ` + loanCols

	var out *model.Loan
	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		extended, err := lockOpen(ctx, tx, id, baseVer)
		if err != nil {
			return err
		}
		if extended {
			return errs.Violation(errs.ReasonAlreadyExtended)
		}
		l, err := scanLoan(tx.QueryRow(ctx, upd, id, newDue))
		if err != nil {
			return err
		}
		out = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ShortenDueDateIfLonger pulls an extended loan's due date in to now+targetDays when it lies further out.
func (r *LoanRepo) ShortenDueDateIfLonger(ctx context.Context, id uuid.UUID, now time.Time, targetDays int) (bool, time.Time, error) {
	const q = `
UPDATE loans SET due_date=$2, last_nudged_at=$3, ver=ver+1
WHERE id=$1 AND is_extended AND returned_at IS NULL AND due_date > $2
RETURNING due_date`
	target := now.AddDate(0, 0, targetDays)
	var due time.Time
	if err := r.db.Pool.QueryRow(ctx, q, id, target, now).Scan(&due); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, time.Time{}, nil
		}
		return false, time.Time{}, err
	}
	return true, due, nil
}
