package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/lendingdesk/internal/errs"
	"github.com/and161185/lendingdesk/internal/model"
)

// ItemRepo implements ItemGateway over the items table shared with the catalog.
type ItemRepo struct{ db *DB }

// NewItemRepo constructs an item gateway.
func NewItemRepo(db *DB) *ItemRepo { return &ItemRepo{db: db} }

// GetItem returns the availability record of an item.
func (r *ItemRepo) GetItem(ctx context.Context, id int64) (*model.Item, error) {
	const q = `SELECT id, status FROM items WHERE id=$1`
	var (
		it     model.Item
		status string
	)
	if err := r.db.Pool.QueryRow(ctx, q, id).Scan(&it.ID, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	it.Status = model.ItemStatus(status)
	return &it, nil
}

// SetItemStatus registers an item or changes its availability flag. The item row is
// locked first so a concurrent CheckOut either commits before the open-loan check
// sees it or waits for this write. An item with an open loan is left untouched.
func (r *ItemRepo) SetItemStatus(ctx context.Context, id int64, status model.ItemStatus) error {
	const (
		sel = `SELECT status FROM items WHERE id=$1 FOR UPDATE`
		ins = `INSERT INTO items (id, status) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`
		upd = `
UPDATE items SET status=$2
WHERE id=$1 AND NOT EXISTS (SELECT 1 FROM loans WHERE item_id=$1 AND returned_at IS NULL)`
	)
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		var cur string
		err := tx.QueryRow(ctx, sel, id).Scan(&cur)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			tag, err := tx.Exec(ctx, ins, id, string(status))
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: item %d registered concurrently", errs.ErrConflict, id)
			}
			return nil
		case err != nil:
			return err
		}
		tag, err := tx.Exec(ctx, upd, id, string(status))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: item %d is on loan", errs.ErrConflict, id)
		}
		return nil
	})
}
