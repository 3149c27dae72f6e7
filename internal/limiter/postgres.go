package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed Cooldown over the nudge_cooldown table.
type PG struct {
	pool pgxQuerier
	now  func() time.Time
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed cooldown. *pgxpool.Pool satisfies pgxQuerier.
func NewPG(q pgxQuerier) *PG { return &PG{pool: q, now: time.Now} }

// NewPGWithClock constructs a PostgreSQL-backed cooldown with an injected clock.
func NewPGWithClock(q pgxQuerier, now func() time.Time) *PG { return &PG{pool: q, now: now} }

// Acquire claims the window with a single conditional upsert. When the stored stamp
// is still inside the window the upsert returns no row and the remaining wait is read back.
func (l *PG) Acquire(ctx context.Context, loanID uuid.UUID, requesterID int64, window time.Duration) (bool, time.Duration, error) {
	now := l.now()

	const q = `
INSERT INTO nudge_cooldown (loan_id, requester_id, nudged_at)
VALUES ($1, $2, $3)
ON CONFLICT (loan_id, requester_id) DO UPDATE
SET nudged_at = EXCLUDED.nudged_at
WHERE nudge_cooldown.nudged_at <= $4
RETURNING nudged_at`
	var stamped time.Time
	err := l.pool.QueryRow(ctx, q, loanID, requesterID, now, now.Add(-window)).Scan(&stamped)
	switch {
	case err == nil:
		return true, 0, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return false, 0, err
	}

	const sel = `SELECT nudged_at FROM nudge_cooldown WHERE loan_id=$1 AND requester_id=$2`
	var last time.Time
	if err := l.pool.QueryRow(ctx, sel, loanID, requesterID).Scan(&last); err != nil {
		return false, 0, err
	}
	wait := last.Add(window).Sub(now)
	if wait < 0 {
		wait = 0
	}
	return false, wait, nil
}

// Release implements Cooldown.
func (l *PG) Release(ctx context.Context, loanID uuid.UUID, requesterID int64) error {
	const q = `DELETE FROM nudge_cooldown WHERE loan_id=$1 AND requester_id=$2`
	_, err := l.pool.Exec(ctx, q, loanID, requesterID)
	return err
}

// Forget drops cooldown rows older than the given age.
func (l *PG) Forget(ctx context.Context, olderThan time.Duration) error {
	const q = `DELETE FROM nudge_cooldown WHERE nudged_at < $1`
	_, err := l.pool.Exec(ctx, q, l.now().Add(-olderThan))
	return err
}
