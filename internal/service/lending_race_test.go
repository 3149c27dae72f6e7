package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/lendingdesk/internal/errs"
	"github.com/and161185/lendingdesk/internal/limiter"
	"github.com/and161185/lendingdesk/internal/model"
	"github.com/and161185/lendingdesk/internal/repository"
)

// rewire rebuilds the desk service over the given stores, keeping clock, notifier and cooldown.
func (d *desk) rewire(loans repository.LoanRepository, items repository.ItemGateway) {
	d.svc = NewLendingService(loans, items, d.store.Borrowers(), d.pol,
		WithClock(d.clock.Now),
		WithNotifier(d.note),
		WithCooldown(limiter.NewMemoryWithClock(d.clock.Now)),
	)
}

// borrowFirstItems lets a Borrow commit right before the first status write reaches the store.
type borrowFirstItems struct {
	repository.ItemGateway
	once   sync.Once
	borrow func()
}

func (g *borrowFirstItems) SetItemStatus(ctx context.Context, id int64, st model.ItemStatus) error {
	g.once.Do(g.borrow)
	return g.ItemGateway.SetItemStatus(ctx, id, st)
}

func TestSetItemStatus_BorrowLandsFirst(t *testing.T) {
	d := newDesk(t)
	it := d.item(t, 4)
	b := d.borrower(t, "a")
	ctx := context.Background()

	var borrowErr error
	items := &borrowFirstItems{ItemGateway: d.store}
	d.rewire(d.store, items)
	items.borrow = func() { _, borrowErr = d.svc.Borrow(ctx, it, b, nil) }

	err := d.svc.SetItemStatus(ctx, it, model.ItemReserved)
	require.NoError(t, borrowErr)
	require.ErrorIs(t, err, errs.ErrConflict)

	got, err := d.store.GetItem(ctx, it)
	require.NoError(t, err)
	require.Equal(t, model.ItemBorrowed, got.Status)
	open, err := d.store.GetActiveByItem(ctx, it)
	require.NoError(t, err)
	require.NotNil(t, open)
}

func TestSetItemStatus_ConcurrentWithBorrow_StaysConsistent(t *testing.T) {
	d := newDesk(t)
	b := d.borrower(t, "a")
	d.setPolicy(t, model.PolicyPatch{MaxActiveLoansPerBorrower: ptr(1000)})
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	for i := int64(1); i <= n; i++ {
		it := d.item(t, i)
		wg.Add(2)
		go func() { defer wg.Done(); _, _ = d.svc.Borrow(ctx, it, b, nil) }()
		go func() { defer wg.Done(); _ = d.svc.SetItemStatus(ctx, it, model.ItemReserved) }()
	}
	wg.Wait()

	for i := int64(1); i <= n; i++ {
		item, err := d.store.GetItem(ctx, i)
		require.NoError(t, err)
		open, err := d.store.GetActiveByItem(ctx, i)
		require.NoError(t, err)
		require.Equal(t, open != nil, item.Status == model.ItemBorrowed, "item %d status %s", i, item.Status)
	}
}

// staleLoans hides the borrower's open loans from the pre-check, as a concurrent
// checkout that has not committed yet would.
type staleLoans struct{ repository.LoanRepository }

func (staleLoans) ListByBorrower(context.Context, model.BorrowerRef, model.LoanFilter) ([]model.Loan, error) {
	return nil, nil
}

func TestBorrow_ActiveLimitHeldAtCheckOut(t *testing.T) {
	d := newDesk(t)
	d.setPolicy(t, model.PolicyPatch{MaxActiveLoansPerBorrower: ptr(1)})
	b := d.borrower(t, "a")
	ctx := context.Background()
	d.rewire(staleLoans{d.store}, d.store)

	_, err := d.svc.Borrow(ctx, d.item(t, 1), b, nil)
	require.NoError(t, err)
	_, err = d.svc.Borrow(ctx, d.item(t, 2), b, nil)
	requireReason(t, err, errs.ReasonMaxActiveLoans)

	got, _ := d.store.GetItem(ctx, 2)
	require.Equal(t, model.ItemAvailable, got.Status)
}

func TestBorrow_ConcurrentSameBorrower_RespectsLimit(t *testing.T) {
	d := newDesk(t)
	d.setPolicy(t, model.PolicyPatch{MaxActiveLoansPerBorrower: ptr(2)})
	b := d.borrower(t, "a")
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := int64(1); i <= 20; i++ {
		it := d.item(t, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.svc.Borrow(ctx, it, b, nil); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 2, wins)
}

func TestNudge_NoOpKeepsWindowOpen(t *testing.T) {
	d := newDesk(t)
	d.setPolicy(t, model.PolicyPatch{MaxRenewals: ptr(0)})
	holder := d.borrower(t, "holder")
	requester := d.borrower(t, "waiting")
	ctx := context.Background()

	l, err := d.svc.Borrow(ctx, d.item(t, 1), holder, nil)
	require.NoError(t, err)

	r, err := d.svc.Nudge(ctx, l.ID, requester)
	require.NoError(t, err)
	require.False(t, r.Changed, "not extended yet")

	_, err = d.svc.ExtendLoan(ctx, l.ID, holder)
	require.NoError(t, err)

	r, err = d.svc.Nudge(ctx, l.ID, requester)
	require.NoError(t, err)
	require.True(t, r.Changed)
}

// flakyShorten fails the first ShortenDueDateIfLonger call.
type flakyShorten struct {
	repository.LoanRepository
	failed bool
}

func (f *flakyShorten) ShortenDueDateIfLonger(ctx context.Context, id uuid.UUID, now time.Time, days int) (bool, time.Time, error) {
	if !f.failed {
		f.failed = true
		return false, time.Time{}, errors.New("db down")
	}
	return f.LoanRepository.ShortenDueDateIfLonger(ctx, id, now, days)
}

func TestNudge_FailedShorteningReleasesWindow(t *testing.T) {
	d := newDesk(t)
	e, _ := extendedLoan(t, d)
	requester := d.borrower(t, "waiting")
	ctx := context.Background()
	d.rewire(&flakyShorten{LoanRepository: d.store}, d.store)

	_, err := d.svc.Nudge(ctx, e.ID, requester)
	require.EqualError(t, err, "db down")

	r, err := d.svc.Nudge(ctx, e.ID, requester)
	require.NoError(t, err)
	require.True(t, r.Changed)

	_, err = d.svc.Nudge(ctx, e.ID, requester)
	require.NoError(t, err, "already short, nothing left to throttle")
}
