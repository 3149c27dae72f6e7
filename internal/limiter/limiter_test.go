package limiter

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

/************ fake pgx ************/
type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakePool struct {
	upsertErr error
	lastStamp time.Time
	selErr    error

	lastExecSQL string
	lastArgs    []any
	execErr     error
}

func (f *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.lastExecSQL, f.lastArgs = sql, args
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakePool) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	switch {
	case strings.Contains(sql, "RETURNING nudged_at"):
		return fakeRow{scan: func(dest ...any) error {
			if f.upsertErr != nil {
				return f.upsertErr
			}
			*(dest[0].(*time.Time)) = args[2].(time.Time)
			return nil
		}}
	case strings.Contains(sql, "SELECT nudged_at"):
		return fakeRow{scan: func(dest ...any) error {
			if f.selErr != nil {
				return f.selErr
			}
			*(dest[0].(*time.Time)) = f.lastStamp
			return nil
		}}
	default:
		return fakeRow{scan: func(dest ...any) error { return errors.New("unexpected query") }}
	}
}

var now0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func clock() time.Time { return now0 }

func TestPG_Acquire_Granted(t *testing.T) {
	l := NewPGWithClock(&fakePool{}, clock)
	ok, wait, err := l.Acquire(context.Background(), uuid.Must(uuid.NewV4()), 3, 24*time.Hour)
	if err != nil || !ok || wait != 0 {
		t.Fatalf("Acquire granted: ok=%v wait=%v err=%v", ok, wait, err)
	}
}

func TestPG_Acquire_InsideWindow(t *testing.T) {
	fp := &fakePool{upsertErr: pgx.ErrNoRows, lastStamp: now0.Add(-time.Hour)}
	l := NewPGWithClock(fp, clock)
	ok, wait, err := l.Acquire(context.Background(), uuid.Must(uuid.NewV4()), 3, 24*time.Hour)
	if err != nil || ok || wait != 23*time.Hour {
		t.Fatalf("Acquire blocked: ok=%v wait=%v err=%v", ok, wait, err)
	}
}

func TestPG_Acquire_DBErrors(t *testing.T) {
	l := NewPGWithClock(&fakePool{upsertErr: errors.New("db boom")}, clock)
	if ok, _, err := l.Acquire(context.Background(), uuid.Must(uuid.NewV4()), 3, time.Hour); err == nil || ok {
		t.Fatalf("want upsert error, got ok=%v err=%v", ok, err)
	}

	l = NewPGWithClock(&fakePool{upsertErr: pgx.ErrNoRows, selErr: errors.New("gone")}, clock)
	if ok, _, err := l.Acquire(context.Background(), uuid.Must(uuid.NewV4()), 3, time.Hour); err == nil || ok {
		t.Fatalf("want select error, got ok=%v err=%v", ok, err)
	}
}

func TestPG_Forget(t *testing.T) {
	fp := &fakePool{}
	l := NewPGWithClock(fp, clock)
	if err := l.Forget(context.Background(), 48*time.Hour); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if !strings.Contains(fp.lastExecSQL, "DELETE FROM nudge_cooldown") || fp.lastArgs[0].(time.Time) != now0.Add(-48*time.Hour) {
		t.Fatalf("unexpected exec: %s %v", fp.lastExecSQL, fp.lastArgs)
	}

	fp.execErr = errors.New("exec fail")
	if err := l.Forget(context.Background(), time.Hour); err == nil {
		t.Fatalf("want exec error")
	}
}

func TestMemory_Acquire(t *testing.T) {
	cur := now0
	m := NewMemoryWithClock(func() time.Time { return cur })
	loan := uuid.Must(uuid.NewV4())

	if ok, _, _ := m.Acquire(context.Background(), loan, 1, time.Hour); !ok {
		t.Fatalf("first nudge must pass")
	}
	ok, wait, _ := m.Acquire(context.Background(), loan, 1, time.Hour)
	if ok || wait != time.Hour {
		t.Fatalf("second nudge: ok=%v wait=%v", ok, wait)
	}
	if ok, _, _ := m.Acquire(context.Background(), loan, 2, time.Hour); !ok {
		t.Fatalf("other requester must pass")
	}
	cur = cur.Add(time.Hour)
	if ok, _, _ := m.Acquire(context.Background(), loan, 1, time.Hour); !ok {
		t.Fatalf("nudge after window must pass")
	}
}

func TestPG_Release(t *testing.T) {
	fp := &fakePool{}
	l := NewPGWithClock(fp, clock)
	loan := uuid.Must(uuid.NewV4())
	if err := l.Release(context.Background(), loan, 9); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !strings.Contains(fp.lastExecSQL, "DELETE FROM nudge_cooldown WHERE loan_id=$1 AND requester_id=$2") ||
		fp.lastArgs[0].(uuid.UUID) != loan || fp.lastArgs[1].(int64) != 9 {
		t.Fatalf("unexpected exec: %s %v", fp.lastExecSQL, fp.lastArgs)
	}

	fp.execErr = errors.New("exec fail")
	if err := l.Release(context.Background(), loan, 9); err == nil {
		t.Fatalf("want exec error")
	}
}

func TestMemory_ReleaseReopensWindow(t *testing.T) {
	m := NewMemoryWithClock(clock)
	loan := uuid.Must(uuid.NewV4())

	if ok, _, _ := m.Acquire(context.Background(), loan, 1, time.Hour); !ok {
		t.Fatalf("first nudge must pass")
	}
	if err := m.Release(context.Background(), loan, 1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if ok, _, _ := m.Acquire(context.Background(), loan, 1, time.Hour); !ok {
		t.Fatalf("released window must reopen")
	}
	if err := m.Release(context.Background(), loan, 2); err != nil {
		t.Fatalf("releasing an unknown key: %v", err)
	}
}
