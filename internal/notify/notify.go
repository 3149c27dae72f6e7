// Package notify hands borrower notifications to a delivery sink off the request path.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/lendingdesk/internal/model"
)

// ErrQueueFull is returned by Notify when the dispatcher cannot accept more work.
var ErrQueueFull = errors.New("notification queue full")

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("notifier closed")

// Notifier accepts notification requests. Implementations must not block on delivery.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
}

// Sink performs the actual delivery of one notification.
type Sink interface {
	Deliver(ctx context.Context, n model.Notification) error
}

// Dispatcher is a bounded queue drained by a fixed pool of workers.
type Dispatcher struct {
	sink    Sink
	log     *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	q      chan model.Notification
	wg     sync.WaitGroup
}

// NewDispatcher starts workers goroutines reading from a queue of the given size.
func NewDispatcher(sink Sink, log *zap.Logger, workers, queue int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		sink:    sink,
		log:     log,
		timeout: 10 * time.Second,
		q:       make(chan model.Notification, queue),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// Notify enqueues n without waiting for delivery.
func (d *Dispatcher) Notify(_ context.Context, n model.Notification) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.q <- n:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for n := range d.q {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.sink.Deliver(ctx, n)
		cancel()
		if err != nil {
			d.log.Warn("notification delivery failed",
				zap.String("kind", string(n.Kind)),
				zap.Int64("borrower_id", n.BorrowerID),
				zap.String("loan_id", n.LoanID.String()),
				zap.Error(err))
		}
	}
}

// Close stops accepting work and waits until queued notifications are delivered
// or ctx expires.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.q)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSink writes notifications to the log instead of delivering them.
type LogSink struct{ Log *zap.Logger }

// Deliver logs n at info level.
func (s LogSink) Deliver(_ context.Context, n model.Notification) error {
	fields := []zap.Field{
		zap.String("kind", string(n.Kind)),
		zap.Int64("borrower_id", n.BorrowerID),
		zap.String("loan_id", n.LoanID.String()),
		zap.Int64("item_id", n.ItemID),
	}
	if n.DueDate != nil {
		fields = append(fields, zap.Time("due_date", *n.DueDate))
	}
	s.Log.Info("notification", fields...)
	return nil
}

// Nop drops every notification.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, model.Notification) error { return nil }
