package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/and161185/lendingdesk/internal/model"
)

type recSink struct {
	mu    sync.Mutex
	got   []model.Notification
	err   error
	block chan struct{}
}

func (s *recSink) Deliver(_ context.Context, n model.Notification) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	return s.err
}

func (s *recSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func note(kind model.NotificationKind) model.Notification {
	return model.Notification{Kind: kind, BorrowerID: 5, LoanID: uuid.Must(uuid.NewV4()), ItemID: 9}
}

func TestDispatcher_DeliversAndDrainsOnClose(t *testing.T) {
	sink := &recSink{}
	d := NewDispatcher(sink, zap.NewNop(), 2, 16)

	for i := 0; i < 10; i++ {
		require.NoError(t, d.Notify(context.Background(), note(model.NotifyLoanConfirmed)))
	}
	require.NoError(t, d.Close(context.Background()))
	require.Equal(t, 10, sink.count())

	require.ErrorIs(t, d.Notify(context.Background(), note(model.NotifyReturned)), ErrClosed)
	require.NoError(t, d.Close(context.Background()), "close is idempotent")
}

func TestDispatcher_QueueFull(t *testing.T) {
	sink := &recSink{block: make(chan struct{})}
	d := NewDispatcher(sink, zap.NewNop(), 1, 1)

	// one in flight in the worker, one buffered, then full
	var full bool
	for i := 0; i < 5; i++ {
		if errors.Is(d.Notify(context.Background(), note(model.NotifyRenewed)), ErrQueueFull) {
			full = true
			break
		}
	}
	require.True(t, full)
	close(sink.block)
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcher_SinkErrorIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	sink := &recSink{err: errors.New("smtp down")}
	d := NewDispatcher(sink, zap.New(core), 1, 4)

	require.NoError(t, d.Notify(context.Background(), note(model.NotifyExtended)))
	require.NoError(t, d.Close(context.Background()))

	entries := logs.FilterMessage("notification delivery failed").All()
	require.Len(t, entries, 1)
	require.Equal(t, "extended", entries[0].ContextMap()["kind"])
}

func TestDispatcher_CloseHonorsContext(t *testing.T) {
	sink := &recSink{block: make(chan struct{})}
	d := NewDispatcher(sink, zap.NewNop(), 1, 4)
	require.NoError(t, d.Notify(context.Background(), note(model.NotifyExtensionNudge)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)
	close(sink.block)
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	due := time.Date(2026, 5, 7, 0, 0, 0, 0, time.UTC)
	n := note(model.NotifyExtensionNudge)
	n.DueDate = &due

	require.NoError(t, LogSink{Log: zap.New(core)}.Deliver(context.Background(), n))
	require.Equal(t, 1, logs.FilterField(zap.Int64("item_id", 9)).Len())
}
