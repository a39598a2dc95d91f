package receipt

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrQueueFull  = errors.New("receipt queue full")
	ErrSinkClosed = errors.New("receipt sink closed")
)

// AsyncSink hands receipts to a background worker so callers never wait on
// storage. When the queue is full the receipt is dropped.
type AsyncSink struct {
	next   Sink
	queue  chan *Receipt
	logger *zap.Logger
	onDrop func()

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type AsyncOption func(*AsyncSink)

// WithDropHook registers a callback run for every dropped receipt.
func WithDropHook(fn func()) AsyncOption {
	return func(a *AsyncSink) { a.onDrop = fn }
}

func NewAsyncSink(next Sink, size int, logger *zap.Logger, opts ...AsyncOption) *AsyncSink {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &AsyncSink{
		next:   next,
		queue:  make(chan *Receipt, size),
		logger: logger,
		onDrop: func() {},
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.run()
	return a
}

func (a *AsyncSink) run() {
	defer close(a.done)
	for r := range a.queue {
		if err := a.next.Write(context.Background(), r); err != nil {
			a.logger.Warn("receipt sink write failed",
				zap.String("receipt_id", r.ReceiptID),
				zap.String("tenant_id", r.TenantID),
				zap.Error(err),
			)
		}
	}
}

// Write enqueues r and returns immediately.
func (a *AsyncSink) Write(_ context.Context, r *Receipt) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.onDrop()
		return ErrSinkClosed
	}
	select {
	case a.queue <- r:
		return nil
	default:
		a.onDrop()
		return ErrQueueFull
	}
}

// Close stops accepting receipts and waits for queued ones to be written or
// for ctx to end.
func (a *AsyncSink) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
