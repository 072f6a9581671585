package handlers

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type storeOp struct {
	name string
	fn   func(ctx context.Context, s Store) error
}

// storeWriter applies store updates one at a time, in the order they were
// pushed. The relay pushes while holding its lock, so the store sees the
// same sequence of queue and match changes the relay made.
type storeWriter struct {
	store  Store
	logger zerolog.Logger

	mu      sync.Mutex
	pending []storeOp

	wake     chan struct{}
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

func newStoreWriter(store Store, logger zerolog.Logger) *storeWriter {
	w := &storeWriter{
		store:   store,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go w.run()
	return w
}

// push never blocks
func (w *storeWriter) push(name string, fn func(ctx context.Context, s Store) error) {
	w.mu.Lock()
	w.pending = append(w.pending, storeOp{name: name, fn: fn})
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *storeWriter) take() []storeOp {
	w.mu.Lock()
	defer w.mu.Unlock()
	ops := w.pending
	w.pending = nil
	return ops
}

func (w *storeWriter) run() {
	defer close(w.stopped)
	for {
		w.flush()
		select {
		case <-w.wake:
		case <-w.quit:
			w.flush()
			return
		}
	}
}

func (w *storeWriter) flush() {
	for ops := w.take(); len(ops) > 0; ops = w.take() {
		for _, op := range ops {
			w.apply(op)
		}
	}
}

func (w *storeWriter) apply(op storeOp) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := op.fn(ctx, w.store); err != nil {
		w.logger.Warn().Err(err).Str("op", op.name).Msg("store update failed")
	}
}

// stop applies everything already pushed, then ends the writer.
// Later pushes are dropped.
func (w *storeWriter) stop() {
	w.stopOnce.Do(func() { close(w.quit) })
	<-w.stopped
}
