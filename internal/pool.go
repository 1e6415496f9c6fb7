package internal

import "context"

// WorkerPool runs queued work on N goroutines. Directory fetches and joins are queued here so
// that a burst of search keystrokes against many controllers cannot open an unbounded number
// of connections to the homeserver.
type WorkerPool struct {
	N  int
	ch chan func()
}

// Create a new worker pool of size N. Up to N work can be done concurrently, and up to N more
// can be queued before Queue applies backpressure to the producer.
func NewWorkerPool(n int) *WorkerPool {
	return &WorkerPool{
		N:  n,
		ch: make(chan func(), n),
	}
}

// Start the workers. Only call this once.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.N; i++ {
		go wp.worker()
	}
}

// Stop the worker pool. Only call this once, and never Queue afterwards.
func (wp *WorkerPool) Stop() {
	close(wp.ch)
}

// Queue some work on the pool. May or may not block until some work is processed.
func (wp *WorkerPool) Queue(fn func()) {
	wp.ch <- fn
}

// QueueContext is Queue but gives up waiting for space in the queue when ctx is done.
// Returns ctx.Err() if the work was not queued.
func (wp *WorkerPool) QueueContext(ctx context.Context, fn func()) error {
	select {
	case wp.ch <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (wp *WorkerPool) worker() {
	for fn := range wp.ch {
		fn()
	}
}
