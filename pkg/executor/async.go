package executor

import (
	"log/slog"
	"sync"

	"github.com/product-os/jellyfish-worker-sub001/pkg/contracts"
)

// asyncDispatcher runs detached trigger work on a single background
// goroutine: asynchronous triggers never block or fail the mutation
// that spawned them, but they stay serialized among themselves
// (concurrency = 1) to bound resource use and preserve rule-list
// ordering.
type asyncDispatcher struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func() error
	wake    chan struct{}
	stopped bool
	idle    *sync.Cond
	pending int
}

func newAsyncDispatcher(logger *slog.Logger) *asyncDispatcher {
	d := &asyncDispatcher{
		logger: logger.With("dispatch", "async"),
		wake:   make(chan struct{}, 1),
	}
	d.idle = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

// dispatch hands a job to the background loop. Jobs submitted after
// stop are dropped with a log line rather than blocking shutdown.
func (d *asyncDispatcher) dispatch(job func() error) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.logger.Warn("dropping async trigger dispatched after shutdown")
		return
	}
	d.queue = append(d.queue, job)
	d.pending++
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *asyncDispatcher) loop() {
	for range d.wake {
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			job := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()

			// The error boundary: detached work logs, never propagates.
			if err := job(); err != nil {
				d.logger.Error("async trigger failed",
					"error", err,
					"name", contracts.ErrorName(err),
					"expected", contracts.Expected(err))
			}

			d.mu.Lock()
			d.pending--
			if d.pending == 0 {
				d.idle.Broadcast()
			}
			d.mu.Unlock()
		}
	}
}

// drain blocks until every dispatched job has run.
func (d *asyncDispatcher) drain() {
	d.mu.Lock()
	for d.pending > 0 {
		d.idle.Wait()
	}
	d.mu.Unlock()
}

func (d *asyncDispatcher) stop() {
	d.drain()
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.wake)
	}
	d.mu.Unlock()
}
