package engine

import (
	"log/slog"
	"sync"
)

// dispatcher runs callbacks on a fixed pool of goroutines. Posting never
// blocks, so it is safe while holding the engine lock.
type dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	logger *slog.Logger
}

func newDispatcher(workers int, logger *slog.Logger) *dispatcher {
	d := &dispatcher{logger: logger}
	d.cond = sync.NewCond(&d.mu)
	for range workers {
		go d.loop()
	}
	return d
}

// post queues fn. After close, fn runs on its own goroutine.
func (d *dispatcher) post(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		go d.run(fn)
		return
	}
	d.queue = append(d.queue, fn)
	d.cond.Signal()
	d.mu.Unlock()
}

func (d *dispatcher) loop() {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.run(fn)
	}
}

func (d *dispatcher) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("callback panicked", "panic", r)
		}
	}()
	fn()
}

// close lets the workers exit once the queue is drained. It does not wait
// for them, so a callback may close the engine that runs it.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
}
