// Package watch implements the single-writer, multi-reader rendezvous
// primitives the downloader and streaming responder use to hand off
// partially-written files between goroutines: a one-shot latch for the
// temp-file path, and a last-value-wins progress cell that readers can
// block on and the writer can wait to drain.
package watch

import (
	"context"
	"errors"
	"sync"
)

// ErrProducerFailed is returned by Cell.Wait when the producer calls Fail
// instead of Set — it gave up before ever publishing a value.
var ErrProducerFailed = errors.New("watch: producer failed before publishing a value")

// Cell is a single-producer/multi-consumer latch: it starts empty and
// transitions exactly once, either to holding a value (Set) or to a
// terminal failure (Fail). Consumers call Wait to block until that
// transition (or their context is done).
type Cell[T any] struct {
	mu     sync.Mutex
	val    T
	ready  chan struct{}
	set    bool
	failed bool
}

// NewCell returns an empty Cell.
func NewCell[T any]() *Cell[T] {
	return &Cell[T]{ready: make(chan struct{})}
}

// Set publishes the value. Only the first call to Set or Fail has an
// effect; later calls are no-ops, matching the "transitions exactly once"
// invariant.
func (c *Cell[T]) Set(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set || c.failed {
		return
	}
	c.val = v
	c.set = true
	close(c.ready)
}

// Fail marks the Cell as permanently unset because the producer is gone
// without ever calling Set, and wakes any blocked Wait callers with
// ErrProducerFailed. Only the first call to Set or Fail has an effect.
func (c *Cell[T]) Fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set || c.failed {
		return
	}
	c.failed = true
	close(c.ready)
}

// Wait blocks until Set or Fail has been called, or ctx is done. It
// returns ErrProducerFailed if the producer called Fail.
func (c *Cell[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.ready:
		c.mu.Lock()
		v, failed := c.val, c.failed
		c.mu.Unlock()
		if failed {
			var zero T
			return zero, ErrProducerFailed
		}
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Get returns the current value and whether it has been set, without
// blocking. It reports false both before the producer has acted and after
// a Fail.
func (c *Cell[T]) Get() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val, c.set
}

// Progress is a monotonically-updated byte counter broadcast to any number
// of subscribers. Only the latest value matters to readers, so updates are
// last-writer-wins rather than queued — a bounded channel would wrongly
// apply backpressure to the downloader that publishes on it.
type Progress struct {
	mu          sync.Mutex
	cond        *sync.Cond
	val         uint64
	changedCh   chan struct{}
	subscribers int
	done        bool
}

// NewProgress returns a Progress cell starting at 0.
func NewProgress() *Progress {
	p := &Progress{changedCh: make(chan struct{})}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Publish sets the current value and wakes everyone blocked in Changed.
// Callers must only ever publish non-decreasing values.
func (p *Progress) Publish(v uint64) {
	p.mu.Lock()
	p.val = v
	old := p.changedCh
	p.changedCh = make(chan struct{})
	p.mu.Unlock()
	close(old)
}

// Get returns the current value without blocking.
func (p *Progress) Get() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.val
}

// Changed blocks until the next Publish or Done call (returning the current
// value) or until ctx is done. Once Done has been called it returns the
// current value immediately.
func (p *Progress) Changed(ctx context.Context) (uint64, error) {
	p.mu.Lock()
	ch, done := p.changedCh, p.done
	p.mu.Unlock()

	if done {
		return p.Get(), nil
	}

	select {
	case <-ch:
		return p.Get(), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Done marks the Progress cell as closed — the producer is gone for good,
// whether on success or abandonment — and wakes anyone blocked in Changed
// one last time so they can stop waiting instead of riding out the full 30
// second silence timeout. Safe to call more than once; only the first call
// has an effect.
func (p *Progress) Done() {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	old := p.changedCh
	p.changedCh = make(chan struct{})
	p.mu.Unlock()
	close(old)
}

// IsDone reports whether Done has been called.
func (p *Progress) IsDone() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Receiver represents one subscriber's hold on a Progress cell. Close must
// be called when the subscriber stops reading.
type Receiver struct {
	p        *Progress
	released bool
}

// Subscribe registers a new reader and returns a handle it must Close when
// done. The downloader uses the live subscriber count (via WaitDrained) to
// know when it is safe to move the backing temp file.
func (p *Progress) Subscribe() *Receiver {
	p.mu.Lock()
	p.subscribers++
	p.mu.Unlock()
	return &Receiver{p: p}
}

// Close releases this subscriber's hold. Safe to call more than once.
func (r *Receiver) Close() {
	if r.released {
		return
	}
	r.released = true
	r.p.mu.Lock()
	r.p.subscribers--
	if r.p.subscribers == 0 {
		r.p.cond.Broadcast()
	}
	r.p.mu.Unlock()
}

// WaitDrained blocks until no subscriber is attached (or ctx is done). It
// is the Go stand-in for the watch sender's "closed()" awaitable: the
// downloader uses it to confirm every reader has stopped consuming the
// temp file before it removes the registry entry or imports into the cache.
func (p *Progress) WaitDrained(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.mu.Lock()
		for p.subscribers > 0 {
			p.cond.Wait()
		}
		p.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
