// Package deferred provides a single-settlement outcome that one side resolves
// or rejects and another side waits on, plus conditional timeouts armed
// against it.
package deferred

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrTimedOut = errors.New("timed out")
	ErrPending  = errors.New("outcome still pending")
)

// Outcome is settled at most once per cycle. Reset starts a new cycle once the
// current one has settled.
type Outcome[T any] struct {
	mu    sync.Mutex
	cycle uint64
	done  chan struct{}
	value T
	err   error
}

func New[T any]() *Outcome[T] {
	return &Outcome[T]{done: make(chan struct{})}
}

func (o *Outcome[T]) Resolve(v T) {
	o.settle(o.current(), v, nil)
}

func (o *Outcome[T]) Reject(err error) {
	var zero T
	o.settle(o.current(), zero, err)
}

func (o *Outcome[T]) current() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cycle
}

// settle is a no-op when the cycle has moved on or already settled.
func (o *Outcome[T]) settle(cycle uint64, v T, err error) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cycle != o.cycle {
		return false
	}
	select {
	case <-o.done:
		return false
	default:
	}
	o.value = v
	o.err = err
	close(o.done)
	return true
}

// Done is closed when the current cycle settles.
func (o *Outcome[T]) Done() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

func (o *Outcome[T]) Settled() bool {
	select {
	case <-o.Done():
		return true
	default:
		return false
	}
}

// Wait blocks until the current cycle settles or ctx is done.
func (o *Outcome[T]) Wait(ctx context.Context) (T, error) {
	done := o.Done()
	select {
	case <-done:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.value, o.err
}

func (o *Outcome[T]) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	select {
	case <-o.done:
	default:
		return ErrPending
	}
	var zero T
	o.cycle++
	o.done = make(chan struct{})
	o.value = zero
	o.err = nil
	return nil
}

type Timeout struct {
	timer *time.Timer
	fired chan struct{}
}

// ArmTimeout rejects o with ErrTimedOut after d, but only if the cycle that
// was current at arm time is still pending when the timer fires.
func ArmTimeout[T any](o *Outcome[T], d time.Duration) *Timeout {
	cycle := o.current()
	t := &Timeout{fired: make(chan struct{})}
	var zero T
	t.timer = time.AfterFunc(d, func() {
		defer close(t.fired)
		o.settle(cycle, zero, ErrTimedOut)
	})
	return t
}

// Stop prevents a timer that has not fired yet from firing. Returns false if
// it already fired.
func (t *Timeout) Stop() bool {
	return t.timer.Stop()
}

// Fired is closed once the timer callback has run, whether or not it rejected
// anything.
func (t *Timeout) Fired() <-chan struct{} {
	return t.fired
}
