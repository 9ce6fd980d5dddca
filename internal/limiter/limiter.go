// Package limiter bounds how many site tasks run at once. Waiters are served
// strictly in arrival order and a released permit goes straight to the head
// of the queue, so a newcomer can never overtake a goroutine that is already
// waiting.
package limiter

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultCapacity is used when New receives a non-positive capacity.
const DefaultCapacity = 3

// Observer receives usage updates. Implementations must not call back into
// the Limiter.
type Observer interface {
	LimiterUsage(inUse, waiting int)
	LimiterWait(d time.Duration)
}

// Limiter is a FIFO counting semaphore.
type Limiter struct {
	capacity int
	observer Observer

	mu      sync.Mutex
	inUse   int
	waiters list.List // of chan struct{}
}

// New returns a Limiter with the given number of permits.
func New(capacity int, observer Observer) *Limiter {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Limiter{capacity: capacity, observer: observer}
}

// Acquire blocks until a permit is granted or ctx ends. On cancellation the
// waiter leaves the queue; a permit handed over concurrently is passed on to
// the next waiter instead of being lost.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()

	l.mu.Lock()
	if err := ctx.Err(); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("acquire permit: %w", err)
	}
	if l.takeLocked() {
		l.mu.Unlock()
		l.observeWait(0)
		return nil
	}
	ready := make(chan struct{})
	elem := l.waiters.PushBack(ready)
	l.reportLocked()
	l.mu.Unlock()

	select {
	case <-ready:
		l.observeWait(time.Since(start))
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-ready:
			l.releaseLocked()
		default:
			l.waiters.Remove(elem)
		}
		l.reportLocked()
		l.mu.Unlock()
		return fmt.Errorf("acquire permit: %w", ctx.Err())
	}
}

// TryAcquire takes a permit only if one is free and nobody is queued.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	ok := l.takeLocked()
	l.mu.Unlock()
	if ok {
		l.observeWait(0)
	}
	return ok
}

func (l *Limiter) takeLocked() bool {
	if l.inUse >= l.capacity || l.waiters.Len() > 0 {
		return false
	}
	l.inUse++
	l.reportLocked()
	return true
}

// Release returns a permit. Calling Release without a matching Acquire panics.
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked()
	l.reportLocked()
}

func (l *Limiter) releaseLocked() {
	if front := l.waiters.Front(); front != nil {
		// The permit moves to the head waiter; inUse is unchanged.
		l.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	if l.inUse == 0 {
		panic("limiter: release without acquire")
	}
	l.inUse--
}

// Capacity returns the total number of permits.
func (l *Limiter) Capacity() int {
	return l.capacity
}

// InUse returns how many permits are currently held.
func (l *Limiter) InUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inUse
}

// Waiting returns how many goroutines are queued in Acquire.
func (l *Limiter) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiters.Len()
}

func (l *Limiter) reportLocked() {
	if l.observer != nil {
		l.observer.LimiterUsage(l.inUse, l.waiters.Len())
	}
}

func (l *Limiter) observeWait(d time.Duration) {
	if l.observer != nil {
		l.observer.LimiterWait(d)
	}
}
