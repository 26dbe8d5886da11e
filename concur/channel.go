package concur

import (
	"sync"
	"time"
)

// Channel is a closeable, unbounded queue with timeout receives, matching
// spec.md §5 "Suspension points" semantics: Recv(timeout) with -1 = infinite,
// 0 = poll, >0 = bounded wait. Producers never block (spec.md §5): Send
// always appends and returns immediately. A terminated Channel makes pending
// and future receivers return ok=false rather than blocking forever.
//
// Grounded on original_source/src/Channel.h and ChannelEntity.h.
type Channel[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
}

func NewChannel[T any](_ int) *Channel[T] {
	c := &Channel[T]{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Send enqueues v; returns false if the channel has been terminated.
func (c *Channel[T]) Send(v T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.items = append(c.items, v)
	c.cond.Signal()
	return true
}

// Recv waits up to timeoutMs milliseconds (-1 = infinite, 0 = poll) for a
// value. ok is false on timeout or on a terminated, drained channel.
func (c *Channel[T]) Recv(timeoutMs int) (v T, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.items) == 0 && !c.closed {
		switch {
		case timeoutMs == 0:
			return v, false
		case timeoutMs < 0:
			for len(c.items) == 0 && !c.closed {
				c.cond.Wait()
			}
		default:
			c.waitTimeout(time.Duration(timeoutMs) * time.Millisecond)
		}
	}
	if len(c.items) == 0 {
		return v, false
	}
	v = c.items[0]
	c.items = c.items[1:]
	return v, true
}

// waitTimeout blocks on c.cond until a value arrives, the channel closes, or
// d elapses. Must be called with c.mu held.
func (c *Channel[T]) waitTimeout(d time.Duration) {
	deadline := time.Now().Add(d)
	done := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		c.mu.Lock()
		close(done)
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()
	for len(c.items) == 0 && !c.closed {
		select {
		case <-done:
			return
		default:
		}
		if time.Now().After(deadline) {
			return
		}
		c.cond.Wait()
	}
}

// Terminate closes the channel; all pending and future Recv calls return
// ok=false once drained (spec.md §5 cancellation).
func (c *Channel[T]) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cond.Broadcast()
}

func (c *Channel[T]) IsTerminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
