// Package queue implements the bounded, blocking FIFO of Buffer references
// described in spec.md §4.2: usable from both interrupt (or the work-item
// standing in for it) and task context, with capacity = logical-count + 1
// so the read and write cursors can distinguish empty from full.
//
// The two-cursor ring idiom is the same one tamago's VirtIO queue
// (kvm/virtio/queue.go: Available/Used index arithmetic modulo size) and
// ENET descriptor ring (soc/nxp/enet/dma.go: ring.next() wrap bit) use for
// their hardware-shared rings; here it backs a purely in-driver queue of
// *dma.Buffer references instead of hardware descriptors.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/slaclab/axisgen2/dma"
)

// ErrOverflow is returned by Push/PushList when the queue is full.
var ErrOverflow = errors.New("queue: overflow")

// ErrInterrupted is returned by Wait when it is woken by context
// cancellation (standing in for a delivered signal, spec.md §5) rather than
// by data becoming available. No buffer is consumed in that case.
var ErrInterrupted = errors.New("queue: interrupted")

// Queue is a bounded multi-producer/single-consumer (or multi/multi, under
// IRQ-vs-syscall contention) FIFO of *dma.Buffer references.
type Queue struct {
	mu     sync.Mutex
	buf    []*dma.Buffer
	read   int
	write  int
	notify chan struct{}
}

// New creates a queue with the given logical capacity (the maximum number
// of buffers it can hold); the backing array is sized capacity+1.
func New(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		buf:    make([]*dma.Buffer, capacity+1),
		notify: make(chan struct{}, 1),
	}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) pushLocked(b *dma.Buffer) error {
	next := (q.write + 1) % len(q.buf)
	if next == q.read {
		return ErrOverflow
	}

	b.SetInQueue(true)
	q.buf[q.write] = b
	q.write = next

	return nil
}

func (q *Queue) popLocked() *dma.Buffer {
	if q.read == q.write {
		return nil
	}

	b := q.buf[q.read]
	q.buf[q.read] = nil
	q.read = (q.read + 1) % len(q.buf)
	b.SetInQueue(false)

	return b
}

// Push enqueues a single buffer from task context. It acquires the queue's
// lock, rejects with ErrOverflow if the queue is full, and wakes one
// waiter on success.
func (q *Queue) Push(b *dma.Buffer) error {
	q.mu.Lock()
	err := q.pushLocked(b)
	q.mu.Unlock()

	if err == nil {
		q.wake()
	}

	return err
}

// PushIRQ is the interrupt-context variant of Push. In a real kernel driver
// it takes the spinlock without saving flags, because the caller guarantees
// interrupts are already masked; in this hosted port there is no hardware
// interrupt to mask, so it is the same critical section as Push, kept as a
// distinct method to preserve call-site fidelity with spec.md §4.2.
func (q *Queue) PushIRQ(b *dma.Buffer) error {
	return q.Push(b)
}

// PushList enqueues up to len(bufs) buffers atomically with respect to one
// lock acquisition, stopping at the first overflow. It returns the number
// of buffers actually enqueued; buffers past that point remain unqueued.
func (q *Queue) PushList(bufs []*dma.Buffer) (int, error) {
	q.mu.Lock()
	n := 0
	var err error
	for _, b := range bufs {
		if err = q.pushLocked(b); err != nil {
			break
		}
		n++
	}
	q.mu.Unlock()

	if n > 0 {
		q.wake()
	}

	return n, err
}

// PushListIRQ is the interrupt-context variant of PushList.
func (q *Queue) PushListIRQ(bufs []*dma.Buffer) (int, error) {
	return q.PushList(bufs)
}

// Pop removes and returns the oldest buffer, or nil if the queue is empty.
func (q *Queue) Pop() *dma.Buffer {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// PopIRQ is the interrupt-context variant of Pop.
func (q *Queue) PopIRQ() *dma.Buffer {
	return q.Pop()
}

// PopList pops up to len(out) buffers into out and returns the actual
// number popped.
func (q *Queue) PopList(out []*dma.Buffer) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for n < len(out) {
		b := q.popLocked()
		if b == nil {
			break
		}
		out[n] = b
		n++
	}

	return n
}

// PopListIRQ is the interrupt-context variant of PopList.
func (q *Queue) PopListIRQ(out []*dma.Buffer) int {
	return q.PopList(out)
}

// NotEmpty reports whether the queue currently holds at least one buffer.
func (q *Queue) NotEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.read != q.write
}

// Poll is the non-blocking readiness check used by the character-device
// poll entrypoint (spec.md §4.6): readable iff the queue is non-empty.
func (q *Queue) Poll() bool {
	return q.NotEmpty()
}

// Wait blocks the calling goroutine until a buffer is available or ctx is
// done, popping and returning the buffer in the former case and
// ErrInterrupted in the latter (spec.md §4.2, §5: "wait is interruptible;
// must surface early termination as a distinct signal, not as spurious
// data"). No buffer is consumed on interruption.
func (q *Queue) Wait(ctx context.Context) (*dma.Buffer, error) {
	for {
		if b := q.Pop(); b != nil {
			return b, nil
		}

		select {
		case <-q.notify:
			continue
		case <-ctx.Done():
			return nil, ErrInterrupted
		}
	}
}
