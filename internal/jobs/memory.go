package jobs

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrQueueClosed = errors.New("jobs: queue closed")

type DelayedJob struct {
	Job   Job
	Delay time.Duration
}

// MemoryQueue is an in-process Queue. Enqueue never blocks: jobs land on an
// unbounded backlog that a feeder goroutine moves onto the delivery channel,
// so handlers running on the pool can enqueue follow-ups while the pool is
// saturated.
//
// In manual mode nothing is delivered: jobs are only recorded so tests can
// inspect and run them by hand.
type MemoryQueue struct {
	ch     chan Delivery
	manual bool
	wake   chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	backlog []Job
	pending []Job
	delayed []DelayedJob
	dead    []Job
	timers  map[*time.Timer]struct{}
}

func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 256
	}
	q := &MemoryQueue{
		ch:     make(chan Delivery, buffer),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		timers: make(map[*time.Timer]struct{}),
	}
	go q.feed()
	return q
}

func NewManualQueue() *MemoryQueue {
	return &MemoryQueue{manual: true, done: make(chan struct{})}
}

func (q *MemoryQueue) Deliveries() <-chan Delivery { return q.ch }

func (q *MemoryQueue) Enqueue(_ context.Context, j Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.manual {
		q.pending = append(q.pending, j)
		q.mu.Unlock()
		return nil
	}
	q.backlog = append(q.backlog, j)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) EnqueueIn(ctx context.Context, j Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.manual {
		q.delayed = append(q.delayed, DelayedJob{Job: j, Delay: delay})
		return nil
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, t)
		q.mu.Unlock()
		_ = q.Enqueue(context.WithoutCancel(ctx), j)
	})
	q.timers[t] = struct{}{}
	return nil
}

// feed moves the backlog onto ch in order until Close.
func (q *MemoryQueue) feed() {
	defer close(q.ch)
	for {
		q.mu.Lock()
		if len(q.backlog) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}
		j := q.backlog[0]
		q.backlog[0] = Job{}
		q.backlog = q.backlog[1:]
		q.mu.Unlock()

		select {
		case q.ch <- q.delivery(j):
		case <-q.done:
			return
		}
	}
}

func (q *MemoryQueue) delivery(j Job) Delivery {
	return Delivery{
		Job: j,
		Ack: func() error { return nil },
		Nack: func() error {
			q.mu.Lock()
			q.dead = append(q.dead, j)
			q.mu.Unlock()
			return nil
		},
	}
}

// Close stops pending timers and the feeder; the delivery channel is closed
// once the feeder exits. Jobs still on the backlog are dropped.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	q.backlog = nil
	close(q.done)
}

// Drain returns and clears the jobs recorded in manual mode.
func (q *MemoryQueue) Drain() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

// DrainDelayed returns and clears the delayed jobs recorded in manual mode.
func (q *MemoryQueue) DrainDelayed() []DelayedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.delayed
	q.delayed = nil
	return out
}

func (q *MemoryQueue) DeadLetters() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.dead...)
}
