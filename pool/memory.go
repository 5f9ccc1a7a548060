package pool

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// DefaultVisibility is how long a dequeued message stays hidden before the
// MemoryQueue delivers it again.
const DefaultVisibility = 30 * time.Second

type memMessage struct {
	id       uint64
	body     string
	receipt  uint64
	deadline time.Time
}

// MemoryQueue is an in-process Queue with the same at-least-once semantics as
// the durable backends: dequeued messages are redelivered unless acknowledged
// within the visibility window.
type MemoryQueue struct {
	visibility time.Duration
	now        func() time.Time

	mutex    sync.Mutex
	exists   bool
	ready    *list.List
	inflight map[uint64]*memMessage
	seq      uint64
	changed  chan struct{}
}

// NewMemoryQueue creates an existing, empty queue. A visibility <= 0 uses DefaultVisibility.
func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = DefaultVisibility
	}

	return &MemoryQueue{
		visibility: visibility,
		now:        time.Now,
		exists:     true,
		ready:      list.New(),
		inflight:   make(map[uint64]*memMessage),
		changed:    make(chan struct{}),
	}
}

// signal wakes blocked Dequeue calls. Caller holds the mutex.
func (q *MemoryQueue) signal() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Create implements Queue.
func (q *MemoryQueue) Create(context.Context) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.exists = true

	return nil
}

// Delete implements Queue.
func (q *MemoryQueue) Delete(context.Context) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if !q.exists {
		return ErrQueueNotFound
	}
	q.exists = false
	q.ready.Init()
	clear(q.inflight)
	q.signal()

	return nil
}

// Purge implements Queue.
func (q *MemoryQueue) Purge(context.Context) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if !q.exists {
		return ErrQueueNotFound
	}
	q.ready.Init()
	clear(q.inflight)

	return nil
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(_ context.Context, body string) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if !q.exists {
		return ErrQueueNotFound
	}
	q.seq++
	q.ready.PushBack(&memMessage{id: q.seq, body: body})
	q.signal()

	return nil
}

// Dequeue implements Queue.
func (q *MemoryQueue) Dequeue(ctx context.Context) (Delivery, error) {
	for {
		q.mutex.Lock()
		if !q.exists {
			q.mutex.Unlock()
			return nil, ErrQueueNotFound
		}
		now := q.now()
		q.redeliverExpired(now)
		if front := q.ready.Front(); front != nil {
			m := q.ready.Remove(front).(*memMessage)
			q.seq++
			m.receipt = q.seq
			m.deadline = now.Add(q.visibility)
			q.inflight[m.id] = m
			q.mutex.Unlock()

			return &memDelivery{queue: q, id: m.id, receipt: m.receipt, body: m.body}, nil
		}
		changed := q.changed
		wait := q.nextDeadline(now)
		q.mutex.Unlock()

		var (
			timer   *time.Timer
			timeout <-chan time.Time
		)
		if wait > 0 {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		case <-changed:
		case <-timeout:
		}
		stopTimer(timer)
	}
}

// redeliverExpired moves in-flight messages past their deadline back to the head.
func (q *MemoryQueue) redeliverExpired(now time.Time) {
	for id, m := range q.inflight {
		if !now.Before(m.deadline) {
			delete(q.inflight, id)
			q.ready.PushFront(m)
		}
	}
}

func (q *MemoryQueue) nextDeadline(now time.Time) time.Duration {
	var wait time.Duration
	for _, m := range q.inflight {
		d := m.deadline.Sub(now)
		if wait == 0 || d < wait {
			wait = d
		}
	}
	if wait < time.Millisecond && len(q.inflight) > 0 {
		wait = time.Millisecond
	}

	return wait
}

func (q *MemoryQueue) ack(id, receipt uint64) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	m, ok := q.inflight[id]
	if !ok || m.receipt != receipt {
		return ErrStaleDelivery
	}
	delete(q.inflight, id)

	return nil
}

// Len returns the number of messages ready for delivery.
func (q *MemoryQueue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return q.ready.Len()
}

// InFlight returns the number of delivered but unacknowledged messages.
func (q *MemoryQueue) InFlight() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return len(q.inflight)
}

// Bodies returns the ready messages in delivery order.
func (q *MemoryQueue) Bodies() []string {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	bodies := make([]string, 0, q.ready.Len())
	for e := q.ready.Front(); e != nil; e = e.Next() {
		bodies = append(bodies, e.Value.(*memMessage).body)
	}

	return bodies
}

type memDelivery struct {
	queue   *MemoryQueue
	id      uint64
	receipt uint64
	body    string
}

func (d *memDelivery) Body() string { return d.body }

func (d *memDelivery) Ack(context.Context) error {
	return d.queue.ack(d.id, d.receipt)
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
