package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type memoryMessage struct {
	id      int64
	ev      Event
	attempt int
}

type memoryQueue struct {
	pending []*memoryMessage
	notify  chan struct{}
}

// MemoryBroker is an in-process event channel with the same delivery contract
// as the Redis-backed one: at-least-once delivery, explicit settlement and
// redelivery of unsettled messages when a consumer closes. It backs the
// single-process server and the worker tests.
type MemoryBroker struct {
	routes        Routes
	maxDeliveries int
	logger        *slog.Logger

	mu        sync.Mutex
	queues    map[string]*memoryQueue
	nextID    int64
	published []Event
	acked     []Event
	dead      []DeadLetter
	closed    bool
}

// MemoryOption configures a MemoryBroker.
type MemoryOption func(*MemoryBroker)

// WithMaxDeliveries dead-letters a message once it has been delivered n times
// and rejected again. Zero keeps redelivering forever.
func WithMaxDeliveries(n int) MemoryOption {
	return func(b *MemoryBroker) {
		if n >= 0 {
			b.maxDeliveries = n
		}
	}
}

// WithLogger reports every dead-lettered message at error level.
func WithLogger(logger *slog.Logger) MemoryOption {
	return func(b *MemoryBroker) {
		if logger != nil {
			b.logger = logger.With("system", "memory-broker")
		}
	}
}

// NewMemoryBroker creates a broker routing events by routes.
func NewMemoryBroker(routes Routes, opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		routes: routes,
		queues: make(map[string]*memoryQueue),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *MemoryBroker) queue(name string) *memoryQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memoryQueue{notify: make(chan struct{}, 1)}
		b.queues[name] = q
	}
	return q
}

// Publish appends ev to its queue.
func (b *MemoryBroker) Publish(_ context.Context, ev Event) error {
	name, err := b.routes.Queue(ev.Kind)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.nextID++
	b.published = append(b.published, ev)
	b.push(name, &memoryMessage{id: b.nextID, ev: ev, attempt: 1})
	return nil
}

// push requires b.mu.
func (b *MemoryBroker) push(name string, msg *memoryMessage) {
	q := b.queue(name)
	q.pending = append(q.pending, msg)
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Consumer returns a new consumer connection on queueName.
func (b *MemoryBroker) Consumer(queueName string) *MemoryConsumer {
	return &MemoryConsumer{broker: b, queue: queueName}
}

// Close stops accepting publishes and wakes blocked receivers.
func (b *MemoryBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, q := range b.queues {
		close(q.notify)
	}
}

// Published returns every event accepted so far, in publish order.
func (b *MemoryBroker) Published() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.published...)
}

// Acked returns every acknowledged event, in ack order.
func (b *MemoryBroker) Acked() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.acked...)
}

// DeadLetters returns messages that were dropped without acknowledgment.
func (b *MemoryBroker) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeadLetter(nil), b.dead...)
}

// Pending reports how many messages wait on queueName, excluding in-flight ones.
func (b *MemoryBroker) Pending(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue(queueName).pending)
}

func (b *MemoryBroker) settle(queueName string, msg *memoryMessage, ack, requeue bool, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ack {
		b.acked = append(b.acked, msg.ev)
		return
	}
	exhausted := b.maxDeliveries > 0 && msg.attempt >= b.maxDeliveries
	if requeue && !exhausted && !b.closed {
		b.push(queueName, &memoryMessage{id: msg.id, ev: msg.ev, attempt: msg.attempt + 1})
		return
	}
	dl := DeadLetter{
		ID:       fmt.Sprintf("%d", msg.id),
		Queue:    queueName,
		Event:    msg.ev,
		Attempts: msg.attempt,
		FailedAt: time.Now().UTC(),
	}
	if cause != nil {
		dl.LastError = cause.Error()
	}
	b.dead = append(b.dead, dl)
	if b.logger != nil {
		b.logger.Error("event dead-lettered",
			"queue", queueName,
			"event", msg.ev.Kind,
			"document_id", msg.ev.DocumentID,
			"attempts", msg.attempt,
			"error", dl.LastError,
		)
	}
}

// MemoryConsumer is one consumer connection. It holds at most one unsettled
// delivery at a time.
type MemoryConsumer struct {
	broker *MemoryBroker
	queue  string

	mu       sync.Mutex
	inflight *memoryDelivery
	closed   bool
}

// Receive pops the next message, blocking until one is available.
func (c *MemoryConsumer) Receive(ctx context.Context) (Delivery, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.inflight != nil && !c.inflight.isSettled() {
		c.mu.Unlock()
		return nil, ErrInFlight
	}
	c.mu.Unlock()

	b := c.broker
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		q := b.queue(c.queue)
		if len(q.pending) > 0 {
			msg := q.pending[0]
			q.pending = q.pending[1:]
			if len(q.pending) > 0 {
				// pass the wakeup on to another waiting consumer
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			b.mu.Unlock()
			d := &memoryDelivery{consumer: c, msg: msg}
			c.mu.Lock()
			c.inflight = d
			c.mu.Unlock()
			return d, nil
		}
		notify := q.notify
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		}
	}
}

// Close disconnects the consumer. An unsettled delivery is requeued, just as
// a broker redelivers unacknowledged messages from a dropped connection.
func (c *MemoryConsumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.inflight != nil && c.inflight.markSettled() {
		msg := c.inflight.msg
		b := c.broker
		b.mu.Lock()
		if !b.closed {
			b.push(c.queue, &memoryMessage{id: msg.id, ev: msg.ev, attempt: msg.attempt + 1})
		}
		b.mu.Unlock()
	}
}

type memoryDelivery struct {
	consumer *MemoryConsumer
	msg      *memoryMessage

	mu      sync.Mutex
	settled bool
}

func (d *memoryDelivery) Event() Event { return d.msg.ev }
func (d *memoryDelivery) Attempt() int { return d.msg.attempt }

func (d *memoryDelivery) Ack(context.Context) error {
	if !d.markSettled() {
		return ErrSettled
	}
	d.consumer.broker.settle(d.consumer.queue, d.msg, true, false, nil)
	return nil
}

func (d *memoryDelivery) Reject(_ context.Context, requeue bool, cause error) error {
	if !d.markSettled() {
		return ErrSettled
	}
	d.consumer.broker.settle(d.consumer.queue, d.msg, false, requeue, cause)
	return nil
}

func (d *memoryDelivery) markSettled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return false
	}
	d.settled = true
	return true
}

func (d *memoryDelivery) isSettled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}
