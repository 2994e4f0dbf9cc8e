package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hibiken/asynq"
)

// errRequeued is handed back to asynq so the task is scheduled for retry.
var errRequeued = errors.New("rejected for redelivery")

// AsynqPublisher publishes events as asynq tasks on Redis.
type AsynqPublisher struct {
	client   *asynq.Client
	routes   Routes
	maxRetry int
}

// NewAsynqPublisher wraps client. maxRetry bounds redeliveries before asynq
// archives a task.
func NewAsynqPublisher(client *asynq.Client, routes Routes, maxRetry int) *AsynqPublisher {
	return &AsynqPublisher{client: client, routes: routes, maxRetry: maxRetry}
}

// Publish enqueues ev on its route's queue.
func (p *AsynqPublisher) Publish(ctx context.Context, ev Event) error {
	queueName, err := p.routes.Queue(ev.Kind)
	if err != nil {
		return err
	}
	task, err := newTask(ev)
	if err != nil {
		return err
	}
	if _, err := p.client.EnqueueContext(ctx, task, asynq.Queue(queueName), asynq.MaxRetry(p.maxRetry)); err != nil {
		return fmt.Errorf("enqueue %s event for %s: %w", ev.Kind, ev.DocumentID, err)
	}
	return nil
}

func newTask(ev Event) (*asynq.Task, error) {
	data, err := ev.Encode()
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(ev.Kind.TaskType(), data), nil
}

// AsynqConsumerConfig tunes one consumer connection.
type AsynqConsumerConfig struct {
	Queue      string
	Kind       Kind
	RetryDelay time.Duration
	Logger     asynq.Logger
}

// AsynqConsumer turns asynq's push-style handler into a pull-style Consumer.
// Each consumer runs its own asynq server with concurrency 1, so at most one
// task is in flight per consumer. The handler parks the task until the
// receiver settles it: Ack returns nil to asynq (task done), Reject with
// requeue returns an error (task retried) and Reject without requeue returns
// asynq.SkipRetry (task archived).
type AsynqConsumer struct {
	server     *asynq.Server
	kind       Kind
	deliveries chan *asynqDelivery
	started    bool
	mu         sync.Mutex
}

// NewAsynqConsumer builds a consumer for cfg.Queue. Call Start before Receive.
func NewAsynqConsumer(redis asynq.RedisConnOpt, cfg AsynqConsumerConfig) *AsynqConsumer {
	serverCfg := asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{cfg.Queue: 1},
		Logger:      cfg.Logger,
		IsFailure: func(err error) bool {
			return !errors.Is(err, context.Canceled)
		},
	}
	if cfg.RetryDelay > 0 {
		delay := cfg.RetryDelay
		serverCfg.RetryDelayFunc = func(int, error, *asynq.Task) time.Duration { return delay }
	}
	return &AsynqConsumer{
		server:     asynq.NewServer(redis, serverCfg),
		kind:       cfg.Kind,
		deliveries: make(chan *asynqDelivery),
	}
}

// Start begins fetching tasks from Redis.
func (c *AsynqConsumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	mux := asynq.NewServeMux()
	mux.HandleFunc(c.kind.TaskType(), c.handle)
	if err := c.server.Start(mux); err != nil {
		return fmt.Errorf("start %s consumer: %w", c.kind, err)
	}
	c.started = true
	return nil
}

// Close stops fetching and waits for the in-flight handler. A parked task
// that was never settled goes back to Redis and is redelivered later.
func (c *AsynqConsumer) Close() {
	c.server.Shutdown()
}

// Receive waits for the next task.
func (c *AsynqConsumer) Receive(ctx context.Context) (Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d := <-c.deliveries:
		return d, nil
	}
}

func (c *AsynqConsumer) handle(ctx context.Context, task *asynq.Task) error {
	ev, err := Decode(c.kind, task.Payload())
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	retried, _ := asynq.GetRetryCount(ctx)
	d := &asynqDelivery{ev: ev, attempt: retried + 1, result: make(chan error, 1)}
	select {
	case c.deliveries <- d:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-d.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type asynqDelivery struct {
	ev      Event
	attempt int
	result  chan error
	once    sync.Once
}

func (d *asynqDelivery) Event() Event { return d.ev }
func (d *asynqDelivery) Attempt() int { return d.attempt }

func (d *asynqDelivery) Ack(context.Context) error {
	return d.settle(nil)
}

func (d *asynqDelivery) Reject(_ context.Context, requeue bool, cause error) error {
	if cause == nil {
		cause = errRequeued
	}
	if requeue {
		return d.settle(fmt.Errorf("%w: %v", errRequeued, cause))
	}
	return d.settle(fmt.Errorf("%v: %w", cause, asynq.SkipRetry))
}

func (d *asynqDelivery) settle(result error) error {
	settled := false
	d.once.Do(func() {
		d.result <- result
		settled = true
	})
	if !settled {
		return ErrSettled
	}
	return nil
}

// DeadLetter describes a message that exhausted its deliveries or was
// rejected without requeue.
type DeadLetter struct {
	ID        string
	Queue     string
	Event     Event
	Attempts  int
	LastError string
	FailedAt  time.Time
}

// Inspector exposes asynq's archive as the dead-letter queue.
type Inspector struct {
	inspector *asynq.Inspector
}

// NewInspector connects an inspector to Redis.
func NewInspector(redis asynq.RedisConnOpt) *Inspector {
	return &Inspector{inspector: asynq.NewInspector(redis)}
}

// DeadLetters lists archived messages on queueName.
func (i *Inspector) DeadLetters(queueName string, limit int) ([]DeadLetter, error) {
	tasks, err := i.inspector.ListArchivedTasks(queueName, asynq.PageSize(limit))
	if err != nil {
		return nil, fmt.Errorf("list archived tasks on %s: %w", queueName, err)
	}
	out := make([]DeadLetter, 0, len(tasks))
	for _, t := range tasks {
		dl := DeadLetter{
			ID:        t.ID,
			Queue:     t.Queue,
			Attempts:  t.Retried + 1,
			LastError: t.LastErr,
			FailedAt:  t.LastFailedAt,
		}
		kind := Kind(strings.TrimPrefix(t.Type, "document:"))
		if ev, err := Decode(kind, t.Payload); err == nil {
			dl.Event = ev
		}
		out = append(out, dl)
	}
	return out, nil
}

// Redrive moves every archived message on queueName back to pending.
func (i *Inspector) Redrive(queueName string) (int, error) {
	n, err := i.inspector.RunAllArchivedTasks(queueName)
	if err != nil {
		return 0, fmt.Errorf("redrive %s: %w", queueName, err)
	}
	return n, nil
}

// Close releases the Redis connection.
func (i *Inspector) Close() error {
	return i.inspector.Close()
}
