// Package queue defines the pipeline's event channel: durable named queues
// with explicit acknowledgment, delivered at least once to competing
// consumers that each hold at most one message in flight.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrSettled is returned when Ack or Reject is called on a delivery that
	// was already acknowledged or rejected.
	ErrSettled = errors.New("delivery already settled")
	// ErrInFlight is returned by Receive while the previous delivery on the
	// same consumer has not been settled.
	ErrInFlight = errors.New("consumer already has a message in flight")
	// ErrClosed is returned by consumers and publishers after Close.
	ErrClosed = errors.New("queue closed")
)

// Kind identifies the pipeline stage an event triggers.
type Kind string

const (
	KindProcessing Kind = "processing"
	KindValidation Kind = "validation"
)

// TaskType is the asynq task type name for events of this kind.
func (k Kind) TaskType() string {
	return "document:" + string(k)
}

// Event is a lifecycle event for one document.
type Event struct {
	Kind       Kind
	DocumentID string
}

// Payload is the wire body shared by both event kinds.
type Payload struct {
	DocumentID string `json:"documentId"`
}

// Encode marshals the event body.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(Payload{DocumentID: e.DocumentID})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// Decode parses a wire body for the given kind. An empty document id is
// rejected since no handler could ever succeed on it.
func Decode(kind Kind, data []byte) (Event, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Event{}, fmt.Errorf("unmarshal %s payload: %w", kind, err)
	}
	if p.DocumentID == "" {
		return Event{}, fmt.Errorf("%s payload has no documentId", kind)
	}
	return Event{Kind: kind, DocumentID: p.DocumentID}, nil
}

// Routes maps event kinds to queue names.
type Routes struct {
	Processing string
	Validation string
}

// Queue returns the queue name events of kind are published to.
func (r Routes) Queue(kind Kind) (string, error) {
	switch kind {
	case KindProcessing:
		return r.Processing, nil
	case KindValidation:
		return r.Validation, nil
	}
	return "", fmt.Errorf("unknown event kind %q", kind)
}

// Publisher appends events to their durable queue. Publish returns only after
// the queue has accepted the event.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Consumer hands out one delivery at a time from a single queue.
type Consumer interface {
	// Receive blocks until a message is available or ctx is done.
	Receive(ctx context.Context) (Delivery, error)
}

// Delivery is one received message. Exactly one of Ack or Reject must be
// called; until then the consumer will not hand out another message.
type Delivery interface {
	Event() Event
	// Attempt is 1 for the first delivery and grows on every redelivery.
	Attempt() int
	// Ack permanently removes the message from the queue.
	Ack(ctx context.Context) error
	// Reject returns the message to the queue for redelivery when requeue is
	// true and dead-letters it otherwise. cause is recorded with the message.
	Reject(ctx context.Context, requeue bool, cause error) error
}

// PublishProcessing enqueues a processing event for id.
func PublishProcessing(ctx context.Context, p Publisher, id string) error {
	return p.Publish(ctx, Event{Kind: KindProcessing, DocumentID: id})
}

// PublishValidation enqueues a validation event for id.
func PublishValidation(ctx context.Context, p Publisher, id string) error {
	return p.Publish(ctx, Event{Kind: KindValidation, DocumentID: id})
}
