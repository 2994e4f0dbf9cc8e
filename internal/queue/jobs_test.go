package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
)

func TestEventEncodeDecode(t *testing.T) {
	ev := Event{Kind: KindProcessing, DocumentID: "doc-1"}
	data, err := ev.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(data) != `{"documentId":"doc-1"}` {
		t.Fatalf("Encode = %s", data)
	}
	got, err := Decode(KindProcessing, data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != ev {
		t.Fatalf("Decode = %+v, want %+v", got, ev)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, body := range []string{`not json`, `{}`, `{"documentId":""}`} {
		if _, err := Decode(KindValidation, []byte(body)); err == nil {
			t.Errorf("Decode(%q) succeeded, want error", body)
		}
	}
}

func TestRoutesQueue(t *testing.T) {
	r := Routes{Processing: "p", Validation: "v"}
	if q, _ := r.Queue(KindProcessing); q != "p" {
		t.Errorf("Queue(processing) = %q", q)
	}
	if q, _ := r.Queue(KindValidation); q != "v" {
		t.Errorf("Queue(validation) = %q", q)
	}
	if _, err := r.Queue(Kind("other")); err == nil {
		t.Errorf("expected error for unknown kind")
	}
	if KindValidation.TaskType() != "document:validation" {
		t.Errorf("TaskType = %q", KindValidation.TaskType())
	}
}

func newBareAsynqConsumer(kind Kind) *AsynqConsumer {
	return &AsynqConsumer{kind: kind, deliveries: make(chan *asynqDelivery)}
}

func runHandle(c *AsynqConsumer, body string) <-chan error {
	out := make(chan error, 1)
	go func() {
		out <- c.handle(context.Background(), asynq.NewTask(c.kind.TaskType(), []byte(body)))
	}()
	return out
}

func waitResult(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(time.Second):
		t.Fatalf("handler did not return")
	}
	return nil
}

func TestAsynqConsumerAckCompletesTask(t *testing.T) {
	c := newBareAsynqConsumer(KindProcessing)
	result := runHandle(c, `{"documentId":"doc-1"}`)
	d, err := c.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if d.Event().DocumentID != "doc-1" || d.Attempt() != 1 {
		t.Fatalf("unexpected delivery %+v attempt %d", d.Event(), d.Attempt())
	}
	if err := d.Ack(context.Background()); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := waitResult(t, result); err != nil {
		t.Fatalf("handler returned %v, want nil", err)
	}
	if err := d.Reject(context.Background(), true, nil); !errors.Is(err, ErrSettled) {
		t.Fatalf("Reject after Ack = %v, want ErrSettled", err)
	}
}

func TestAsynqConsumerRejectRetriesTask(t *testing.T) {
	c := newBareAsynqConsumer(KindValidation)
	result := runHandle(c, `{"documentId":"doc-1"}`)
	d, _ := c.Receive(context.Background())
	_ = d.Reject(context.Background(), true, errors.New("store down"))
	err := waitResult(t, result)
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("handler returned %v, want retryable error", err)
	}
}

func TestAsynqConsumerRejectWithoutRequeueArchives(t *testing.T) {
	c := newBareAsynqConsumer(KindValidation)
	result := runHandle(c, `{"documentId":"doc-1"}`)
	d, _ := c.Receive(context.Background())
	_ = d.Reject(context.Background(), false, errors.New("poison"))
	if err := waitResult(t, result); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("handler returned %v, want SkipRetry", err)
	}
}

func TestAsynqConsumerMalformedPayloadArchived(t *testing.T) {
	c := newBareAsynqConsumer(KindProcessing)
	if err := waitResult(t, runHandle(c, `{}`)); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("handler returned %v, want SkipRetry", err)
	}
}
