package queue

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

var testRoutes = Routes{Processing: "processing", Validation: "validation"}

func receive(t *testing.T, c Consumer) Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := c.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return d
}

func TestMemoryBrokerRoutesAndAcks(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(testRoutes)
	if err := PublishProcessing(ctx, b, "doc-1"); err != nil {
		t.Fatalf("PublishProcessing: %v", err)
	}
	if err := PublishValidation(ctx, b, "doc-2"); err != nil {
		t.Fatalf("PublishValidation: %v", err)
	}
	if got := b.Pending("processing"); got != 1 {
		t.Fatalf("Pending(processing) = %d, want 1", got)
	}

	d := receive(t, b.Consumer("validation"))
	if d.Event() != (Event{Kind: KindValidation, DocumentID: "doc-2"}) {
		t.Fatalf("unexpected event %+v", d.Event())
	}
	if d.Attempt() != 1 {
		t.Fatalf("Attempt() = %d, want 1", d.Attempt())
	}
	if err := d.Ack(ctx); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := d.Ack(ctx); !errors.Is(err, ErrSettled) {
		t.Fatalf("second Ack = %v, want ErrSettled", err)
	}
	if err := d.Reject(ctx, true, nil); !errors.Is(err, ErrSettled) {
		t.Fatalf("Reject after Ack = %v, want ErrSettled", err)
	}
	if acked := b.Acked(); len(acked) != 1 || acked[0].DocumentID != "doc-2" {
		t.Fatalf("Acked() = %+v", acked)
	}
	if got := b.Pending("validation"); got != 0 {
		t.Fatalf("Pending(validation) = %d, want 0", got)
	}
}

func TestMemoryBrokerRequeueRedelivers(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(testRoutes)
	c := b.Consumer("processing")
	_ = PublishProcessing(ctx, b, "doc-1")

	d := receive(t, c)
	if err := d.Reject(ctx, true, errors.New("store down")); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	again := receive(t, c)
	if again.Event().DocumentID != "doc-1" || again.Attempt() != 2 {
		t.Fatalf("redelivery = %+v attempt %d", again.Event(), again.Attempt())
	}
	if len(b.DeadLetters()) != 0 {
		t.Fatalf("unexpected dead letters")
	}
}

func TestMemoryBrokerMaxDeliveriesDeadLetters(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(testRoutes, WithMaxDeliveries(2))
	c := b.Consumer("processing")
	_ = PublishProcessing(ctx, b, "doc-1")

	for i := 0; i < 2; i++ {
		d := receive(t, c)
		_ = d.Reject(ctx, true, errors.New("boom"))
	}
	if got := b.Pending("processing"); got != 0 {
		t.Fatalf("Pending = %d, want 0 after exhaustion", got)
	}
	dead := b.DeadLetters()
	if len(dead) != 1 || dead[0].Attempts != 2 || dead[0].LastError != "boom" {
		t.Fatalf("DeadLetters() = %+v", dead)
	}
}

func TestMemoryBrokerLogsDeadLetters(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	b := NewMemoryBroker(testRoutes, WithMaxDeliveries(1), WithLogger(logger))
	c := b.Consumer("processing")
	_ = PublishProcessing(ctx, b, "doc-7")

	d := receive(t, c)
	if err := d.Reject(ctx, true, errors.New("extractor crashed")); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if len(b.DeadLetters()) != 1 {
		t.Fatalf("DeadLetters() = %+v, want one", b.DeadLetters())
	}
	out := buf.String()
	for _, want := range []string{"level=ERROR", "event dead-lettered", "document_id=doc-7", "queue=processing", "attempts=1", "extractor crashed"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestMemoryBrokerRejectWithoutRequeue(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(testRoutes)
	c := b.Consumer("processing")
	_ = PublishProcessing(ctx, b, "doc-1")
	d := receive(t, c)
	_ = d.Reject(ctx, false, errors.New("poison"))
	if len(b.DeadLetters()) != 1 {
		t.Fatalf("expected message to be dead-lettered")
	}
}

func TestMemoryConsumerSingleInFlight(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(testRoutes)
	c := b.Consumer("processing")
	_ = PublishProcessing(ctx, b, "doc-1")
	_ = PublishProcessing(ctx, b, "doc-2")

	d := receive(t, c)
	if _, err := c.Receive(ctx); !errors.Is(err, ErrInFlight) {
		t.Fatalf("Receive with unsettled delivery = %v, want ErrInFlight", err)
	}
	_ = d.Ack(ctx)
	if next := receive(t, c); next.Event().DocumentID != "doc-2" {
		t.Fatalf("expected doc-2, got %+v", next.Event())
	}
}

func TestMemoryConsumerCloseRedeliversUnsettled(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(testRoutes)
	first := b.Consumer("processing")
	_ = PublishProcessing(ctx, b, "doc-1")
	d := receive(t, first)
	first.Close()

	if err := d.Ack(ctx); !errors.Is(err, ErrSettled) {
		t.Fatalf("Ack after disconnect = %v, want ErrSettled", err)
	}
	second := b.Consumer("processing")
	again := receive(t, second)
	if again.Event().DocumentID != "doc-1" || again.Attempt() != 2 {
		t.Fatalf("expected redelivery of doc-1, got %+v attempt %d", again.Event(), again.Attempt())
	}
	if _, err := first.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("Receive on closed consumer = %v, want ErrClosed", err)
	}
}

func TestMemoryConsumerReceiveHonoursContext(t *testing.T) {
	b := NewMemoryBroker(testRoutes)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Consumer("processing").Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Receive = %v, want deadline exceeded", err)
	}
}

func TestMemoryBrokerCloseWakesReceivers(t *testing.T) {
	b := NewMemoryBroker(testRoutes)
	c := b.Consumer("processing")
	errc := make(chan error, 1)
	go func() {
		_, err := c.Receive(context.Background())
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	b.Close()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Receive = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("receiver not woken by Close")
	}
	if err := PublishProcessing(context.Background(), b, "doc-1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Publish after Close = %v, want ErrClosed", err)
	}
}

func TestCompetingConsumersShareQueue(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(testRoutes)
	c1 := b.Consumer("processing")
	c2 := b.Consumer("processing")
	_ = PublishProcessing(ctx, b, "doc-1")
	_ = PublishProcessing(ctx, b, "doc-2")

	d1 := receive(t, c1)
	d2 := receive(t, c2)
	if d1.Event().DocumentID == d2.Event().DocumentID {
		t.Fatalf("both consumers received %s", d1.Event().DocumentID)
	}
}
