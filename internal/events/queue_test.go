package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestInMemoryPublishConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(8)
	payload, _ := json.Marshal(map[string]string{"fraud_type": "duplicate_attempt"})
	evt := Event{
		Type:       TypeFraudEvidence,
		SessionID:  10,
		StudentID:  7,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
	if err := q.Publish(ctx, evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ch, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	select {
	case got := <-ch:
		if got.Type != TypeFraudEvidence || got.SessionID != 10 || got.StudentID != 7 {
			t.Errorf("event = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestInMemoryConsumeStopsOnCancel(t *testing.T) {
	q := NewInMemory(1)
	ctx, cancel := context.WithCancel(context.Background())

	if err := q.Publish(ctx, Event{Type: TypeAlert}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	ch, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	// Give the forwarder time to pick up the event and block on the send,
	// then cancel without ever reading. The forwarder must exit, which it
	// signals by closing the channel.
	time.Sleep(10 * time.Millisecond)
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("consume channel never closed after cancel")
		}
	}
}

func TestInMemoryPublishHonorsCancel(t *testing.T) {
	q := NewInMemory(1)
	ctx, cancel := context.WithCancel(context.Background())

	if err := q.Publish(ctx, Event{Type: TypeAlert}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// Queue full and nobody draining: a cancelled publisher must not hang.
	cancel()
	if err := q.Publish(ctx, Event{Type: TypeAlert}); err == nil {
		t.Fatal("Publish on a full queue with a cancelled context succeeded")
	}
}
