// Package events is the fire-and-forget emission point for audit
// events: fraud evidence and attendance alerts are published here and
// consumed asynchronously by the dispatcher worker. The engine never
// waits on delivery.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Event types published by the verification engine.
const (
	TypeFraudEvidence = "fraud_evidence"
	TypeAlert         = "attendance_alert"
)

// Event is one published audit record notification.
type Event struct {
	Type       string          `json:"type"`
	SessionID  int64           `json:"session_id"`
	StudentID  int64           `json:"student_id"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Publisher is the producing side of the queue.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Consumer is the dispatching side.
type Consumer interface {
	Consume(ctx context.Context) (<-chan Event, error)
}

// Queue combines both ends for backends that serve the whole pipeline.
type Queue interface {
	Publisher
	Consumer
}
