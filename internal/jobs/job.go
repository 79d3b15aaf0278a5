package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

type Kind string

const (
	KindIngestMessage   Kind = "ingest_message"
	KindDeliverMessage  Kind = "deliver_message"
	KindReadReceipt     Kind = "read_receipt"
	KindUnreadCounts    Kind = "unread_counts"
	KindNotifyOffline   Kind = "notify_offline"
	KindModerateContent Kind = "moderate_content"
)

// Job is the queue envelope. Attempt starts at 0 and grows on each retry.
type Job struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

func New(kind Kind, payload any) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, err
	}
	return Job{
		ID:        ulid.Make().String(),
		Kind:      kind,
		Payload:   raw,
		CreatedAt: time.Now(),
	}, nil
}

func (j Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// Queue accepts jobs for immediate or delayed execution.
type Queue interface {
	Enqueue(ctx context.Context, j Job) error
	EnqueueIn(ctx context.Context, j Job, delay time.Duration) error
}

// Delivery is one job handed to the pool together with its acknowledgement hooks.
type Delivery struct {
	Job  Job
	Ack  func() error
	Nack func() error // dead-letter
}
