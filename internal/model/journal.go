package model

import (
	"encoding/json"
	"time"
)

// JournalEntry records one job accepted by the queue.
type JournalEntry struct {
	Key      string          `json:"key"`
	Kind     JobKind         `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Created  bool            `json:"created"`
	QueuedAt time.Time       `json:"queued_at"`
}
