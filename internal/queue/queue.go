package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"certsync/internal/model"
)

var (
	ErrUnknownKind = errors.New("unknown job kind")
	ErrJobNotFound = errors.New("job not found")
)

// Job is one unit of work created from a confirmed chain event.
type Job struct {
	Key         string          `json:"key"`
	Kind        model.JobKind   `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Key, err)
	}
	return nil
}

// HandlerFunc processes one job. A returned error schedules a retry.
type HandlerFunc func(ctx context.Context, job Job) error

// Handlers routes jobs to a handler by kind.
type Handlers map[model.JobKind]HandlerFunc

// Process runs the handler registered for job.Kind.
func (h Handlers) Process(ctx context.Context, job Job) error {
	fn, ok := h[job.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind)
	}
	return fn(ctx, job)
}

// Enqueuer accepts new jobs.
type Enqueuer interface {
	// Enqueue stores a job under key unless one already exists. created is
	// false for a duplicate, which is not an error.
	Enqueue(ctx context.Context, kind model.JobKind, key string, payload any) (created bool, err error)
}

// Queue is a durable deduplicating job queue.
type Queue interface {
	Enqueuer
	// Run consumes jobs until ctx is done.
	Run(ctx context.Context) error
	// Failed lists jobs that exhausted their attempts, newest first.
	Failed(ctx context.Context, limit int) ([]Job, error)
	// Retry moves a failed job back to the pending set with a fresh attempt budget.
	Retry(ctx context.Context, key string) error
	Close() error
}

// IdempotencyKey builds the job identity for an event emitted in txHash.
func IdempotencyKey(kind model.JobKind, txHash string) string {
	return string(kind) + "-" + txHash
}

// Backoff is a capped exponential retry delay.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns Base * 2^(attempt-1), capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(float64(b.Base) * math.Pow(2, float64(attempt-1)))
	if b.Max > 0 && (delay > b.Max || delay <= 0) {
		delay = b.Max
	}
	return delay
}

// Options are shared by every driver.
type Options struct {
	Concurrency int
	MaxAttempts int
	Backoff     Backoff
	// Retention keeps completed jobs so late redeliveries stay deduplicated.
	Retention time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Retention <= 0 {
		o.Retention = 7 * 24 * time.Hour
	}
	return o
}

func marshalPayload(key string, payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", key, err)
	}
	return b, nil
}
