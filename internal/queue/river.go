package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"certsync/internal/metrics"
	"certsync/internal/model"
)

// JobKindContractEvent is the single River kind carrying every event job.
const JobKindContractEvent = "contract_event"

// EventArgs wraps a job for River. Uniqueness is on Key alone.
type EventArgs struct {
	EventKind model.JobKind   `json:"event_kind"`
	Key       string          `json:"key" river:"unique"`
	Payload   json.RawMessage `json:"payload"`
}

func (EventArgs) Kind() string { return JobKindContractEvent }

// RetryPolicy implements River's ClientRetryPolicy with Backoff.
type RetryPolicy struct {
	Backoff Backoff
}

func (p *RetryPolicy) NextRetry(job *rivertype.JobRow) time.Time {
	delay := p.Backoff.Delay(job.Attempt)
	if job.AttemptedAt != nil {
		return job.AttemptedAt.Add(delay)
	}
	return time.Now().Add(delay)
}

type eventWorker struct {
	river.WorkerDefaults[EventArgs]
	handlers Handlers
	metrics  *metrics.Metrics
}

func (w *eventWorker) Work(ctx context.Context, job *river.Job[EventArgs]) error {
	if job == nil || job.JobRow == nil {
		return fmt.Errorf("contract event job missing")
	}
	err := w.handlers.Process(ctx, rowToJob(job.JobRow, job.Args))
	switch {
	case err == nil:
		w.metrics.IncProcessed(string(job.Args.EventKind), "ok")
	case job.Attempt >= job.MaxAttempts:
		w.metrics.IncProcessed(string(job.Args.EventKind), "failed")
	default:
		w.metrics.IncProcessed(string(job.Args.EventKind), "retry")
	}
	return err
}

// errorHandler logs job failures and panics with zap.
type errorHandler struct {
	logger *zap.Logger
}

func (h *errorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	h.logger.Error("job failed",
		zap.Int64("job_id", job.ID),
		zap.String("kind", job.Kind),
		zap.Int("attempt", job.Attempt),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.Error(err),
	)
	return nil
}

func (h *errorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	h.logger.Error("job panicked",
		zap.Int64("job_id", job.ID),
		zap.String("kind", job.Kind),
		zap.Int("attempt", job.Attempt),
		zap.Any("panic", panicVal),
		zap.String("trace", trace),
	)
	return nil
}

// RiverQueue runs the queue on Postgres through River.
type RiverQueue struct {
	client  *river.Client[pgx.Tx]
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewRiverQueue builds a River client on pool. With nil handlers the client
// can insert and inspect jobs but does not work them.
func NewRiverQueue(pool *pgxpool.Pool, handlers Handlers, opts Options, logger *zap.Logger, m *metrics.Metrics) (*RiverQueue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	logger = logger.Named("queue").With(zap.String("driver", "river"))

	cfg := &river.Config{
		MaxAttempts:                 opts.MaxAttempts,
		RetryPolicy:                 &RetryPolicy{Backoff: opts.Backoff},
		ErrorHandler:                &errorHandler{logger: logger},
		CompletedJobRetentionPeriod: opts.Retention,
	}
	if handlers != nil {
		workers := river.NewWorkers()
		river.AddWorker(workers, &eventWorker{handlers: handlers, metrics: m})
		cfg.Workers = workers
		cfg.Queues = map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: opts.Concurrency},
		}
	}

	client, err := river.NewClient(riverpgxv5.New(pool), cfg)
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return &RiverQueue{client: client, opts: opts, logger: logger, metrics: m}, nil
}

func (q *RiverQueue) insertOpts(key string) *river.InsertOpts {
	return &river.InsertOpts{
		MaxAttempts: q.opts.MaxAttempts,
		Metadata:    []byte(fmt.Sprintf(`{"key":%q}`, key)),
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

// Enqueue inserts the job unless a non-discarded job with the same key exists.
func (q *RiverQueue) Enqueue(ctx context.Context, kind model.JobKind, key string, payload any) (bool, error) {
	raw, err := marshalPayload(key, payload)
	if err != nil {
		return false, err
	}
	res, err := q.client.Insert(ctx, EventArgs{EventKind: kind, Key: key, Payload: raw}, q.insertOpts(key))
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", key, err)
	}

	created := !res.UniqueSkippedAsDuplicate
	q.metrics.IncEnqueued(string(kind), created)
	if !created {
		q.logger.Warn("job already exists, skipping", zap.String("job_key", key), zap.Int64("job_id", res.Job.ID))
		return false, nil
	}
	q.logger.Debug("job enqueued", zap.String("job_key", key), zap.Int64("job_id", res.Job.ID))
	return true, nil
}

// Run works jobs until ctx is done, then stops the client gracefully.
func (q *RiverQueue) Run(ctx context.Context) error {
	if err := q.client.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start river client: %w", err)
	}
	q.logger.Info("queue consumer started", zap.Int("concurrency", q.opts.Concurrency))
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := q.client.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stop river client: %w", err)
	}
	return nil
}

// Failed lists discarded jobs, most recently finalized first.
func (q *RiverQueue) Failed(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	params := river.NewJobListParams().
		Kinds(JobKindContractEvent).
		States(rivertype.JobStateDiscarded).
		OrderBy(river.JobListOrderByTime, river.SortOrderDesc).
		First(limit)
	res, err := q.client.JobList(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	jobs := make([]Job, 0, len(res.Jobs))
	for _, row := range res.Jobs {
		job, err := decodeRow(row)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Retry makes the discarded job with key available again.
func (q *RiverQueue) Retry(ctx context.Context, key string) error {
	params := river.NewJobListParams().
		Kinds(JobKindContractEvent).
		States(rivertype.JobStateDiscarded).
		Metadata(fmt.Sprintf(`{"key":%q}`, key)).
		First(1)
	res, err := q.client.JobList(ctx, params)
	if err != nil {
		return fmt.Errorf("find job %s: %w", key, err)
	}
	if len(res.Jobs) == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	if _, err := q.client.JobRetry(ctx, res.Jobs[0].ID); err != nil {
		return fmt.Errorf("retry %s: %w", key, err)
	}
	q.logger.Info("failed job requeued", zap.String("job_key", key), zap.Int64("job_id", res.Jobs[0].ID))
	return nil
}

// Close is a no-op; the pool belongs to the caller.
func (q *RiverQueue) Close() error {
	return nil
}

func decodeRow(row *rivertype.JobRow) (Job, error) {
	var args EventArgs
	if err := json.Unmarshal(row.EncodedArgs, &args); err != nil {
		return Job{}, fmt.Errorf("decode job %d args: %w", row.ID, err)
	}
	return rowToJob(row, args), nil
}

func rowToJob(row *rivertype.JobRow, args EventArgs) Job {
	job := Job{
		Key:         args.Key,
		Kind:        args.EventKind,
		Payload:     args.Payload,
		Attempt:     row.Attempt,
		MaxAttempts: row.MaxAttempts,
		CreatedAt:   row.CreatedAt,
		FailedAt:    row.FinalizedAt,
	}
	if n := len(row.Errors); n > 0 {
		job.LastError = row.Errors[n-1].Error
	}
	return job
}
