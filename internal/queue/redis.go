package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"certsync/internal/metrics"
	"certsync/internal/model"
)

const (
	stateWait      = "wait"
	stateActive    = "active"
	stateDelayed   = "delayed"
	stateFailed    = "failed"
	stateCompleted = "completed"
)

// KEYS: job hash, wait list. ARGV: kind, payload, max attempts, created ms, key.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'kind', ARGV[1], 'payload', ARGV[2], 'attempt', 0, 'max_attempts', ARGV[3], 'created_at', ARGV[4], 'state', 'wait')
redis.call('LPUSH', KEYS[2], ARGV[5])
return 1
`)

// KEYS: delayed zset, wait list. ARGV: now ms, job hash prefix, batch.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, key in ipairs(due) do
  redis.call('ZREM', KEYS[1], key)
  redis.call('HSET', ARGV[2] .. key, 'state', 'wait')
  redis.call('LPUSH', KEYS[2], key)
end
return #due
`)

// KEYS: failed zset, job hash, wait list. ARGV: key.
var retryScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], 'attempt', 0, 'state', 'wait')
redis.call('HDEL', KEYS[2], 'failed_at')
redis.call('LPUSH', KEYS[3], ARGV[1])
return 1
`)

// RedisQueue keeps jobs in Redis: a hash per job plus wait, active, delayed
// and failed collections. Job hashes outlive completion by the retention
// period so a redelivered event is still recognised as a duplicate.
type RedisQueue struct {
	client   *redis.Client
	prefix   string
	handlers Handlers
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.Metrics

	consumerID   string
	blockTimeout time.Duration
	promoteEvery time.Duration
	now          func() time.Time
}

// OpenRedis connects to the broker at url and checks it answers.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func NewRedisQueue(client *redis.Client, prefix string, handlers Handlers, opts Options, logger *zap.Logger, m *metrics.Metrics) *RedisQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "certsync"
	}
	return &RedisQueue{
		client:       client,
		prefix:       prefix,
		handlers:     handlers,
		opts:         opts.withDefaults(),
		logger:       logger.Named("queue").With(zap.String("driver", "redis")),
		metrics:      m,
		consumerID:   uuid.NewString(),
		blockTimeout: 2 * time.Second,
		promoteEvery: time.Second,
		now:          time.Now,
	}
}

func (q *RedisQueue) key(parts ...string) string {
	out := q.prefix
	for _, p := range parts {
		out += ":" + p
	}
	return out
}

func (q *RedisQueue) jobKey(key string) string {
	return q.key("job", key)
}

// Enqueue stores the job unless a job with the same key exists in any state.
func (q *RedisQueue) Enqueue(ctx context.Context, kind model.JobKind, key string, payload any) (bool, error) {
	raw, err := marshalPayload(key, payload)
	if err != nil {
		return false, err
	}
	created, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(key), q.key(stateWait)},
		string(kind), string(raw), q.opts.MaxAttempts, q.now().UnixMilli(), key,
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", key, err)
	}

	q.metrics.IncEnqueued(string(kind), created == 1)
	if created == 0 {
		q.logger.Warn("job already exists, skipping", zap.String("job_key", key))
		return false, nil
	}
	q.logger.Debug("job enqueued", zap.String("job_key", key), zap.String("kind", string(kind)))
	return true, nil
}

// Run requeues jobs left active by a previous process, then consumes with
// Options.Concurrency workers and promotes due retries until ctx is done.
func (q *RedisQueue) Run(ctx context.Context) error {
	recovered, err := q.requeueStalled(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		q.logger.Warn("requeued stalled jobs", zap.Int("jobs", recovered))
	}
	q.logger.Info("queue consumer started", zap.String("consumer", q.consumerID), zap.Int("concurrency", q.opts.Concurrency))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.promoteLoop(ctx)
	}()
	for i := 0; i < q.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				if _, err := q.processNext(ctx); err != nil && ctx.Err() == nil {
					q.logger.Error("queue worker", zap.Error(err))
					sleepCtx(ctx, time.Second)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (q *RedisQueue) requeueStalled(ctx context.Context) (int, error) {
	n := 0
	for {
		key, err := q.client.RPopLPush(ctx, q.key(stateActive), q.key(stateWait)).Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("requeue stalled jobs: %w", err)
		}
		q.client.HSet(ctx, q.jobKey(key), "state", stateWait)
		n++
	}
}

func (q *RedisQueue) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(q.promoteEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := q.promote(ctx); err != nil && ctx.Err() == nil {
			q.logger.Warn("promote delayed jobs", zap.Error(err))
		}
	}
}

func (q *RedisQueue) promote(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.key(stateDelayed), q.key(stateWait)},
		q.now().UnixMilli(), q.key("job")+":", 100,
	).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// processNext claims one job and runs it. It reports false when no job was
// available within the block timeout.
func (q *RedisQueue) processNext(ctx context.Context) (bool, error) {
	key, err := q.client.BLMove(ctx, q.key(stateWait), q.key(stateActive), "RIGHT", "LEFT", q.blockTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	job, err := q.load(ctx, key)
	if err != nil {
		// Orphaned list entry.
		q.client.LRem(ctx, q.key(stateActive), 1, key)
		return true, err
	}

	attempt, err := q.client.HIncrBy(ctx, q.jobKey(key), "attempt", 1).Result()
	if err != nil {
		return true, err
	}
	job.Attempt = int(attempt)
	q.client.HSet(ctx, q.jobKey(key), "state", stateActive)

	procErr := q.run(ctx, job)
	return true, q.finish(ctx, job, procErr)
}

func (q *RedisQueue) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Key, p)
		}
	}()
	return q.handlers.Process(ctx, job)
}

func (q *RedisQueue) finish(ctx context.Context, job Job, procErr error) error {
	kind := string(job.Kind)
	if procErr == nil {
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.key(stateActive), 1, job.Key)
		pipe.HSet(ctx, q.jobKey(job.Key), "state", stateCompleted)
		pipe.Expire(ctx, q.jobKey(job.Key), q.opts.Retention)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("complete %s: %w", job.Key, err)
		}
		q.metrics.IncProcessed(kind, "ok")
		q.logger.Debug("job completed", zap.String("job_key", job.Key), zap.Int("attempt", job.Attempt))
		return nil
	}

	now := q.now()
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.key(stateActive), 1, job.Key)
	if job.Attempt >= job.MaxAttempts {
		pipe.HSet(ctx, q.jobKey(job.Key), "state", stateFailed, "last_error", procErr.Error(), "failed_at", now.UnixMilli())
		pipe.ZAdd(ctx, q.key(stateFailed), redis.Z{Score: float64(now.UnixMilli()), Member: job.Key})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("fail %s: %w", job.Key, err)
		}
		q.metrics.IncProcessed(kind, "failed")
		q.logger.Error("job failed permanently",
			zap.String("job_key", job.Key),
			zap.Int("attempt", job.Attempt),
			zap.Error(procErr),
		)
		return nil
	}

	due := now.Add(q.opts.Backoff.Delay(job.Attempt))
	pipe.HSet(ctx, q.jobKey(job.Key), "state", stateDelayed, "last_error", procErr.Error())
	pipe.ZAdd(ctx, q.key(stateDelayed), redis.Z{Score: float64(due.UnixMilli()), Member: job.Key})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule retry %s: %w", job.Key, err)
	}
	q.metrics.IncProcessed(kind, "retry")
	q.logger.Warn("job failed, retry scheduled",
		zap.String("job_key", job.Key),
		zap.Int("attempt", job.Attempt),
		zap.Time("retry_at", due),
		zap.Error(procErr),
	)
	return nil
}

func (q *RedisQueue) load(ctx context.Context, key string) (Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(key)).Result()
	if err != nil {
		return Job{}, err
	}
	if len(fields) == 0 {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	job := Job{
		Key:       key,
		Kind:      model.JobKind(fields["kind"]),
		Payload:   []byte(fields["payload"]),
		LastError: fields["last_error"],
	}
	job.Attempt, _ = strconv.Atoi(fields["attempt"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		job.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(fields["failed_at"], 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		job.FailedAt = &t
	}
	return job, nil
}

// Failed lists permanently failed jobs, newest first.
func (q *RedisQueue) Failed(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	keys, err := q.client.ZRevRange(ctx, q.key(stateFailed), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	jobs := make([]Job, 0, len(keys))
	for _, key := range keys {
		job, err := q.load(ctx, key)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Retry moves a failed job back to the wait list with its attempts reset.
func (q *RedisQueue) Retry(ctx context.Context, key string) error {
	moved, err := retryScript.Run(ctx, q.client,
		[]string{q.key(stateFailed), q.jobKey(key), q.key(stateWait)},
		key,
	).Int()
	if err != nil {
		return fmt.Errorf("retry %s: %w", key, err)
	}
	if moved == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	q.logger.Info("failed job requeued", zap.String("job_key", key))
	return nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
