package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"marketing-orchestrator/internal/config"
	"marketing-orchestrator/internal/faults"
	"marketing-orchestrator/internal/models"
	"marketing-orchestrator/internal/telemetry"
)

var (
	// ErrUnknownQueue is returned for a queue name outside the configured set.
	ErrUnknownQueue = faults.Permanent(errors.New("unknown queue"))
	// ErrJobNotFound is returned when no job hash exists for an id.
	ErrJobNotFound = errors.New("job not found")
)

// failedListCap bounds the dead-letter list per queue.
const failedListCap = 1000

// EnqueueOptions overrides the queue policy for a single job.
type EnqueueOptions struct {
	// JobID makes the enqueue idempotent: an existing job with the same id is
	// returned instead of a new one.
	JobID       string
	Delay       time.Duration
	MaxAttempts int
	Backoff     *models.Backoff
}

// Options configures a Manager.
type Options struct {
	Queues            []Policy
	VisibilityTimeout time.Duration
	BackoffMax        time.Duration
	Retention         time.Duration
	Jitter            bool
	Now               func() time.Time
}

// Depth is a snapshot of one queue's state counts.
type Depth struct {
	Waiting int64 `json:"waiting"`
	Delayed int64 `json:"delayed"`
	Active  int64 `json:"active"`
	Failed  int64 `json:"failed"`
}

// Manager owns the named queues in Redis. Each queue keeps a wait list, a
// delayed zset scored by run time, an active zset scored by lease deadline, a
// failed list and one hash per job.
type Manager struct {
	client   *redis.Client
	policies map[string]Policy
	order    []string
	opts     Options
}

// Open connects to Redis and verifies it is reachable.
func Open(ctx context.Context, cfg config.Config) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	return NewManager(client, Options{
		Queues:            DefaultQueues(),
		VisibilityTimeout: cfg.VisibilityTimeout,
		BackoffMax:        cfg.BackoffMax,
		Retention:         cfg.CompletedRetention,
	}), nil
}

// NewManager builds a manager on an existing client.
func NewManager(client *redis.Client, opts Options) *Manager {
	if len(opts.Queues) == 0 {
		opts.Queues = DefaultQueues()
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		client:   client,
		policies: make(map[string]Policy, len(opts.Queues)),
		opts:     opts,
	}
	for _, p := range opts.Queues {
		if p.MaxAttempts < 1 {
			p.MaxAttempts = 1
		}
		if p.Concurrency < 1 {
			p.Concurrency = 1
		}
		m.policies[p.Name] = p
		m.order = append(m.order, p.Name)
	}
	return m
}

// Client exposes the underlying connection for components sharing it.
func (m *Manager) Client() *redis.Client { return m.client }

// Close releases the Redis connection.
func (m *Manager) Close() error { return m.client.Close() }

// Queues returns the configured queue names in declaration order.
func (m *Manager) Queues() []string {
	return append([]string(nil), m.order...)
}

// Policy returns the policy of a named queue.
func (m *Manager) Policy(queueName string) (Policy, error) {
	p, ok := m.policies[queueName]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownQueue, queueName)
	}
	return p, nil
}

// Backoff returns the delay before retrying job after attempts attempts.
func (m *Manager) Backoff(job models.Job, attempts int) time.Duration {
	d := BackoffDelay(job.Backoff, attempts, m.opts.BackoffMax)
	if m.opts.Jitter {
		d = withJitter(d)
	}
	return d
}

func waitKey(q string) string    { return "q:" + q + ":wait" }
func delayedKey(q string) string { return "q:" + q + ":delayed" }
func activeKey(q string) string  { return "q:" + q + ":active" }
func failedKey(q string) string  { return "q:" + q + ":failed" }
func jobPrefix(q string) string  { return "q:" + q + ":job:" }
func jobKey(q, id string) string { return jobPrefix(q) + id }

// Enqueue persists a job and makes it visible to the queue's workers, either
// immediately or after opts.Delay.
func (m *Manager) Enqueue(ctx context.Context, queueName, jobName string, payload any, opts EnqueueOptions) (models.JobHandle, error) {
	policy, err := m.Policy(queueName)
	if err != nil {
		return models.JobHandle{}, err
	}
	if jobName == "" {
		return models.JobHandle{}, faults.Invalid("name", "job name is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.JobHandle{}, faults.Permanent(fmt.Errorf("marshal payload: %w", err))
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	maxAttempts := policy.MaxAttempts
	if opts.MaxAttempts > 0 {
		maxAttempts = opts.MaxAttempts
	}
	backoff := policy.Backoff
	if opts.Backoff != nil {
		backoff = *opts.Backoff
	}

	now := m.opts.Now()
	var runAt int64
	if opts.Delay > 0 {
		runAt = now.Add(opts.Delay).UnixMilli()
	}

	created, err := enqueueScript.Run(ctx, m.client,
		[]string{jobKey(queueName, id), waitKey(queueName), delayedKey(queueName)},
		id, queueName, jobName, string(raw), maxAttempts, string(backoff.Type), backoff.Delay.Milliseconds(), now.UnixMilli(), runAt,
	).Int()
	if err != nil {
		return models.JobHandle{}, fmt.Errorf("enqueue %s/%s: %w", queueName, jobName, err)
	}

	handle := models.JobHandle{ID: id, Queue: queueName, Duplicate: created == 0}
	if handle.Duplicate {
		log.Debug().Str("component", "queue").Str("queue", queueName).Str("job_id", id).Msg("duplicate enqueue ignored")
		return handle, nil
	}
	telemetry.JobsEnqueued.WithLabelValues(queueName).Inc()
	log.Debug().Str("component", "queue").Str("queue", queueName).Str("job", jobName).Str("job_id", id).Msg("job enqueued")
	return handle, nil
}

// Dequeue leases the next waiting job. It returns nil when the queue is empty.
func (m *Manager) Dequeue(ctx context.Context, queueName string) (*models.Job, error) {
	if _, err := m.Policy(queueName); err != nil {
		return nil, err
	}
	deadline := m.opts.Now().Add(m.opts.VisibilityTimeout).UnixMilli()
	for {
		id, err := dequeueScript.Run(ctx, m.client,
			[]string{waitKey(queueName), activeKey(queueName)},
			deadline, jobPrefix(queueName),
		).Text()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("dequeue %s: %w", queueName, err)
		}
		job, err := m.Get(ctx, queueName, id)
		if errors.Is(err, ErrJobNotFound) {
			// Hash expired or was removed under us; drop the orphaned id.
			_ = m.client.ZRem(ctx, activeKey(queueName), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		return &job, nil
	}
}

// ExtendLease pushes the visibility deadline of an active job forward.
func (m *Manager) ExtendLease(ctx context.Context, job models.Job, extension time.Duration) error {
	return m.client.ZAddXX(ctx, activeKey(job.Queue), redis.Z{
		Score:  float64(m.opts.Now().Add(extension).UnixMilli()),
		Member: job.ID,
	}).Err()
}

// Get loads a job by id.
func (m *Manager) Get(ctx context.Context, queueName, id string) (models.Job, error) {
	fields, err := m.client.HGetAll(ctx, jobKey(queueName, id)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return models.Job{}, fmt.Errorf("%w: %s/%s", ErrJobNotFound, queueName, id)
	}
	return decodeJob(fields)
}

// Complete records a successful run.
func (m *Manager) Complete(ctx context.Context, job models.Job) error {
	key := jobKey(job.Queue, job.ID)
	pipe := m.client.TxPipeline()
	pipe.ZRem(ctx, activeKey(job.Queue), job.ID)
	pipe.HSet(ctx, key, "status", string(models.JobCompleted), "finished_at", m.opts.Now().UnixMilli())
	m.expire(ctx, pipe, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete %s: %w", job.ID, err)
	}
	telemetry.JobsCompleted.WithLabelValues(job.Queue).Inc()
	return nil
}

// Retry records a failed attempt and schedules the job to run again after delay.
func (m *Manager) Retry(ctx context.Context, job models.Job, attempts int, delay time.Duration, cause error) error {
	key := jobKey(job.Queue, job.ID)
	pipe := m.client.TxPipeline()
	pipe.ZRem(ctx, activeKey(job.Queue), job.ID)
	pipe.HSet(ctx, key,
		"status", string(models.JobWaiting),
		"attempts_made", attempts,
		"last_error", errText(cause),
	)
	if delay > 0 {
		pipe.ZAdd(ctx, delayedKey(job.Queue), redis.Z{
			Score:  float64(m.opts.Now().Add(delay).UnixMilli()),
			Member: job.ID,
		})
	} else {
		pipe.RPush(ctx, waitKey(job.Queue), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retry %s: %w", job.ID, err)
	}
	telemetry.JobsRetried.WithLabelValues(job.Queue).Inc()
	return nil
}

// Fail marks a job terminally failed and appends it to the dead-letter list.
func (m *Manager) Fail(ctx context.Context, job models.Job, attempts int, cause error) error {
	key := jobKey(job.Queue, job.ID)
	pipe := m.client.TxPipeline()
	pipe.ZRem(ctx, activeKey(job.Queue), job.ID)
	pipe.HSet(ctx, key,
		"status", string(models.JobFailed),
		"attempts_made", attempts,
		"last_error", errText(cause),
		"finished_at", m.opts.Now().UnixMilli(),
	)
	pipe.LPush(ctx, failedKey(job.Queue), job.ID)
	pipe.LTrim(ctx, failedKey(job.Queue), 0, failedListCap-1)
	m.expire(ctx, pipe, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail %s: %w", job.ID, err)
	}
	telemetry.JobsFailed.WithLabelValues(job.Queue).Inc()
	return nil
}

func (m *Manager) expire(ctx context.Context, pipe redis.Pipeliner, key string) {
	if m.opts.Retention > 0 {
		pipe.PExpire(ctx, key, m.opts.Retention)
	}
}

// PromoteDelayed moves due delayed jobs onto the wait list.
func (m *Manager) PromoteDelayed(ctx context.Context, queueName string, limit int64) (int, error) {
	n, err := promoteScript.Run(ctx, m.client,
		[]string{delayedKey(queueName), waitKey(queueName)},
		m.opts.Now().UnixMilli(), limit,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote %s: %w", queueName, err)
	}
	return n, nil
}

// ReclaimExpired returns jobs whose lease ran out to the wait list. Attempts
// are left untouched since the handler never reported an outcome.
func (m *Manager) ReclaimExpired(ctx context.Context, queueName string, limit int64) ([]string, error) {
	ids, err := reclaimScript.Run(ctx, m.client,
		[]string{activeKey(queueName), waitKey(queueName)},
		m.opts.Now().UnixMilli(), limit, jobPrefix(queueName),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("reclaim %s: %w", queueName, err)
	}
	if len(ids) > 0 {
		telemetry.LeasesReclaimed.WithLabelValues(queueName).Add(float64(len(ids)))
		log.Warn().Str("component", "queue").Str("queue", queueName).Int("count", len(ids)).Msg("reclaimed expired leases")
	}
	return ids, nil
}

// Depth counts jobs per state for one queue.
func (m *Manager) Depth(ctx context.Context, queueName string) (Depth, error) {
	if _, err := m.Policy(queueName); err != nil {
		return Depth{}, err
	}
	pipe := m.client.Pipeline()
	waiting := pipe.LLen(ctx, waitKey(queueName))
	delayed := pipe.ZCard(ctx, delayedKey(queueName))
	active := pipe.ZCard(ctx, activeKey(queueName))
	failed := pipe.LLen(ctx, failedKey(queueName))
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, fmt.Errorf("depth %s: %w", queueName, err)
	}
	d := Depth{Waiting: waiting.Val(), Delayed: delayed.Val(), Active: active.Val(), Failed: failed.Val()}
	telemetry.QueueDepth.WithLabelValues(queueName, "waiting").Set(float64(d.Waiting))
	telemetry.QueueDepth.WithLabelValues(queueName, "delayed").Set(float64(d.Delayed))
	telemetry.QueueDepth.WithLabelValues(queueName, "active").Set(float64(d.Active))
	return d, nil
}

// Failed returns the most recent dead-lettered jobs, newest first. Entries
// whose hash has already expired are skipped.
func (m *Manager) Failed(ctx context.Context, queueName string, limit int64) ([]models.Job, error) {
	if _, err := m.Policy(queueName); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	ids, err := m.client.LRange(ctx, failedKey(queueName), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read failed %s: %w", queueName, err)
	}
	jobs := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := m.Get(ctx, queueName, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func decodeJob(f map[string]string) (models.Job, error) {
	job := models.Job{
		ID:        f["id"],
		Queue:     f["queue"],
		Name:      f["name"],
		Payload:   json.RawMessage(f["payload"]),
		Status:    models.JobStatus(f["status"]),
		LastError: f["last_error"],
		Backoff:   models.Backoff{Type: models.BackoffType(f["backoff_type"])},
	}
	var err error
	if job.AttemptsMade, err = atoi(f, "attempts_made"); err != nil {
		return models.Job{}, err
	}
	if job.MaxAttempts, err = atoi(f, "max_attempts"); err != nil {
		return models.Job{}, err
	}
	delayMs, err := atoi(f, "backoff_delay_ms")
	if err != nil {
		return models.Job{}, err
	}
	job.Backoff.Delay = time.Duration(delayMs) * time.Millisecond
	created, err := atoi(f, "created_at")
	if err != nil {
		return models.Job{}, err
	}
	job.CreatedAt = time.UnixMilli(int64(created)).UTC()
	if v := f["finished_at"]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return models.Job{}, fmt.Errorf("decode finished_at: %w", err)
		}
		t := time.UnixMilli(ms).UTC()
		job.FinishedAt = &t
	}
	return job, nil
}

func atoi(f map[string]string, field string) (int, error) {
	v := f[field]
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", field, err)
	}
	return n, nil
}

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'queue', ARGV[2], 'name', ARGV[3], 'payload', ARGV[4],
  'attempts_made', 0, 'max_attempts', ARGV[5],
  'backoff_type', ARGV[6], 'backoff_delay_ms', ARGV[7],
  'status', 'waiting', 'created_at', ARGV[8])
if tonumber(ARGV[9]) > 0 then
  redis.call('ZADD', KEYS[3], ARGV[9], ARGV[1])
else
  redis.call('RPUSH', KEYS[2], ARGV[1])
end
return 1
`)

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if not job then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[1], job)
redis.call('HSET', ARGV[2] .. job, 'status', 'active')
return job
`)

var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = 0
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    redis.call('RPUSH', KEYS[2], id)
    moved = moved + 1
  end
end
return moved
`)

var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = {}
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    redis.call('RPUSH', KEYS[2], id)
    redis.call('HSET', ARGV[3] .. id, 'status', 'waiting')
    table.insert(moved, id)
  end
end
return moved
`)
