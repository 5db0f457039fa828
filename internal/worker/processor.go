package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"marketing-orchestrator/internal/faults"
	"marketing-orchestrator/internal/models"
	"marketing-orchestrator/internal/queue"
	"marketing-orchestrator/internal/telemetry"
)

// Handler executes a job for a given job name.
type Handler func(ctx context.Context, job models.Job) error

// Broker is the subset of the queue manager a pool drives.
type Broker interface {
	Dequeue(ctx context.Context, queueName string) (*models.Job, error)
	Complete(ctx context.Context, job models.Job) error
	Retry(ctx context.Context, job models.Job, attempts int, delay time.Duration, cause error) error
	Fail(ctx context.Context, job models.Job, attempts int, cause error) error
	ExtendLease(ctx context.Context, job models.Job, extension time.Duration) error
	PromoteDelayed(ctx context.Context, queueName string, limit int64) (int, error)
	ReclaimExpired(ctx context.Context, queueName string, limit int64) ([]string, error)
	Depth(ctx context.Context, queueName string) (queue.Depth, error)
	Backoff(job models.Job, attempts int) time.Duration
}

// FailureNotifier is told about every terminally failed job.
type FailureNotifier interface {
	JobFailed(ctx context.Context, job models.Job, cause error)
}

// ErrAttemptsExhausted fails a job leased with no attempts left.
var ErrAttemptsExhausted = faults.Permanent(errors.New("attempts exhausted"))

// Options tunes a Pool.
type Options struct {
	Concurrency      int
	PollInterval     time.Duration
	MaintenanceBatch int64
	// LeaseExtension, when positive, keeps the lease of a running job alive
	// by extending it every half period.
	LeaseExtension time.Duration
}

// Pool consumes one queue with bounded concurrency.
type Pool struct {
	queue    string
	broker   Broker
	notifier FailureNotifier
	opts     Options
	sem      *semaphore.Weighted
	logger   zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	wg       sync.WaitGroup
}

// NewPool creates a pool for queueName. notifier may be nil.
func NewPool(queueName string, broker Broker, notifier FailureNotifier, opts Options) *Pool {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaintenanceBatch <= 0 {
		opts.MaintenanceBatch = 100
	}
	return &Pool{
		queue:    queueName,
		broker:   broker,
		notifier: notifier,
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.Concurrency)),
		logger:   log.With().Str("component", "worker").Str("queue", queueName).Logger(),
		handlers: make(map[string]Handler),
	}
}

// Queue returns the consumed queue name.
func (p *Pool) Queue() string { return p.queue }

// RegisterHandler binds a handler to a job name.
func (p *Pool) RegisterHandler(jobName string, handler Handler) {
	if jobName == "" || handler == nil {
		return
	}
	p.mu.Lock()
	p.handlers[jobName] = handler
	p.mu.Unlock()
}

func (p *Pool) handler(jobName string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[jobName]
	return h, ok
}

// Run polls the queue until ctx is cancelled, then waits for running
// handlers to finish. Handlers run on a context that is not cancelled with ctx.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info().Int("concurrency", p.opts.Concurrency).Msg("worker pool started")
	defer p.logger.Info().Msg("worker pool stopped")

	var lastMaintenance time.Time
	for ctx.Err() == nil {
		if time.Since(lastMaintenance) >= p.opts.PollInterval {
			p.maintain(ctx)
			lastMaintenance = time.Now()
		}

		if err := p.sem.Acquire(ctx, 1); err != nil {
			break
		}
		job, err := p.broker.Dequeue(ctx, p.queue)
		if err != nil || job == nil {
			p.sem.Release(1)
			if err != nil && ctx.Err() == nil {
				p.logger.Error().Err(err).Msg("dequeue failed")
			}
			sleep(ctx, p.opts.PollInterval)
			continue
		}

		p.wg.Add(1)
		go func(job models.Job) {
			defer p.wg.Done()
			defer p.sem.Release(1)
			p.process(context.WithoutCancel(ctx), job)
		}(*job)
	}

	p.wg.Wait()
	return nil
}

func (p *Pool) maintain(ctx context.Context) {
	if _, err := p.broker.PromoteDelayed(ctx, p.queue, p.opts.MaintenanceBatch); err != nil && ctx.Err() == nil {
		p.logger.Warn().Err(err).Msg("promote delayed jobs failed")
	}
	if _, err := p.broker.ReclaimExpired(ctx, p.queue, p.opts.MaintenanceBatch); err != nil && ctx.Err() == nil {
		p.logger.Warn().Err(err).Msg("reclaim expired leases failed")
	}
	_, _ = p.broker.Depth(ctx, p.queue)
}

func (p *Pool) process(ctx context.Context, job models.Job) {
	logger := p.logger.With().Str("job", job.Name).Str("job_id", job.ID).Int("attempt", job.AttemptsMade+1).Logger()

	if job.AttemptsMade >= job.MaxAttempts {
		p.fail(ctx, logger, job, job.AttemptsMade, ErrAttemptsExhausted)
		return
	}

	telemetry.InFlight.WithLabelValues(p.queue).Inc()
	started := time.Now()
	err := p.execute(ctx, job)
	telemetry.InFlight.WithLabelValues(p.queue).Dec()

	attempts := job.AttemptsMade + 1
	if err == nil {
		if cerr := p.broker.Complete(ctx, job); cerr != nil {
			logger.Error().Err(cerr).Msg("record completion failed")
			return
		}
		logger.Info().Dur("took", time.Since(started)).Msg("job completed")
		return
	}

	if faults.Retryable(err) && attempts < job.MaxAttempts {
		delay := p.broker.Backoff(job, attempts)
		if rerr := p.broker.Retry(ctx, job, attempts, delay, err); rerr != nil {
			logger.Error().Err(rerr).Msg("schedule retry failed")
			return
		}
		logger.Warn().Err(err).Dur("retry_in", delay).Msg("job attempt failed")
		return
	}

	p.fail(ctx, logger, job, attempts, err)
}

func (p *Pool) fail(ctx context.Context, logger zerolog.Logger, job models.Job, attempts int, cause error) {
	if err := p.broker.Fail(ctx, job, attempts, cause); err != nil {
		logger.Error().Err(err).Msg("record failure failed")
		return
	}
	logger.Error().Err(cause).Int("attempts", attempts).Str("kind", faults.Classify(cause).String()).Msg("job failed")

	if p.notifier == nil {
		return
	}
	job.AttemptsMade = attempts
	job.Status = models.JobFailed
	job.LastError = cause.Error()
	p.notifier.JobFailed(ctx, job, cause)
}

func (p *Pool) execute(ctx context.Context, job models.Job) (err error) {
	handler, ok := p.handler(job.Name)
	if !ok {
		return faults.Permanent(fmt.Errorf("unsupported job type %q", job.Name))
	}

	stop := p.keepLease(ctx, job)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (p *Pool) keepLease(ctx context.Context, job models.Job) func() {
	if p.opts.LeaseExtension <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.opts.LeaseExtension / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := p.broker.ExtendLease(ctx, job, p.opts.LeaseExtension); err != nil {
					p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("extend lease failed")
				}
			}
		}
	}()
	return func() { close(done) }
}

// Runner is a long-lived loop that stops when its context is done. Pools and
// the scheduler are runners.
type Runner interface {
	Run(ctx context.Context) error
}

// Run starts every runner and blocks until all have stopped.
func Run(ctx context.Context, runners ...Runner) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error { return r.Run(ctx) })
	}
	return g.Wait()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
