// Package scheduler enqueues recurring jobs on cron schedules.
//
// Each process that runs a Scheduler fires every entry. Running more than one
// instance is only safe because fires in the same minute share a job id and
// collapse onto one job in the queue; fires that straddle a minute boundary
// because of clock skew still duplicate.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"marketing-orchestrator/internal/models"
	"marketing-orchestrator/internal/queue"
	"marketing-orchestrator/internal/telemetry"
)

// Enqueuer is the part of the queue manager the scheduler uses.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, jobName string, payload any, opts queue.EnqueueOptions) (models.JobHandle, error)
}

// Entry is one recurring job.
type Entry struct {
	Name    string
	Spec    string
	Queue   string
	JobName string
	Payload any
}

// DefaultEntries are the built-in recurring jobs.
func DefaultEntries() []Entry {
	return []Entry{
		{Name: "daily-report", Spec: "30 2 * * *", Queue: queue.SocialListening, JobName: "daily-report", Payload: map[string]any{}},
		{Name: "weekly-competitor-analysis", Spec: "30 3 * * 1", Queue: queue.Research, JobName: "weekly-competitor-analysis", Payload: map[string]any{}},
	}
}

// Only returns the entries whose job keep accepts and logs the rest as
// skipped.
func Only(entries []Entry, keep func(jobName string) bool) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if keep(e.JobName) {
			out = append(out, e)
			continue
		}
		log.Warn().Str("component", "scheduler").Str("entry", e.Name).Str("job", e.JobName).
			Msg("schedule skipped: job has no configured collaborator")
	}
	return out
}

// Scheduler owns a cron runner.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	enq     Enqueuer
	loc     *time.Location
	ids     map[string]cron.EntryID
	timeout time.Duration
}

// New creates a scheduler evaluating specs in loc.
func New(enq Enqueuer, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	logger := cronLogger{log.With().Str("component", "scheduler").Logger()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger)),
		),
		enq:     enq,
		loc:     loc,
		ids:     make(map[string]cron.EntryID),
		timeout: 10 * time.Second,
	}
}

// Register adds entries. Names must be unique within the process.
func (s *Scheduler) Register(entries ...Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if _, dup := s.ids[e.Name]; dup {
			return fmt.Errorf("schedule %q already registered", e.Name)
		}
		e := e
		id, err := s.cron.AddFunc(e.Spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			_, _ = s.Fire(ctx, e, time.Now())
		})
		if err != nil {
			return fmt.Errorf("schedule %q: %w", e.Name, err)
		}
		s.ids[e.Name] = id
		log.Info().Str("component", "scheduler").Str("entry", e.Name).Str("spec", e.Spec).
			Time("next", s.cron.Entry(id).Schedule.Next(time.Now().In(s.loc))).Msg("schedule registered")
	}
	return nil
}

// Next returns the first fire time of a registered entry after t.
func (s *Scheduler) Next(name string, t time.Time) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.ids[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Schedule.Next(t.In(s.loc)), true
}

// JobID is the deterministic id of the fire of e at the minute containing at.
func JobID(e Entry, at time.Time) string {
	return e.Name + ":" + strconv.FormatInt(at.Truncate(time.Minute).Unix(), 10)
}

// Fire enqueues e as if triggered at at.
func (s *Scheduler) Fire(ctx context.Context, e Entry, at time.Time) (models.JobHandle, error) {
	h, err := s.enq.Enqueue(ctx, e.Queue, e.JobName, e.Payload, queue.EnqueueOptions{JobID: JobID(e, at)})
	logger := log.With().Str("component", "scheduler").Str("entry", e.Name).Str("queue", e.Queue).Logger()
	if err != nil {
		logger.Error().Err(err).Msg("scheduled enqueue failed")
		return h, err
	}
	telemetry.SchedulerFires.WithLabelValues(e.Name).Inc()
	logger.Info().Str("job_id", h.ID).Bool("duplicate", h.Duplicate).Msg("scheduled job enqueued")
	return h, nil
}

// Run starts the runner and blocks until ctx is done, then waits for
// running fires to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// cronLogger routes cron's logs through zerolog.
type cronLogger struct{ l zerolog.Logger }

func (c cronLogger) Info(msg string, kv ...interface{}) {
	c.l.Debug().Fields(kv).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Error().Err(err).Fields(kv).Msg(msg)
}
