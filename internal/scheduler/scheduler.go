// Package scheduler runs recurring work, chiefly periodic benchmarks, on
// cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/zulandar/llmdock/internal/flags"
	"github.com/zulandar/llmdock/internal/models"
)

// cronParser accepts standard 5-field expressions (minute, hour, dom, month,
// dow) and descriptors such as "@hourly" or "@every 30s".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ErrDuplicate is returned when a job name is already registered.
var ErrDuplicate = errors.New("scheduler: duplicate job name")

// Requester starts a benchmark for a registered service.
type Requester interface {
	Request(ctx context.Context, service string, params *flags.Map) (*models.BenchmarkRun, error)
}

// Benchmark is a recurring benchmark of one service.
type Benchmark struct {
	Name    string
	Service string
	Spec    string
	Params  *flags.Map
}

// Scheduler wraps a cron runner. Jobs never overlap with themselves: a tick
// that arrives while the previous one is still running is skipped.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]cron.EntryID
}

// New returns a Scheduler that logs through log.
func New(log zerolog.Logger) *Scheduler {
	log = log.With().Str("component", "scheduler").Logger()
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log:     log,
		ctx:     context.Background(),
		entries: make(map[string]cron.EntryID),
	}
}

// AddFunc registers fn under name. fn receives the context passed to Run.
func (s *Scheduler) AddFunc(name, spec string, fn func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	id, err := s.cron.AddFunc(spec, func() { fn(s.context()) })
	if err != nil {
		return fmt.Errorf("scheduler: add %s: %w", name, err)
	}
	s.entries[name] = id
	return nil
}

// AddBenchmark registers a recurring benchmark. A tick while the service
// already has an active run is logged and skipped.
func (s *Scheduler) AddBenchmark(req Requester, b Benchmark) error {
	name := b.Name
	if name == "" {
		name = b.Service
	}
	return s.AddFunc(name, b.Spec, func(ctx context.Context) {
		log := s.log.With().Str("job", name).Str("service", b.Service).Logger()
		run, err := req.Request(ctx, b.Service, b.Params.Clone())
		if err != nil {
			log.Warn().Err(err).Msg("scheduled benchmark not started")
			return
		}
		log.Info().Str("run", run.ID).Msg("scheduled benchmark started")
	})
}

// Next returns the next fire time of the named job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	e := s.cron.Entry(id)
	if !e.Valid() {
		return time.Time{}, false
	}
	if e.Next.IsZero() {
		return e.Schedule.Next(time.Now()), true
	}
	return e.Next, true
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// running jobs to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info().Int("jobs", s.Len()).Msg("scheduler started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
	return nil
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// NextRun parses spec with the scheduler's grammar and returns its first
// activation after after.
func NextRun(spec string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduler: parse %q: %w", spec, err)
	}
	return sched.Next(after), nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
