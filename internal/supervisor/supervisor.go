// Package supervisor launches llama-bench runs as one-shot containers and
// records their outcome in the run store.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/zulandar/llmdock/internal/benchrun"
	"github.com/zulandar/llmdock/internal/compose"
	"github.com/zulandar/llmdock/internal/flags"
	"github.com/zulandar/llmdock/internal/metrics"
	"github.com/zulandar/llmdock/internal/models"
	"github.com/zulandar/llmdock/internal/registry"
)

// DefaultTimeout bounds one benchmark's wall-clock time.
const DefaultTimeout = 600 * time.Second

// DefaultWaitDelay bounds pipe draining after the process is killed.
const DefaultWaitDelay = 5 * time.Second

// logHead is how much of each output stream is logged at debug level.
const logHead = 500

var (
	// ErrAlreadyRunning is returned when the service already has an active run.
	ErrAlreadyRunning = errors.New("supervisor: benchmark already running")
	// ErrUnsupportedEngine is returned for services that cannot be benchmarked.
	ErrUnsupportedEngine = errors.New("supervisor: benchmarking is only supported for llama.cpp services")
	// ErrNoModelPath is returned when the service has no model reference.
	ErrNoModelPath = errors.New("supervisor: service has no model path configured")
	// ErrNotCompleted is returned when applying a run that did not complete.
	ErrNotCompleted = errors.New("supervisor: can only apply completed benchmark runs")
	// ErrNoApplicableParams is returned when a run has nothing to apply.
	ErrNoApplicableParams = errors.New("supervisor: no applicable parameters found to apply")
	// ErrClosed is returned by Start after Shutdown.
	ErrClosed = errors.New("supervisor: shut down")

	errCancelled = errors.New("benchmark cancelled")
	errTimedOut  = errors.New("benchmark timed out")
	errShutdown  = errors.New("supervisor shutting down")
)

// Services resolves service definitions.
type Services interface {
	Get(name string) (registry.Definition, error)
}

// Composer reads container runtime settings from the artifact and applies
// definition changes through it.
type Composer interface {
	ServiceRuntime(name string) (compose.Runtime, error)
	Update(ctx context.Context, name string, def registry.Definition) error
}

// Options configures a Supervisor.
type Options struct {
	DB       *gorm.DB
	Services Services
	Compose  Composer

	DockerBinary string
	Image        string
	BenchPath    string
	Timeout      time.Duration
	WaitDelay    time.Duration
	// Fallback is used when the service's runtime cannot be read from the
	// artifact. Zero value means DefaultRuntime.
	Fallback *compose.Runtime

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Supervisor owns the in-flight benchmark processes of this process.
type Supervisor struct {
	opts Options
	log  zerolog.Logger

	base     context.Context
	stopBase context.CancelCauseFunc
	wg       sync.WaitGroup

	// admit serialises the active-run check and insert in Start. mu only
	// guards the maps below and is never held across store I/O.
	admit sync.Mutex

	mu      sync.Mutex
	handles map[string]context.CancelCauseFunc
	done    map[string]chan struct{}
	closed  bool
}

// New returns a Supervisor. DB is required.
func New(opts Options) (*Supervisor, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("supervisor: db is required")
	}
	if opts.DockerBinary == "" {
		opts.DockerBinary = DefaultDockerBinary
	}
	if opts.Image == "" {
		opts.Image = DefaultImage
	}
	if opts.BenchPath == "" {
		opts.BenchPath = DefaultBenchPath
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = DefaultWaitDelay
	}
	base, stop := context.WithCancelCause(context.Background())
	return &Supervisor{
		opts:     opts,
		log:      opts.Logger.With().Str("component", "supervisor").Logger(),
		base:     base,
		stopBase: stop,
		handles:  make(map[string]context.CancelCauseFunc),
		done:     make(map[string]chan struct{}),
	}, nil
}

// Request validates a benchmark request for a registered service and starts
// it against the service's model.
func (s *Supervisor) Request(ctx context.Context, service string, params *flags.Map) (*models.BenchmarkRun, error) {
	if err := ValidateServiceName(service); err != nil {
		return nil, err
	}
	if s.opts.Services == nil {
		return nil, fmt.Errorf("supervisor: no service registry configured")
	}
	def, err := s.opts.Services.Get(service)
	if err != nil {
		return nil, err
	}
	if def.Engine != flags.LlamaCpp {
		return nil, fmt.Errorf("%w: %s is %s", ErrUnsupportedEngine, service, def.Engine)
	}
	if err := ValidateParams(params); err != nil {
		return nil, err
	}
	if def.ModelReference == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoModelPath, service)
	}
	return s.Start(ctx, service, def.ModelReference, params)
}

// Start records a pending run and launches it in the background. It returns
// as soon as the run is recorded; process failures are written to the run,
// never returned here.
func (s *Supervisor) Start(ctx context.Context, service, modelPath string, params *flags.Map) (*models.BenchmarkRun, error) {
	s.admit.Lock()
	defer s.admit.Unlock()

	if s.isClosed() {
		return nil, ErrClosed
	}
	active, err := benchrun.HasActive(s.opts.DB.WithContext(ctx), service)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, service)
	}

	run, err := benchrun.Create(s.opts.DB.WithContext(ctx), benchrun.CreateOpts{
		ServiceName: service,
		ModelPath:   modelPath,
		Params:      params,
	})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancelCause(s.base)
	done := make(chan struct{})
	s.mu.Lock()
	s.handles[run.ID] = cancel
	s.done[run.ID] = done
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		defer cancel(nil)
		s.execute(runCtx, run.ID, service, modelPath, params.Clone())
		s.mu.Lock()
		delete(s.handles, run.ID)
		delete(s.done, run.ID)
		s.mu.Unlock()
	}()

	s.log.Info().Str("run", run.ID).Str("service", service).Msg("benchmark queued")
	return run, nil
}

// Cancel kills the run's process if this supervisor owns it and marks the
// run cancelled. It reports false when the run had already finished.
func (s *Supervisor) Cancel(id string) (bool, error) {
	s.mu.Lock()
	kill, ok := s.handles[id]
	if ok {
		delete(s.handles, id)
	}
	s.mu.Unlock()
	if ok {
		kill(errCancelled)
	}

	now := time.Now().UTC()
	err := benchrun.UpdateStatus(s.opts.DB, id, benchrun.StatusCancelled, benchrun.StatusOpts{CompletedAt: &now})
	if errors.Is(err, benchrun.ErrInvalidTransition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.log.Info().Str("run", id).Bool("killed", ok).Msg("benchmark cancelled")
	return true, nil
}

// Reconcile kills processes whose runs another process has already moved
// to a terminal status, such as a cancel issued from a separate CLI
// invocation. It returns the number of processes killed.
func (s *Supervisor) Reconcile(ctx context.Context) (int, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	killed := 0
	for _, id := range ids {
		run, err := benchrun.Get(s.opts.DB.WithContext(ctx), id)
		if err != nil {
			return killed, err
		}
		if !benchrun.IsTerminal(run.Status) {
			continue
		}
		s.mu.Lock()
		kill, ok := s.handles[id]
		delete(s.handles, id)
		s.mu.Unlock()
		if ok {
			kill(errCancelled)
			killed++
			s.log.Info().Str("run", id).Str("status", run.Status).Msg("benchmark process reaped")
		}
	}
	return killed, nil
}

// Wait blocks until the run's execution goroutine has finished or ctx is
// done. Runs not owned by this supervisor return immediately.
func (s *Supervisor) Wait(ctx context.Context, id string) error {
	s.mu.Lock()
	done, ok := s.done[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running returns the ids of runs with a live execution goroutine.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.done))
	for id := range s.done {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops accepting runs, kills every in-flight process and waits for
// the execution goroutines to record their outcome.
func (s *Supervisor) Shutdown() {
	s.admit.Lock()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.admit.Unlock()
	s.stopBase(errShutdown)
	s.wg.Wait()
}

func (s *Supervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Supervisor) execute(ctx context.Context, id, service, modelPath string, params *flags.Map) {
	log := s.log.With().Str("run", id).Str("service", service).Logger()

	started := time.Now().UTC()
	if err := benchrun.UpdateStatus(s.opts.DB, id, benchrun.StatusRunning, benchrun.StatusOpts{StartedAt: &started}); err != nil {
		if errors.Is(err, benchrun.ErrInvalidTransition) {
			log.Debug().Err(err).Msg("benchmark cancelled before it started")
			return
		}
		log.Error().Err(err).Msg("record benchmark start")
		s.fail(log, id, "Failed to record benchmark start: "+err.Error(), "")
		return
	}
	s.opts.Metrics.BenchmarkStarted()

	status := s.run(ctx, log, id, service, modelPath, params)
	s.opts.Metrics.BenchmarkFinished(status, time.Since(started))
}

// run executes the process and records the outcome, returning the final
// status.
func (s *Supervisor) run(ctx context.Context, log zerolog.Logger, id, service, modelPath string, params *flags.Map) string {
	name := ContainerName(id)
	args := BuildArgs(CommandSpec{
		Name:      name,
		Image:     s.opts.Image,
		BenchPath: s.opts.BenchPath,
		Runtime:   s.runtime(log, service),
		ModelPath: modelPath,
		Params:    params,
		Home:      homeDir(),
	})
	log.Info().Str("command", s.opts.DockerBinary+" "+strings.Join(args, " ")).Msg("benchmark executing")

	ctx, cancel := context.WithTimeoutCause(ctx, s.opts.Timeout, errTimedOut)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.opts.DockerBinary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Killing the client alone leaves the container running.
	cmd.Cancel = func() error {
		s.killContainer(log, name)
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = s.opts.WaitDelay

	waitErr := cmd.Run()

	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errCancelled):
		// Cancel already wrote the terminal status.
		return benchrun.StatusCancelled
	case errors.Is(cause, errTimedOut):
		return s.fail(log, id, "Benchmark timed out after "+strconv.FormatFloat(s.opts.Timeout.Seconds(), 'f', -1, 64)+" seconds", "")
	case errors.Is(cause, errShutdown):
		return s.fail(log, id, "Benchmark interrupted by supervisor shutdown", stdout.String())
	}

	out, errText := stdout.String(), stderr.String()
	code := cmd.ProcessState.ExitCode()
	log.Info().Int("exit_code", code).Int("stdout_bytes", len(out)).Int("stderr_bytes", len(errText)).Msg("benchmark exited")
	if out != "" {
		log.Debug().Str("stdout", head(out)).Msg("benchmark stdout")
	}
	if errText != "" {
		log.Debug().Str("stderr", head(errText)).Msg("benchmark stderr")
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return s.fail(log, id, waitErr.Error(), "")
		}
		msg := strings.TrimSpace(errText)
		if msg == "" {
			msg = fmt.Sprintf("llama-bench exited with code %d", code)
		}
		return s.fail(log, id, msg, out)
	}

	res, err := ParseOutput(out, errText)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			return s.fail(log, id, pe.Message, pe.RawOutput)
		}
		return s.fail(log, id, err.Error(), "")
	}

	if err := benchrun.UpdateResults(s.opts.DB, id, res); err != nil {
		return s.settled(log, err)
	}
	now := time.Now().UTC()
	if err := benchrun.UpdateStatus(s.opts.DB, id, benchrun.StatusCompleted, benchrun.StatusOpts{CompletedAt: &now}); err != nil {
		return s.settled(log, err)
	}
	log.Info().Msg("benchmark completed")
	return benchrun.StatusCompleted
}

// killContainer stops the run's container, bounded by WaitDelay.
func (s *Supervisor) killContainer(log zerolog.Logger, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WaitDelay)
	defer cancel()
	out, err := exec.CommandContext(ctx, s.opts.DockerBinary, "kill", name).CombinedOutput()
	if err != nil {
		log.Debug().Err(err).Str("container", name).Str("output", head(strings.TrimSpace(string(out)))).Msg("container kill")
		return
	}
	log.Debug().Str("container", name).Msg("container killed")
}

func (s *Supervisor) runtime(log zerolog.Logger, service string) compose.Runtime {
	if s.opts.Compose != nil {
		rt, err := s.opts.Compose.ServiceRuntime(service)
		if err == nil {
			return rt
		}
		log.Warn().Err(err).Msg("service runtime unavailable, using defaults")
	}
	if s.opts.Fallback != nil {
		return *s.opts.Fallback
	}
	return DefaultRuntime
}

func (s *Supervisor) fail(log zerolog.Logger, id, msg, raw string) string {
	now := time.Now().UTC()
	opts := benchrun.StatusOpts{CompletedAt: &now, ErrorMessage: &msg}
	if raw != "" {
		opts.RawOutput = &raw
	}
	if err := benchrun.UpdateStatus(s.opts.DB, id, benchrun.StatusFailed, opts); err != nil {
		return s.settled(log, err)
	}
	log.Error().Str("error", msg).Msg("benchmark failed")
	return benchrun.StatusFailed
}

// settled handles a write that lost the race against another terminal
// transition, which in practice is Cancel.
func (s *Supervisor) settled(log zerolog.Logger, err error) string {
	if errors.Is(err, benchrun.ErrInvalidTransition) {
		log.Debug().Err(err).Msg("run already terminal")
		return benchrun.StatusCancelled
	}
	log.Error().Err(err).Msg("record benchmark outcome")
	return benchrun.StatusFailed
}

func head(s string) string {
	if len(s) <= logHead {
		return s
	}
	return s[:logHead]
}

// ApplyResult lists what ApplyParams copied into the service.
type ApplyResult struct {
	Service string
	Applied *flags.Map
	Skipped []string
}

// ApplyParams copies a completed run's parameters into its service's flags,
// skipping benchmark-only flags, and regenerates the artifact. A parameter
// whose token matches a flag the service already sets by logical name
// replaces that entry instead of adding a duplicate.
func (s *Supervisor) ApplyParams(ctx context.Context, id string) (ApplyResult, error) {
	if s.opts.Services == nil || s.opts.Compose == nil {
		return ApplyResult{}, fmt.Errorf("supervisor: apply needs a registry and compose manager")
	}
	run, err := benchrun.Get(s.opts.DB.WithContext(ctx), id)
	if err != nil {
		return ApplyResult{}, err
	}
	if run.Status != benchrun.StatusCompleted {
		return ApplyResult{}, fmt.Errorf("%w: %s is %s", ErrNotCompleted, id, run.Status)
	}
	def, err := s.opts.Services.Get(run.ServiceName)
	if err != nil {
		return ApplyResult{}, err
	}
	params, err := benchrun.Params(run)
	if err != nil {
		return ApplyResult{}, err
	}
	schema, err := flags.SchemaFor(def.Engine)
	if err != nil {
		return ApplyResult{}, err
	}

	res := ApplyResult{Service: run.ServiceName, Applied: flags.New()}
	def = def.Clone()
	if def.Flags == nil {
		def.Flags = flags.New()
	}
	params.Each(func(flag, value string) {
		if IsBenchOnly(flag) {
			res.Skipped = append(res.Skipped, flag)
			return
		}
		key := flag
		if spec, ok := schema.Lookup(flag); ok {
			if _, set := def.Flags.Get(spec.Name); set {
				key = spec.Name
			}
		}
		value = unquote(value)
		def.Flags.Set(key, value)
		res.Applied.Set(flag, value)
	})
	if res.Applied.Len() == 0 {
		return res, fmt.Errorf("%w: run %s", ErrNoApplicableParams, id)
	}

	if err := s.opts.Compose.Update(ctx, run.ServiceName, def); err != nil {
		return res, err
	}
	s.log.Info().Str("run", id).Str("service", run.ServiceName).Int("applied", res.Applied.Len()).Msg("benchmark parameters applied")
	return res, nil
}
