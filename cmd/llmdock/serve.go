package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/zulandar/llmdock/internal/benchrun"
	"github.com/zulandar/llmdock/internal/scheduler"
	"github.com/zulandar/llmdock/internal/supervisor"
)

// reconcileSpec is how often serve reaps runs cancelled from other processes.
const reconcileSpec = "@every 5s"

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Supervise scheduled benchmarks until interrupted",
		Long:  "Takes the supervisor lock, fails runs orphaned by a previous process, then runs the configured benchmark schedules. Runs cancelled with 'llmdock bench cancel' are killed within a few seconds. Metrics are written to metrics.textfile when set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, configPath, func(a *app, gdb *gorm.DB) error {
				return runServe(cmd, a, gdb)
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runServe(cmd *cobra.Command, a *app, gdb *gorm.DB) error {
	lock, err := a.acquireSupervisor()
	if err != nil {
		return err
	}
	defer lock.Release()

	recovered, err := benchrun.RecoverStale(gdb)
	if err != nil {
		return err
	}

	sup, err := a.newSupervisor(gdb)
	if err != nil {
		return err
	}

	sched, err := buildSchedule(a, sup)
	if err != nil {
		sup.Shutdown()
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "llmdock serving (%d schedules, %d stale runs recovered)\n", len(a.cfg.Schedules), recovered)
	for _, s := range a.cfg.Schedules {
		if next, ok := sched.Next(s.Name); ok {
			fmt.Fprintf(out, "  %s → %s (next %s)\n", s.Name, s.Service, next.Local().Format(time.DateTime))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		sup.Shutdown()
		a.flushMetrics()
		return nil
	})
	err = g.Wait()
	a.log.Info().Msg("serve stopped")
	return err
}

// buildSchedule registers the configured benchmarks plus the housekeeping
// jobs serve always runs.
func buildSchedule(a *app, sup *supervisor.Supervisor) (*scheduler.Scheduler, error) {
	sched := scheduler.New(a.log)
	for _, s := range a.cfg.Schedules {
		params, err := s.ScheduleParams()
		if err != nil {
			return nil, err
		}
		if params.Len() == 0 {
			def, err := a.reg.Get(s.Service)
			if err != nil {
				return nil, fmt.Errorf("schedule %s: %w", s.Name, err)
			}
			if params, err = supervisor.DefaultParams(def); err != nil {
				return nil, fmt.Errorf("schedule %s: %w", s.Name, err)
			}
		}
		err = sched.AddBenchmark(sup, scheduler.Benchmark{
			Name:    s.Name,
			Service: s.Service,
			Spec:    s.Cron,
			Params:  params,
		})
		if err != nil {
			return nil, err
		}
	}

	err := sched.AddFunc("reconcile", reconcileSpec, func(ctx context.Context) {
		if _, err := sup.Reconcile(ctx); err != nil {
			a.log.Warn().Err(err).Msg("reconcile benchmark runs")
		}
	})
	if err != nil {
		return nil, err
	}

	if a.cfg.Metrics.Textfile != "" {
		err := sched.AddFunc("metrics", "@every "+a.cfg.MetricsInterval().String(), func(context.Context) {
			a.flushMetrics()
		})
		if err != nil {
			return nil, err
		}
	}
	return sched, nil
}
