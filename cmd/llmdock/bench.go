package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/zulandar/llmdock/internal/benchrun"
	"github.com/zulandar/llmdock/internal/db"
	"github.com/zulandar/llmdock/internal/flags"
	"github.com/zulandar/llmdock/internal/models"
	"github.com/zulandar/llmdock/internal/supervisor"
)

func newBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark llama.cpp services with llama-bench",
	}

	cmd.AddCommand(newBenchRunCmd())
	cmd.AddCommand(newBenchListCmd())
	cmd.AddCommand(newBenchShowCmd())
	cmd.AddCommand(newBenchCancelCmd())
	cmd.AddCommand(newBenchRmCmd())
	cmd.AddCommand(newBenchApplyCmd())
	cmd.AddCommand(newBenchDefaultsCmd())
	cmd.AddCommand(newBenchRecoverCmd())
	return cmd
}

// withStore opens the app and run store for the duration of fn.
func withStore(cmd *cobra.Command, configPath string, fn func(a *app, gdb *gorm.DB) error) error {
	a, err := openApp(cmd, configPath)
	if err != nil {
		return err
	}
	gdb, err := a.openDB()
	if err != nil {
		return err
	}
	defer db.Close(gdb)
	return fn(a, gdb)
}

func newBenchRunCmd() *cobra.Command {
	var (
		configPath string
		params     string
	)

	cmd := &cobra.Command{
		Use:   "run <service>",
		Short: "Run llama-bench against a service and wait for the result",
		Long:  "Launches llama-bench in a one-shot container using the service's model and runtime settings. Without --params, the service's flags are translated into benchmark parameters. Interrupting the command cancels the run.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBenchRun(cmd, configPath, args[0], params)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&params, "params", "", `llama-bench parameters, e.g. "-p 512 -n 128 -ngl 99"`)
	return cmd
}

func runBenchRun(cmd *cobra.Command, configPath, service, paramStr string) error {
	return withStore(cmd, configPath, func(a *app, gdb *gorm.DB) error {
		lock, err := a.acquireSupervisor()
		if err != nil {
			return err
		}
		defer lock.Release()

		if n, err := benchrun.RecoverStale(gdb); err != nil {
			return err
		} else if n > 0 {
			a.log.Warn().Int64("runs", n).Msg("marked interrupted benchmark runs as failed")
		}

		var params *flags.Map
		if paramStr != "" {
			params, err = flags.ParseArgString(paramStr)
			if err != nil {
				return err
			}
		} else {
			def, err := a.reg.Get(service)
			if err != nil {
				return err
			}
			params, err = supervisor.DefaultParams(def)
			if err != nil {
				return err
			}
		}

		sup, err := a.newSupervisor(gdb)
		if err != nil {
			return err
		}
		defer sup.Shutdown()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		run, err := sup.Request(ctx, service, params)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Benchmark %s started for %s\n", run.ID, service)
		fmt.Fprintf(out, "  Params: %s\n", flags.Format(params))

		if err := sup.Wait(ctx, run.ID); err != nil {
			if _, cerr := sup.Cancel(run.ID); cerr != nil {
				return cerr
			}
			// Let the execution goroutine observe the kill before reading back.
			_ = sup.Wait(context.Background(), run.ID)
		}
		a.flushMetrics()

		final, err := benchrun.Get(gdb, run.ID)
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		printRun(out, final, false)
		if final.Status != benchrun.StatusCompleted {
			return fmt.Errorf("benchmark %s %s", final.ID, final.Status)
		}
		return nil
	})
}

func newBenchListCmd() *cobra.Command {
	var (
		configPath string
		service    string
		status     string
		limit      int
		offset     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List benchmark runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, configPath, func(a *app, gdb *gorm.DB) error {
				runs, total, err := benchrun.List(gdb,
					benchrun.ListFilters{ServiceName: service, Status: status},
					benchrun.Page{Limit: limit, Offset: offset})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(runs) == 0 {
					fmt.Fprintln(out, "No benchmark runs found.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSERVICE\tSTATUS\tPP T/S\tTG T/S\tCREATED")
				for _, r := range runs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						r.ID, r.ServiceName, r.Status,
						formatRate(r.PPAvgTS, nil), formatRate(r.TGAvgTS, nil),
						formatTime(&r.CreatedAt))
				}
				w.Flush()
				fmt.Fprintf(out, "\nShowing %d of %d\n", len(runs), total)
				return nil
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&service, "service", "", "filter by service name")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, running, completed, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", benchrun.DefaultLimit, fmt.Sprintf("max runs to show (1-%d)", benchrun.MaxLimit))
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")
	return cmd
}

func newBenchShowCmd() *cobra.Command {
	var (
		configPath string
		raw        bool
	)

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a benchmark run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, configPath, func(a *app, gdb *gorm.DB) error {
				run, err := benchrun.Get(gdb, args[0])
				if err != nil {
					return err
				}
				printRun(cmd.OutOrStdout(), run, raw)
				return nil
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&raw, "raw", false, "include raw llama-bench output")
	return cmd
}

func newBenchCancelCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending or running benchmark",
		Long:  "Marks the run cancelled. The process supervising it notices on its next reconcile pass and kills the container.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, configPath, func(a *app, gdb *gorm.DB) error {
				cancelled, err := cancelRun(gdb, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !cancelled {
					fmt.Fprintf(out, "Benchmark %s already finished\n", args[0])
					return nil
				}
				fmt.Fprintf(out, "Cancelled benchmark %s\n", args[0])
				return nil
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

// cancelRun marks a run cancelled in the store. It reports false when the
// run is already terminal.
func cancelRun(gdb *gorm.DB, id string) (bool, error) {
	now := nowUTC()
	err := benchrun.UpdateStatus(gdb, id, benchrun.StatusCancelled, benchrun.StatusOpts{CompletedAt: &now})
	if errors.Is(err, benchrun.ErrInvalidTransition) {
		return false, nil
	}
	return err == nil, err
}

func newBenchRmCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a benchmark run, cancelling it first if active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, configPath, func(a *app, gdb *gorm.DB) error {
				id := args[0]
				run, err := benchrun.Get(gdb, id)
				if err != nil {
					return err
				}
				if !benchrun.IsTerminal(run.Status) {
					if _, err := cancelRun(gdb, id); err != nil {
						return err
					}
				}
				if err := benchrun.Delete(gdb, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted benchmark %s\n", id)
				return nil
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newBenchApplyCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "apply <id>",
		Short: "Copy a completed run's parameters into its service",
		Long:  "Writes the run's parameters into the service's flags and regenerates the compose file. Benchmark-only flags (-p, -n, -r) are skipped.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, configPath, func(a *app, gdb *gorm.DB) error {
				sup, err := a.newSupervisor(gdb)
				if err != nil {
					return err
				}
				defer sup.Shutdown()

				res, err := sup.ApplyParams(cmd.Context(), args[0])
				a.flushMetrics()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Applied %d parameters to %s\n", res.Applied.Len(), res.Service)
				res.Applied.Each(func(flag, value string) {
					if value == "" {
						fmt.Fprintf(out, "  %s\n", flag)
						return
					}
					fmt.Fprintf(out, "  %s %s\n", flag, value)
				})
				if len(res.Skipped) > 0 {
					fmt.Fprintf(out, "Skipped benchmark-only: %v\n", res.Skipped)
				}
				return nil
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newBenchDefaultsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "defaults <service>",
		Short: "Show the benchmark parameters derived from a service's flags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, configPath)
			if err != nil {
				return err
			}
			def, err := a.reg.Get(args[0])
			if err != nil {
				return err
			}
			params, err := supervisor.DefaultParams(def)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), flags.Format(params))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newBenchRecoverCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Fail runs left pending or running by a crashed process",
		Long:  "Takes the supervisor lock, so it refuses to run while another llmdock process is supervising benchmarks.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, configPath, func(a *app, gdb *gorm.DB) error {
				lock, err := a.acquireSupervisor()
				if err != nil {
					return err
				}
				defer lock.Release()
				n, err := benchrun.RecoverStale(gdb)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Recovered %d stale runs\n", n)
				return nil
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

// printRun writes a run's detail view.
func printRun(out io.Writer, r *models.BenchmarkRun, raw bool) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", r.ID)
	fmt.Fprintf(w, "Service:\t%s\n", r.ServiceName)
	fmt.Fprintf(w, "Status:\t%s\n", r.Status)
	fmt.Fprintf(w, "Model:\t%s\n", r.ModelPath)
	if params, err := benchrun.Params(r); err == nil && params.Len() > 0 {
		fmt.Fprintf(w, "Params:\t%s\n", flags.Format(params))
	}
	fmt.Fprintf(w, "Created:\t%s\n", formatTime(&r.CreatedAt))
	fmt.Fprintf(w, "Started:\t%s\n", formatTime(r.StartedAt))
	fmt.Fprintf(w, "Completed:\t%s\n", formatTime(r.CompletedAt))
	fmt.Fprintf(w, "Duration:\t%s\n", formatDuration(r.StartedAt, r.CompletedAt))
	if r.Status == benchrun.StatusCompleted {
		fmt.Fprintf(w, "Prompt t/s:\t%s\n", formatRate(r.PPAvgTS, r.PPStddevTS))
		fmt.Fprintf(w, "Gen t/s:\t%s\n", formatRate(r.TGAvgTS, r.TGStddevTS))
		printOptional(w, "Build:", r.BuildCommit)
		printOptional(w, "Model type:", r.ModelType)
		if r.ModelSize != nil {
			fmt.Fprintf(w, "Model size:\t%s bytes\n", formatCount(*r.ModelSize))
		}
		if r.ModelNParams != nil {
			fmt.Fprintf(w, "Parameters:\t%s\n", formatCount(*r.ModelNParams))
		}
		printOptional(w, "GPU:", r.GPUInfo)
		printOptional(w, "CPU:", r.CPUInfo)
	}
	printOptional(w, "Error:", r.ErrorMessage)
	w.Flush()
	if raw && r.RawOutput != "" {
		fmt.Fprintf(out, "\n--- raw output ---\n%s\n", r.RawOutput)
	}
}

func printOptional(w io.Writer, label, value string) {
	if value != "" {
		fmt.Fprintf(w, "%s\t%s\n", label, value)
	}
}
