package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/llmdock/internal/compose"
	"github.com/zulandar/llmdock/internal/config"
	"github.com/zulandar/llmdock/internal/db"
	"github.com/zulandar/llmdock/internal/scheduler"
)

func newDoctorCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check prerequisites and configuration",
		Long:  "Runs diagnostic checks: config, docker binary, compose markers, benchmark schedules, service registry, run store, and the compose validator.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

type checkResult struct {
	name   string
	status string // "PASS", "FAIL", "WARN"
	detail string
}

func runDoctor(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "llmdock doctor")
	fmt.Fprintln(out, "==============")

	var results []checkResult

	cfg, cfgResult := checkConfig(configPath)
	results = append(results, cfgResult)

	if cfg == nil {
		results = append(results, checkResult{"Compose file", "FAIL", "skipped (no config)"})
	} else {
		results = append(results, checkBinary(cfg.Benchmark.DockerBinary))
		results = append(results, checkComposeFile(cfg.ComposeFile))
		results = append(results, checkSchedules(cfg.Schedules, nowUTC()))
		results = append(results, checkStore(cfg))

		a, err := openApp(cmd, configPath)
		if err != nil {
			results = append(results, checkResult{"Registry", "FAIL", err.Error()})
		} else {
			results = append(results, checkRegistry(a))
			results = append(results, checkValidator(cmd, a))
		}
	}

	passed, failed, warned := 0, 0, 0
	for _, r := range results {
		printCheckResult(out, r)
		switch r.status {
		case "PASS":
			passed++
		case "FAIL":
			failed++
		case "WARN":
			warned++
		}
	}

	fmt.Fprintf(out, "\n%d passed, %d failed, %d warning\n", passed, failed, warned)

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

func printCheckResult(out io.Writer, r checkResult) {
	fmt.Fprintf(out, "[%s] %s: %s\n", r.status, r.name, r.detail)
}

func checkConfig(path string) (*config.Config, checkResult) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, checkResult{"Config file", "FAIL", fmt.Sprintf("%s: %v", path, err)}
	}
	if !fileExists(path) {
		return cfg, checkResult{"Config file", "WARN", fmt.Sprintf("%s not found, using defaults", path)}
	}
	return cfg, checkResult{"Config file", "PASS", path}
}

func checkBinary(name string) checkResult {
	path, err := exec.LookPath(name)
	if err != nil {
		return checkResult{name, "WARN", "not found in PATH (benchmarks and validation need it)"}
	}
	out, err := exec.Command(path, "--version").Output()
	if err != nil {
		return checkResult{name, "PASS", "found (version unknown)"}
	}
	return checkResult{name, "PASS", strings.TrimSpace(strings.Split(string(out), "\n")[0])}
}

func checkComposeFile(path string) checkResult {
	data, err := os.ReadFile(path)
	if err != nil {
		return checkResult{"Compose file", "FAIL", err.Error()}
	}
	if _, _, err := compose.Split(string(data)); err != nil {
		return checkResult{"Compose file", "FAIL", fmt.Sprintf("%s: %v", path, err)}
	}
	return checkResult{"Compose file", "PASS", fmt.Sprintf("%s has dynamic markers", path)}
}

// checkSchedules reports the soonest scheduled benchmark.
func checkSchedules(schedules []config.Schedule, now time.Time) checkResult {
	if len(schedules) == 0 {
		return checkResult{"Schedules", "PASS", "none configured"}
	}
	var soonest string
	var soonestAt time.Time
	for _, s := range schedules {
		next, err := scheduler.NextRun(s.Cron, now)
		if err != nil {
			return checkResult{"Schedules", "FAIL", fmt.Sprintf("%s: %v", s.Name, err)}
		}
		if soonest == "" || next.Before(soonestAt) {
			soonest, soonestAt = s.Name, next
		}
	}
	return checkResult{"Schedules", "PASS", fmt.Sprintf("%d configured, next %s in %s", len(schedules), soonest, soonestAt.Sub(now).Round(time.Second))}
}

func checkRegistry(a *app) checkResult {
	entries, err := a.reg.List()
	if err != nil {
		return checkResult{"Registry", "FAIL", err.Error()}
	}
	var bad []string
	for _, e := range entries {
		if problems := e.Definition.Problems(); len(problems) > 0 {
			bad = append(bad, e.Name)
		}
	}
	if len(bad) > 0 {
		return checkResult{"Registry", "WARN", fmt.Sprintf("%d services, invalid: %s", len(entries), strings.Join(bad, ", "))}
	}
	return checkResult{"Registry", "PASS", fmt.Sprintf("%d services in %s", len(entries), a.reg.Path())}
}

func checkStore(cfg *config.Config) checkResult {
	gdb, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return checkResult{"Run store", "FAIL", err.Error()}
	}
	defer db.Close(gdb)
	sqlDB, err := gdb.DB()
	if err != nil {
		return checkResult{"Run store", "FAIL", fmt.Sprintf("get sql.DB: %v", err)}
	}
	if err := sqlDB.Ping(); err != nil {
		return checkResult{"Run store", "FAIL", fmt.Sprintf("ping failed: %v", err)}
	}
	for _, m := range db.AllModels() {
		if !gdb.Migrator().HasTable(m) {
			return checkResult{"Run store", "WARN", "tables missing (run 'llmdock db migrate')"}
		}
	}
	return checkResult{"Run store", "PASS", fmt.Sprintf("%s reachable", cfg.Database.Driver)}
}

func checkValidator(cmd *cobra.Command, a *app) checkResult {
	res, err := a.compose.Check(cmd.Context())
	if err != nil {
		return checkResult{"Validator", "FAIL", err.Error()}
	}
	switch res.Verdict {
	case compose.Pass:
		return checkResult{"Validator", "PASS", "compose file is valid"}
	case compose.Unavailable:
		return checkResult{"Validator", "WARN", "validator unavailable: " + strings.TrimSpace(res.Output)}
	default:
		return checkResult{"Validator", "FAIL", strings.TrimSpace(res.Output)}
	}
}
