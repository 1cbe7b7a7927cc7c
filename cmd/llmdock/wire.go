package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/zulandar/llmdock/internal/compose"
	"github.com/zulandar/llmdock/internal/config"
	"github.com/zulandar/llmdock/internal/db"
	"github.com/zulandar/llmdock/internal/filelock"
	"github.com/zulandar/llmdock/internal/logging"
	"github.com/zulandar/llmdock/internal/metrics"
	"github.com/zulandar/llmdock/internal/registry"
	"github.com/zulandar/llmdock/internal/render"
	"github.com/zulandar/llmdock/internal/supervisor"
)

const defaultConfigPath = "llmdock.yaml"

// app is the wired set of components one command works with.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	reg     *registry.Registry
	compose *compose.Manager
	metrics *metrics.Metrics
}

func addConfigFlag(cmd *cobra.Command, configPath *string) {
	cmd.Flags().StringVarP(configPath, "config", "c", defaultConfigPath, "path to llmdock config file (.yaml or .toml)")
}

// loadConfig loads configPath. A missing default config file falls back to
// built-in defaults; a missing explicit path is an error.
func loadConfig(configPath string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err == nil {
		return cfg, nil
	}
	if configPath == defaultConfigPath && errors.Is(err, fs.ErrNotExist) {
		return config.Default()
	}
	return nil, fmt.Errorf("load config: %w", err)
}

func openApp(cmd *cobra.Command, configPath string) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Out:    cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, err
	}

	renderer, err := render.New(render.Options{
		LlamaCppImage: cfg.Engines.LlamaCpp.Image,
		VLLMImage:     cfg.Engines.VLLM.Image,
	})
	if err != nil {
		return nil, err
	}
	m := metrics.New()
	reg := registry.New(cfg.ServicesFile)
	mgr, err := compose.New(compose.Options{
		ComposeFile: cfg.ComposeFile,
		Registry:    reg,
		Renderer:    renderer,
		Validator: compose.ExecValidator{
			Command: cfg.Validator.Command,
			Timeout: cfg.ValidatorTimeout(),
		},
		Logger:  log,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log, reg: reg, compose: mgr, metrics: m}, nil
}

func (a *app) portRange() compose.PortRange {
	return compose.PortRange{
		Start:    a.cfg.Ports.Start,
		End:      a.cfg.Ports.End,
		Reserved: a.cfg.Ports.Reserved,
	}
}

// openDB opens the run store and migrates it.
func (a *app) openDB() (*gorm.DB, error) {
	gdb, err := db.Open(a.cfg.Database.Driver, a.cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		db.Close(gdb)
		return nil, err
	}
	return gdb, nil
}

// supervisorLockPath is held by the one process allowed to own benchmark
// processes for this store.
func (a *app) supervisorLockPath() string {
	if a.cfg.Database.Driver == db.DriverSQLite && a.cfg.Database.DSN != ":memory:" {
		return a.cfg.Database.DSN + ".supervisor.lock"
	}
	return a.cfg.ComposeFile + ".supervisor.lock"
}

// acquireSupervisor takes the supervisor lock without blocking.
func (a *app) acquireSupervisor() (*filelock.Lock, error) {
	lock, err := filelock.TryLock(a.supervisorLockPath())
	if errors.Is(err, filelock.ErrLocked) {
		return nil, fmt.Errorf("another llmdock process is supervising benchmarks (%s is locked)", a.supervisorLockPath())
	}
	return lock, err
}

func (a *app) newSupervisor(gdb *gorm.DB) (*supervisor.Supervisor, error) {
	fallback := compose.Runtime{
		GPUs:    a.cfg.Benchmark.DefaultGPUs,
		IPC:     a.cfg.Benchmark.DefaultIPC,
		Volumes: a.cfg.Benchmark.DefaultVolumes,
	}
	return supervisor.New(supervisor.Options{
		DB:           gdb,
		Services:     a.reg,
		Compose:      a.compose,
		DockerBinary: a.cfg.Benchmark.DockerBinary,
		Image:        a.cfg.Benchmark.Image,
		BenchPath:    a.cfg.Benchmark.BenchPath,
		Timeout:      a.cfg.BenchmarkTimeout(),
		Fallback:     &fallback,
		Logger:       a.log,
		Metrics:      a.metrics,
	})
}

// flushMetrics writes the textfile exporter output if configured.
func (a *app) flushMetrics() {
	if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
		a.log.Warn().Err(err).Msg("write metrics textfile")
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
