// Package config provides YAML and TOML configuration loading for llmdock.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/zulandar/llmdock/internal/db"
	"github.com/zulandar/llmdock/internal/flags"
	"github.com/zulandar/llmdock/internal/scheduler"
)

// Format is a config file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// Environment variables that override file settings.
const (
	EnvComposeFile  = "LLMDOCK_COMPOSE_FILE"
	EnvServicesFile = "LLMDOCK_SERVICES_FILE"
	EnvLogLevel     = "LLMDOCK_LOG_LEVEL"
	EnvDBDriver     = "LLMDOCK_DB_DRIVER"
	EnvDBDSN        = "LLMDOCK_DB_DSN"
)

// Config is the top-level llmdock configuration.
type Config struct {
	ComposeFile  string          `yaml:"compose_file" toml:"compose_file"`
	ServicesFile string          `yaml:"services_file" toml:"services_file"`
	Log          LogConfig       `yaml:"log" toml:"log"`
	Ports        PortsConfig     `yaml:"ports" toml:"ports"`
	Validator    ValidatorConfig `yaml:"validator" toml:"validator"`
	Database     DatabaseConfig  `yaml:"database" toml:"database"`
	Benchmark    BenchmarkConfig `yaml:"benchmark" toml:"benchmark"`
	Engines      EnginesConfig   `yaml:"engines" toml:"engines"`
	Metrics      MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Schedules    []Schedule      `yaml:"schedules" toml:"schedules"`
}

// LogConfig selects log verbosity and output encoding.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // auto, json or console
}

// PortsConfig is the host port range new services are assigned from.
type PortsConfig struct {
	Start    int   `yaml:"start" toml:"start"`
	End      int   `yaml:"end" toml:"end"`
	Reserved []int `yaml:"reserved" toml:"reserved"`
}

// ValidatorConfig is the external command used to check a candidate
// compose file. "{file}" in Command is replaced by the candidate path.
type ValidatorConfig struct {
	Command []string `yaml:"command" toml:"command"`
	Timeout string   `yaml:"timeout" toml:"timeout"`
}

// DatabaseConfig selects the benchmark run store.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// BenchmarkConfig controls llama-bench containers.
type BenchmarkConfig struct {
	DockerBinary   string   `yaml:"docker_binary" toml:"docker_binary"`
	Image          string   `yaml:"image" toml:"image"`
	BenchPath      string   `yaml:"bench_path" toml:"bench_path"`
	Timeout        string   `yaml:"timeout" toml:"timeout"`
	DefaultGPUs    string   `yaml:"default_gpus" toml:"default_gpus"`
	DefaultIPC     string   `yaml:"default_ipc" toml:"default_ipc"`
	DefaultVolumes []string `yaml:"default_volumes" toml:"default_volumes"`
}

// EnginesConfig holds per-engine container settings.
type EnginesConfig struct {
	LlamaCpp EngineConfig `yaml:"llamacpp" toml:"llamacpp"`
	VLLM     EngineConfig `yaml:"vllm" toml:"vllm"`
}

// EngineConfig holds container settings for one engine.
type EngineConfig struct {
	Image string `yaml:"image" toml:"image"`
}

// MetricsConfig enables the textfile exporter.
type MetricsConfig struct {
	Textfile string `yaml:"textfile" toml:"textfile"`
	Interval string `yaml:"interval" toml:"interval"`
}

// Schedule is a recurring benchmark of one service. Params is a llama-bench
// argument string such as "-p 512 -n 128".
type Schedule struct {
	Name    string `yaml:"name" toml:"name"`
	Service string `yaml:"service" toml:"service"`
	Cron    string `yaml:"cron" toml:"cron"`
	Params  string `yaml:"params" toml:"params"`
}

// FormatFor picks a format from a file extension. Unknown extensions are YAML.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML
	default:
		return FormatYAML
	}
}

// Load reads a config file from path and returns a validated Config.
// Environment overrides are applied before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data, FormatFor(path))
}

// Default returns the configuration used when no file exists.
func Default() (*Config, error) {
	return Parse(nil, FormatYAML)
}

// Parse unmarshals config bytes into a validated Config.
func Parse(data []byte, format Format) (*Config, error) {
	var cfg Config
	switch format {
	case FormatTOML:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse toml: %w", err)
		}
	case FormatYAML, "":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("config: unsupported format %q", format)
	}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.ComposeFile, EnvComposeFile)
	set(&c.ServicesFile, EnvServicesFile)
	set(&c.Log.Level, EnvLogLevel)
	set(&c.Database.Driver, EnvDBDriver)
	set(&c.Database.DSN, EnvDBDSN)
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.ComposeFile == "" {
		c.ComposeFile = "docker-compose.yml"
	}
	dir := filepath.Dir(c.ComposeFile)
	if c.ServicesFile == "" {
		c.ServicesFile = filepath.Join(dir, "services.json")
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "auto"
	}
	if c.Ports.Start == 0 && c.Ports.End == 0 {
		c.Ports.Start, c.Ports.End = 3300, 3400
		if c.Ports.Reserved == nil {
			c.Ports.Reserved = []int{3399}
		}
	}
	if len(c.Validator.Command) == 0 {
		c.Validator.Command = []string{"docker", "compose", "-f", "{file}", "config", "--quiet"}
	}
	if c.Validator.Timeout == "" {
		c.Validator.Timeout = "10s"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = db.DriverSQLite
	}
	if c.Database.DSN == "" && c.Database.Driver == db.DriverSQLite {
		c.Database.DSN = filepath.Join(dir, "benchmarks.db")
	}
	if c.Benchmark.DockerBinary == "" {
		c.Benchmark.DockerBinary = "docker"
	}
	if c.Benchmark.Image == "" {
		c.Benchmark.Image = "llm-dock-llamacpp"
	}
	if c.Benchmark.BenchPath == "" {
		c.Benchmark.BenchPath = "/llama.cpp/build/bin/llama-bench"
	}
	if c.Benchmark.Timeout == "" {
		c.Benchmark.Timeout = "600s"
	}
	if c.Benchmark.DefaultGPUs == "" {
		c.Benchmark.DefaultGPUs = "all"
	}
	if c.Benchmark.DefaultIPC == "" {
		c.Benchmark.DefaultIPC = "host"
	}
	if c.Benchmark.DefaultVolumes == nil {
		c.Benchmark.DefaultVolumes = []string{
			"${HOME}/.cache/huggingface:/hf-cache",
			"${HOME}/.cache/models:/local-models:ro",
		}
	}
	if c.Metrics.Interval == "" {
		c.Metrics.Interval = "30s"
	}
	for i := range c.Schedules {
		if c.Schedules[i].Name == "" {
			c.Schedules[i].Name = c.Schedules[i].Service
		}
	}
}

// validate checks that all settings are present and consistent.
func (c *Config) validate() error {
	var errs []string

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Sprintf("log.level %q is invalid", c.Log.Level))
	}
	switch c.Log.Format {
	case "auto", "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("log.format must be auto, json or console, got %q", c.Log.Format))
	}

	if c.Ports.Start < 1024 || c.Ports.End > 65535 || c.Ports.Start > c.Ports.End {
		errs = append(errs, fmt.Sprintf("ports range %d-%d is invalid (must lie within 1024-65535)", c.Ports.Start, c.Ports.End))
	}

	if !containsPlaceholder(c.Validator.Command) {
		errs = append(errs, "validator.command must contain {file}")
	}
	errs = checkDuration(errs, "validator.timeout", c.Validator.Timeout)

	switch c.Database.Driver {
	case db.DriverSQLite:
	case db.DriverMySQL:
		if c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for mysql")
		} else if err := db.CheckMySQLDSN(c.Database.DSN); err != nil {
			errs = append(errs, fmt.Sprintf("database.dsn: %v", err))
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver must be sqlite or mysql, got %q", c.Database.Driver))
	}

	errs = checkDuration(errs, "benchmark.timeout", c.Benchmark.Timeout)
	errs = checkDuration(errs, "metrics.interval", c.Metrics.Interval)

	seen := map[string]bool{}
	for i, s := range c.Schedules {
		if s.Service == "" {
			errs = append(errs, fmt.Sprintf("schedules[%d].service is required", i))
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Sprintf("schedules[%d].name %q is duplicated", i, s.Name))
		}
		seen[s.Name] = true
		if _, err := scheduler.NextRun(s.Cron, time.Now()); err != nil {
			errs = append(errs, fmt.Sprintf("schedules[%d].cron: %v", i, err))
		}
		if _, err := flags.ParseArgString(s.Params); err != nil {
			errs = append(errs, fmt.Sprintf("schedules[%d].params: %v", i, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func checkDuration(errs []string, key, value string) []string {
	if d, err := time.ParseDuration(value); err != nil || d <= 0 {
		return append(errs, fmt.Sprintf("%s %q is not a positive duration", key, value))
	}
	return errs
}

func containsPlaceholder(cmd []string) bool {
	for _, a := range cmd {
		if strings.Contains(a, "{file}") {
			return true
		}
	}
	return false
}

// ValidatorTimeout returns validator.timeout as a duration.
func (c *Config) ValidatorTimeout() time.Duration { return mustDuration(c.Validator.Timeout) }

// BenchmarkTimeout returns benchmark.timeout as a duration.
func (c *Config) BenchmarkTimeout() time.Duration { return mustDuration(c.Benchmark.Timeout) }

// MetricsInterval returns metrics.interval as a duration.
func (c *Config) MetricsInterval() time.Duration { return mustDuration(c.Metrics.Interval) }

// mustDuration parses a duration already checked by validate.
func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// ScheduleParams parses a schedule's params string.
func (s Schedule) ScheduleParams() (*flags.Map, error) {
	return flags.ParseArgString(s.Params)
}
