package supervisor

import (
	"os"
	"strings"

	"github.com/zulandar/llmdock/internal/compose"
	"github.com/zulandar/llmdock/internal/flags"
)

// Defaults for the benchmark container.
const (
	DefaultDockerBinary = "docker"
	DefaultImage        = "llm-dock-llamacpp"
	DefaultBenchPath    = "/llama.cpp/build/bin/llama-bench"

	containerPrefix = "llmdock-bench-"
)

// ContainerName is the docker container name used for run id.
func ContainerName(id string) string { return containerPrefix + id }

// DefaultRuntime is used when the service cannot be found in the artifact.
var DefaultRuntime = compose.Runtime{
	GPUs: "all",
	IPC:  "host",
	Volumes: []string{
		"${HOME}/.cache/huggingface:/hf-cache",
		"${HOME}/.cache/models:/local-models:ro",
	},
}

// CommandSpec is everything needed to assemble one llama-bench invocation.
type CommandSpec struct {
	// Name becomes the container name so a cancelled run can be killed.
	Name      string
	Image     string
	BenchPath string
	Runtime   compose.Runtime
	ModelPath string
	Params    *flags.Map
	// Home replaces ${HOME} in volume specs.
	Home string
}

// BuildArgs returns the docker arguments (without the binary) for spec.
// Reserved flags in Params are dropped and every value is trimmed with one
// layer of matching quotes removed.
func BuildArgs(spec CommandSpec) []string {
	image := spec.Image
	if image == "" {
		image = DefaultImage
	}
	bench := spec.BenchPath
	if bench == "" {
		bench = DefaultBenchPath
	}

	args := []string{"run", "--rm"}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	gpus := spec.Runtime.GPUs
	if gpus == "" {
		gpus = "all"
	}
	args = append(args, "--gpus", gpus)
	if spec.Runtime.IPC != "" {
		args = append(args, "--ipc", spec.Runtime.IPC)
	}
	for _, v := range spec.Runtime.Volumes {
		args = append(args, "-v", strings.ReplaceAll(v, "${HOME}", spec.Home))
	}

	args = append(args, image, bench, "-m", spec.ModelPath, "-o", "json")

	spec.Params.Each(func(flag, value string) {
		if IsReserved(flag) {
			return
		}
		args = append(args, flag)
		if value != "" {
			args = append(args, unquote(value))
		}
	})
	return args
}

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	h, _ := os.UserHomeDir()
	return h
}
