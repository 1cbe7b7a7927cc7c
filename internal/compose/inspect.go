package compose

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// composeFile is the subset of the docker-compose schema read back from the
// artifact.
type composeFile struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	Ports   []yaml.Node `yaml:"ports"`
	IPC     string      `yaml:"ipc"`
	Volumes []yaml.Node `yaml:"volumes"`
	Deploy  struct {
		Resources struct {
			Reservations struct {
				Devices []struct {
					Driver       string    `yaml:"driver"`
					Count        yaml.Node `yaml:"count"`
					Capabilities []string  `yaml:"capabilities"`
				} `yaml:"devices"`
			} `yaml:"reservations"`
		} `yaml:"resources"`
	} `yaml:"deploy"`
}

func parseCompose(data []byte) (*composeFile, error) {
	var cf composeFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("compose: parse artifact: %w", err)
	}
	return &cf, nil
}

// hostPorts returns the published host ports of a service. Short syntax
// ("3301:8080", "127.0.0.1:3301:8080/tcp", 3301) and long syntax
// (published: 3301) are understood; ranges are skipped.
func (s composeService) hostPorts() []int {
	var out []int
	for _, n := range s.Ports {
		switch n.Kind {
		case yaml.ScalarNode:
			if p, ok := parseShortPort(n.Value); ok {
				out = append(out, p)
			}
		case yaml.MappingNode:
			var long struct {
				Published string `yaml:"published"`
			}
			if err := n.Decode(&long); err == nil {
				if p, err := strconv.Atoi(long.Published); err == nil {
					out = append(out, p)
				}
			}
		}
	}
	return out
}

func parseShortPort(spec string) (int, bool) {
	spec, _, _ = strings.Cut(spec, "/")
	parts := strings.Split(spec, ":")
	host := parts[0]
	if len(parts) > 2 {
		host = parts[len(parts)-2]
	}
	p, err := strconv.Atoi(host)
	if err != nil {
		return 0, false
	}
	return p, true
}

// Runtime is the container resource configuration of one service as
// declared in the artifact.
type Runtime struct {
	// GPUs is the device count for "docker run --gpus": "all" or a number.
	GPUs    string
	IPC     string
	Volumes []string
}

func (s composeService) runtime() Runtime {
	rt := Runtime{GPUs: "all", IPC: s.IPC}
	for _, d := range s.Deploy.Resources.Reservations.Devices {
		isGPU := false
		for _, c := range d.Capabilities {
			if c == "gpu" {
				isGPU = true
			}
		}
		if isGPU && d.Count.Kind == yaml.ScalarNode && d.Count.Value != "" {
			rt.GPUs = d.Count.Value
			break
		}
	}
	for _, v := range s.Volumes {
		switch v.Kind {
		case yaml.ScalarNode:
			rt.Volumes = append(rt.Volumes, v.Value)
		case yaml.MappingNode:
			var long struct {
				Source   string `yaml:"source"`
				Target   string `yaml:"target"`
				ReadOnly bool   `yaml:"read_only"`
			}
			if err := v.Decode(&long); err == nil && long.Source != "" && long.Target != "" {
				spec := long.Source + ":" + long.Target
				if long.ReadOnly {
					spec += ":ro"
				}
				rt.Volumes = append(rt.Volumes, spec)
			}
		}
	}
	return rt
}
