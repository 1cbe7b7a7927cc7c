// Package render turns registry definitions into docker-compose service blocks.
package render

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/zulandar/llmdock/internal/flags"
	"github.com/zulandar/llmdock/internal/registry"
)

// Default images per engine.
const (
	DefaultLlamaCppImage = "llm-dock-llamacpp"
	DefaultVLLMImage     = "vllm/vllm-openai:v0.11.0"
)

// LlamaServerPath is the server binary inside the llama.cpp image.
const LlamaServerPath = "/llama.cpp/build/bin/llama-server"

const serviceTemplate = `  {{ .Name }}:
    image: {{ .Image }}
    container_name: {{ .Name }}
    restart: "no"
{{- if .Entrypoint }}
    entrypoint: [{{ range $i, $e := .Entrypoint }}{{ if $i }}, {{ end }}{{ quote $e }}{{ end }}]
{{- end }}
    deploy:
      resources:
        reservations:
          devices:
            - driver: nvidia
              count: all
              capabilities: [gpu]
    ports:
      - {{ quote .PortMapping }}
    ipc: host
{{- if .Env }}
    environment:
{{- range .Env }}
      - {{ quote . }}
{{- end }}
{{- end }}
{{- if .Volumes }}
    volumes:
{{- range .Volumes }}
      - {{ . }}
{{- end }}
{{- end }}
    command: >-
{{- range .Lines }}
      {{ . }}
{{- end }}`

// Options configures a Renderer. Zero values select the defaults.
type Options struct {
	LlamaCppImage string
	VLLMImage     string
}

// Block is one rendered service.
type Block struct {
	Name string
	// Text is the YAML block, indented to sit under "services:", without a
	// trailing newline.
	Text string
	// Args is the container command as an argument vector.
	Args []string
	// Env holds KEY=VALUE pairs placed in the environment section, including
	// env-only flags.
	Env []string
}

type profile struct {
	image         string
	containerPort int
	entrypoint    []string
	volumes       []string
	apiKeyEnv     string
}

// Renderer renders service blocks. It is safe for concurrent use.
type Renderer struct {
	profiles map[flags.Engine]profile
	tmpl     *template.Template
}

// New returns a Renderer.
func New(opts Options) (*Renderer, error) {
	if opts.LlamaCppImage == "" {
		opts.LlamaCppImage = DefaultLlamaCppImage
	}
	if opts.VLLMImage == "" {
		opts.VLLMImage = DefaultVLLMImage
	}

	funcMap := template.FuncMap{
		"quote": strconv.Quote,
	}
	tmpl, err := template.New("service").Funcs(funcMap).Parse(serviceTemplate)
	if err != nil {
		return nil, fmt.Errorf("render: parse template: %w", err)
	}

	return &Renderer{
		tmpl: tmpl,
		profiles: map[flags.Engine]profile{
			flags.LlamaCpp: {
				image:         opts.LlamaCppImage,
				containerPort: 8080,
				volumes: []string{
					"${HOME}/.cache/huggingface:/hf-cache",
					"${HOME}/.cache/models:/local-models:ro",
				},
				apiKeyEnv: "LLAMA_SERVER_API_KEY",
			},
			flags.VLLM: {
				image:         opts.VLLMImage,
				containerPort: 8000,
				entrypoint:    []string{"vllm"},
				volumes: []string{
					"${HOME}/.cache/huggingface:/root/.cache/huggingface",
					"${HOME}/.cache/torch:/root/.cache/torch",
					"${HOME}/.triton:/root/.triton",
				},
			},
		},
	}, nil
}

// Render produces the service block for name. Mandatory fields are copied
// verbatim; optional flags follow in the definition's insertion order.
func (r *Renderer) Render(name string, def registry.Definition) (Block, error) {
	schema, err := flags.SchemaFor(def.Engine)
	if err != nil {
		return Block{}, fmt.Errorf("render: %s: %w", name, err)
	}
	prof := r.profiles[def.Engine]

	for _, field := range schema.Mandatory {
		if missing(def, field) {
			return Block{}, fmt.Errorf("render: %s: %s is required", name, field)
		}
	}

	var lines []string
	switch def.Engine {
	case flags.LlamaCpp:
		lines = append(lines, LlamaServerPath, "-m "+def.ModelReference)
		if def.MMProjReference != "" {
			lines = append(lines, "--mmproj "+def.MMProjReference)
		}
		lines = append(lines,
			"--alias "+def.Alias,
			"--host 0.0.0.0",
			"--port "+strconv.Itoa(prof.containerPort),
			"--api-key "+def.APIKey,
		)
	case flags.VLLM:
		lines = append(lines,
			"serve "+def.ModelReference,
			"--host 0.0.0.0",
			"--port "+strconv.Itoa(prof.containerPort),
			"--served-model-name "+def.Alias,
			"--api-key "+def.APIKey,
		)
	}

	var env []string
	if prof.apiKeyEnv != "" {
		env = append(env, prof.apiKeyEnv+"="+def.APIKey)
	}

	rendered, flagEnv := RenderFlags(schema, def.Flags)
	lines = append(lines, rendered...)
	env = append(env, flagEnv...)

	data := struct {
		Name        string
		Image       string
		Entrypoint  []string
		PortMapping string
		Env         []string
		Volumes     []string
		Lines       []string
	}{
		Name:        name,
		Image:       prof.image,
		Entrypoint:  prof.entrypoint,
		PortMapping: fmt.Sprintf("%d:%d", def.Port, prof.containerPort),
		Env:         env,
		Volumes:     prof.volumes,
		Lines:       lines,
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return Block{}, fmt.Errorf("render: %s: execute template: %w", name, err)
	}

	var args []string
	for _, l := range lines {
		args = append(args, strings.Fields(l)...)
	}
	return Block{Name: name, Text: buf.String(), Args: args, Env: env}, nil
}

// RenderText is Render returning only the YAML text.
func (r *Renderer) RenderText(name string, def registry.Definition) (string, error) {
	b, err := r.Render(name, def)
	if err != nil {
		return "", err
	}
	return b.Text, nil
}

// RenderFlags renders m against schema. It returns one command line fragment
// per emitted flag and the KEY=VALUE pairs of env-only flags.
//
// Bool flags render as the bare token when the value is empty or truthy and
// are omitted otherwise. Other kinds render as "token value" and are omitted
// when the value is empty. Logical names missing from the schema are dropped;
// raw CLI tokens that the schema does not know are passed through as given.
func RenderFlags(schema *flags.Schema, m *flags.Map) (lines, env []string) {
	m.Each(func(name, value string) {
		value = strings.TrimSpace(value)
		sp, ok := schema.Lookup(name)
		if !ok {
			if flags.ValidateToken(name) != nil {
				return
			}
			if value == "" {
				lines = append(lines, name)
			} else {
				lines = append(lines, name+" "+value)
			}
			return
		}
		switch sp.Kind {
		case flags.KindEnv:
			if value != "" {
				env = append(env, sp.Token+"="+value)
			}
		case flags.KindBool:
			if flags.Truthy(value) {
				lines = append(lines, sp.Token)
			}
		default:
			if value != "" {
				lines = append(lines, sp.Token+" "+value)
			}
		}
	})
	return lines, env
}

func missing(def registry.Definition, field string) bool {
	switch field {
	case "port":
		return def.Port == 0
	case "model_reference":
		return def.ModelReference == ""
	case "alias":
		return def.Alias == ""
	case "api_key":
		return def.APIKey == ""
	}
	return false
}
