package compose

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/zulandar/llmdock/internal/flags"
	"github.com/zulandar/llmdock/internal/registry"
)

const seedCompose = `services:
  open-webui:
    image: ghcr.io/open-webui/open-webui:main
    ports:
      - "3000:8080"
  static-llama:
    image: llm-dock-llamacpp
    ports:
      - "127.0.0.1:3310:8080/tcp"
    ipc: private
    deploy:
      resources:
        reservations:
          devices:
            - driver: nvidia
              count: 1
              capabilities: [gpu]
    volumes:
      - ${HOME}/models:/models:ro
      - type: bind
        source: /data
        target: /data
        read_only: true
  # <<<<<<< BEGIN DYNAMIC
  # >>>>>>> END DYNAMIC

networks:
  default:
    name: llm
`

// yamlValidator accepts any candidate that parses as YAML with a services map.
var yamlValidator = ValidatorFunc(func(_ context.Context, path string) Result {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{Verdict: Fail, Output: err.Error()}
	}
	if _, err := parseCompose(data); err != nil {
		return Result{Verdict: Fail, Output: err.Error()}
	}
	return Result{Verdict: Pass}
})

func newTestManager(t *testing.T, v Validator) *Manager {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "docker-compose.yml")
	require.NoError(t, os.WriteFile(path, []byte(seedCompose), 0o644))
	return newManagerAt(t, path, v)
}

func newManagerAt(t *testing.T, path string, v Validator) *Manager {
	t.Helper()
	if v == nil {
		v = yamlValidator
	}
	m, err := New(Options{
		ComposeFile: path,
		Registry:    registry.New(filepath.Join(filepath.Dir(path), "services.json")),
		Validator:   v,
	})
	require.NoError(t, err)
	return m
}

func llamaDef(port int, alias string) registry.Definition {
	return registry.Definition{
		Engine:         flags.LlamaCpp,
		Port:           port,
		Alias:          alias,
		APIKey:         "key-" + alias,
		ModelReference: "/local-models/" + alias + ".gguf",
		Flags:          flags.FromPairs("context_length", "8192", "jinja", ""),
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestSplit(t *testing.T) {
	content := "a\n# <<<<<<< BEGIN DYNAMIC\nold\nstuff\n  # >>>>>>> END DYNAMIC\nz\n"
	prefix, suffix, err := Split(content)
	require.NoError(t, err)
	assert.Equal(t, "a\n# <<<<<<< BEGIN DYNAMIC\n", prefix)
	assert.Equal(t, "  # >>>>>>> END DYNAMIC\nz\n", suffix)

	out, err := Splice(content, "new\n")
	require.NoError(t, err)
	assert.Equal(t, "a\n# <<<<<<< BEGIN DYNAMIC\nnew\n  # >>>>>>> END DYNAMIC\nz\n", out)

	tests := []struct {
		name    string
		content string
	}{
		{"no begin", "# >>>>>>> END DYNAMIC\n"},
		{"no end", "# <<<<<<< BEGIN DYNAMIC\n"},
		{"end before begin", "# >>>>>>> END DYNAMIC\n# <<<<<<< BEGIN DYNAMIC\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Split(tt.content)
			assert.ErrorIs(t, err, ErrPrecondition)
		})
	}
}

func TestBody(t *testing.T) {
	assert.Equal(t, "", Body(nil))
	assert.Equal(t, "a\n\nb\n", Body([]string{"a", "b"}))
}

func TestManager_RebuildIsIdempotent(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	require.NoError(t, m.AddOrThrow(ctx, "llamacpp-a", llamaDef(3301, "a")))
	require.NoError(t, m.AddOrThrow(ctx, "llamacpp-b", llamaDef(3302, "b")))

	first := readFile(t, m.Path())
	require.NoError(t, m.Rebuild(ctx))
	second := readFile(t, m.Path())
	require.NoError(t, m.Rebuild(ctx))
	third := readFile(t, m.Path())

	assert.Equal(t, first, second)
	assert.Equal(t, second, third)

	gen, err := Generated(third)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(gen, "  llamacpp-a:\n"))
	assert.Contains(t, gen, "      --jinja\n\n  llamacpp-b:\n")
	assert.True(t, strings.HasSuffix(third, "  # >>>>>>> END DYNAMIC\n\nnetworks:\n  default:\n    name: llm\n"))

	_, err = os.Stat(m.tempPath())
	assert.True(t, os.IsNotExist(err), "temp file removed")
}

func TestManager_EmptyRegistryYieldsEmptyRegion(t *testing.T) {
	m := newTestManager(t, nil)
	require.NoError(t, m.Rebuild(context.Background()))
	assert.Equal(t, seedCompose, readFile(t, m.Path()))
}

func TestManager_PortConflict(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	require.NoError(t, m.AddOrThrow(ctx, "llamacpp-x", llamaDef(3301, "x")))
	before := readFile(t, m.Path())
	regBefore := readFile(t, m.reg.Path())

	tests := []struct {
		name string
		port int
	}{
		{"registry port", 3301},
		{"static service port", 3000},
		{"static service with host ip", 3310},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.AddOrThrow(ctx, "svc2", llamaDef(tt.port, "svc2"))
			require.ErrorIs(t, err, ErrConflict)
			assert.Contains(t, err.Error(), fmt.Sprintf("port %d already in use", tt.port))
			assert.Equal(t, before, readFile(t, m.Path()))
			assert.Equal(t, regBefore, readFile(t, m.reg.Path()))
		})
	}
}

func TestManager_NameConflict(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	require.NoError(t, m.AddOrThrow(ctx, "llamacpp-x", llamaDef(3301, "x")))

	assert.ErrorIs(t, m.AddOrThrow(ctx, "llamacpp-x", llamaDef(3302, "x")), ErrConflict)
	assert.ErrorIs(t, m.AddOrThrow(ctx, "open-webui", llamaDef(3303, "y")), ErrConflict)

	entries, err := m.reg.List()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestManager_ValidationBeforeMutation(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	def := llamaDef(3301, "x")
	def.Flags.Set("--evil", "$(reboot)")
	def.APIKey = ""

	err := m.AddOrThrow(ctx, "llamacpp-x", def)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Len(t, verr.Problems, 2)

	assert.ErrorIs(t, m.AddOrThrow(ctx, "bad name!", llamaDef(3301, "x")), ErrValidation)

	_, err = os.Stat(m.BackupPath())
	assert.True(t, os.IsNotExist(err), "no backup taken for rejected input")
	assert.Equal(t, seedCompose, readFile(t, m.Path()))
}

func TestManager_ExternalValidationRollsBack(t *testing.T) {
	reject := false
	v := ValidatorFunc(func(ctx context.Context, path string) Result {
		if reject {
			return Result{Verdict: Fail, Output: "services.x: bad"}
		}
		return Result{Verdict: Pass}
	})
	m := newTestManager(t, v)
	ctx := context.Background()
	require.NoError(t, m.AddOrThrow(ctx, "llamacpp-a", llamaDef(3301, "a")))

	before := readFile(t, m.Path())
	regBefore := readFile(t, m.reg.Path())

	reject = true
	err := m.AddOrThrow(ctx, "llamacpp-b", llamaDef(3302, "b"))
	var cerr *CheckError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "services.x: bad", cerr.Output)
	assert.ErrorIs(t, err, ErrExternalValidation)
	assert.False(t, IsFatal(err))

	assert.Equal(t, before, readFile(t, m.Path()), "artifact byte-identical after rollback")
	assert.Equal(t, regBefore, readFile(t, m.reg.Path()), "registry reverted")
	_, err = os.Stat(m.tempPath())
	assert.True(t, os.IsNotExist(err))
}

func TestManager_UnavailableValidatorPasses(t *testing.T) {
	m := newTestManager(t, ExecValidator{Command: []string{"/nonexistent/docker", "compose", "-f", FilePlaceholder, "config"}})
	require.NoError(t, m.AddOrThrow(context.Background(), "llamacpp-a", llamaDef(3301, "a")))
	assert.Contains(t, readFile(t, m.Path()), "llamacpp-a:")
}

func TestManager_RollbackFailureIsFatal(t *testing.T) {
	var m *Manager
	v := ValidatorFunc(func(ctx context.Context, path string) Result {
		os.Remove(m.BackupPath())
		return Result{Verdict: Fail, Output: "nope"}
	})
	m = newTestManager(t, v)

	err := m.AddOrThrow(context.Background(), "llamacpp-a", llamaDef(3301, "a"))
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	var rb *RollbackError
	require.ErrorAs(t, err, &rb)
	assert.ErrorIs(t, err, ErrExternalValidation, "cause is preserved")
	assert.Equal(t, m.BackupPath(), rb.Backup)
}

func TestManager_MissingMarkers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docker-compose.yml")
	require.NoError(t, os.WriteFile(path, []byte("services: {}\n"), 0o644))
	m := newManagerAt(t, path, nil)

	err := m.AddOrThrow(context.Background(), "llamacpp-a", llamaDef(3301, "a"))
	require.ErrorIs(t, err, ErrPrecondition)

	entries, err := m.reg.List()
	require.NoError(t, err)
	assert.Empty(t, entries, "registry untouched")
}

func TestManager_UpdateRemoveRename(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	require.NoError(t, m.AddOrThrow(ctx, "llamacpp-a", llamaDef(3301, "a")))
	require.NoError(t, m.AddOrThrow(ctx, "llamacpp-b", llamaDef(3302, "b")))

	t.Run("update keeps own port", func(t *testing.T) {
		def := llamaDef(3301, "a")
		def.Flags.Set("gpu_layers", "40")
		require.NoError(t, m.Update(ctx, "llamacpp-a", def))
		assert.Contains(t, readFile(t, m.Path()), "-ngl 40")
	})

	t.Run("update to taken port", func(t *testing.T) {
		assert.ErrorIs(t, m.Update(ctx, "llamacpp-a", llamaDef(3302, "a")), ErrConflict)
	})

	t.Run("update engine change", func(t *testing.T) {
		def := llamaDef(3301, "a")
		def.Engine = flags.VLLM
		def.Flags = nil
		assert.ErrorIs(t, m.Update(ctx, "llamacpp-a", def), ErrValidation)
	})

	t.Run("update unknown", func(t *testing.T) {
		assert.ErrorIs(t, m.Update(ctx, "nope", llamaDef(3305, "n")), ErrNotFound)
	})

	t.Run("rename", func(t *testing.T) {
		require.NoError(t, m.Rename(ctx, "llamacpp-b", "fast-b"))
		content := readFile(t, m.Path())
		assert.Contains(t, content, "  fast-b:\n")
		assert.NotContains(t, content, "llamacpp-b:")
		assert.ErrorIs(t, m.Rename(ctx, "fast-b", "llamacpp-a"), ErrConflict)
		assert.ErrorIs(t, m.Rename(ctx, "missing", "x"), ErrNotFound)
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, m.Remove(ctx, "fast-b"))
		assert.NotContains(t, readFile(t, m.Path()), "fast-b:")
		assert.ErrorIs(t, m.Remove(ctx, "fast-b"), ErrNotFound)
	})
}

func TestManager_ConcurrentMutationsSerialize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docker-compose.yml")
	require.NoError(t, os.WriteFile(path, []byte(seedCompose), 0o644))

	const n = 8
	// Each goroutine uses its own Manager, like separate processes.
	managers := make([]*Manager, n)
	for i := range managers {
		managers[i] = newManagerAt(t, path, nil)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			alias := fmt.Sprintf("m%d", i)
			errs <- managers[i].AddOrThrow(context.Background(), "llamacpp-"+alias, llamaDef(3320+i, alias))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	m := newManagerAt(t, path, nil)
	final := readFile(t, path)
	entries, err := m.reg.List()
	require.NoError(t, err)
	require.Len(t, entries, n)

	// The artifact is exactly one generation: the one produced by the
	// final registry state.
	require.NoError(t, m.Rebuild(context.Background()))
	assert.Equal(t, final, readFile(t, path))

	var cf struct {
		Services map[string]any `yaml:"services"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(final), &cf))
	assert.Len(t, cf.Services, n+2)
}

func TestManager_Ports(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	require.NoError(t, m.AddOrThrow(ctx, "llamacpp-a", llamaDef(3300, "a")))

	used, err := m.UsedPorts()
	require.NoError(t, err)
	assert.Equal(t, []int{3000, 3300, 3310}, used)

	next, err := m.NextAvailablePort(DefaultPortRange)
	require.NoError(t, err)
	assert.Equal(t, 3301, next)

	next, err = m.NextAvailablePort(PortRange{Start: 3399, End: 3400, Reserved: []int{3399}})
	require.NoError(t, err)
	assert.Equal(t, 3400, next)

	_, err = m.NextAvailablePort(PortRange{Start: 3300, End: 3300})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestManager_ServiceRuntime(t *testing.T) {
	m := newTestManager(t, nil)

	rt, err := m.ServiceRuntime("static-llama")
	require.NoError(t, err)
	assert.Equal(t, Runtime{
		GPUs:    "1",
		IPC:     "private",
		Volumes: []string{"${HOME}/models:/models:ro", "/data:/data:ro"},
	}, rt)

	require.NoError(t, m.AddOrThrow(context.Background(), "llamacpp-a", llamaDef(3301, "a")))
	rt, err = m.ServiceRuntime("llamacpp-a")
	require.NoError(t, err)
	assert.Equal(t, "all", rt.GPUs)
	assert.Equal(t, "host", rt.IPC)
	assert.Contains(t, rt.Volumes, "${HOME}/.cache/models:/local-models:ro")

	_, err = m.ServiceRuntime("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_Preview(t *testing.T) {
	m := newTestManager(t, nil)
	require.NoError(t, m.AddOrThrow(context.Background(), "llamacpp-a", llamaDef(3301, "a")))

	text, err := m.Preview("llamacpp-a")
	require.NoError(t, err)
	assert.Contains(t, readFile(t, m.Path()), text)

	_, err = m.Preview("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func writeMockBinary(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755); err != nil {
		t.Fatalf("write mock binary: %v", err)
	}
	return path
}

func TestExecValidator(t *testing.T) {
	dir := t.TempDir()
	ok := writeMockBinary(t, dir, "ok", `test -f "$2" || exit 3`)
	bad := writeMockBinary(t, dir, "bad", `echo "yaml: line 3: mapping values are not allowed" >&2; exit 1`)
	slow := writeMockBinary(t, dir, "slow", `sleep 5`)
	target := filepath.Join(dir, "candidate.yml")
	require.NoError(t, os.WriteFile(target, []byte("services: {}\n"), 0o644))

	tests := []struct {
		name    string
		v       ExecValidator
		verdict Verdict
		output  string
	}{
		{"pass", ExecValidator{Command: []string{ok, "-f", FilePlaceholder}}, Pass, ""},
		{"fail with stderr", ExecValidator{Command: []string{bad, FilePlaceholder}}, Fail, "yaml: line 3: mapping values are not allowed"},
		{"missing binary", ExecValidator{Command: []string{"llmdock-no-such-checker", FilePlaceholder}}, Unavailable, ""},
		{"timeout", ExecValidator{Command: []string{slow}, Timeout: 100 * time.Millisecond}, Fail, "validation timed out after 100ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tt.v.Validate(context.Background(), target)
			assert.Equal(t, tt.verdict, res.Verdict, res.Output)
			if tt.output != "" {
				assert.Equal(t, tt.output, res.Output)
			}
		})
	}
}
