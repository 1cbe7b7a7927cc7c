package registry

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/llmdock/internal/flags"
)

func testDef(port int, alias string) Definition {
	return Definition{
		Engine:         flags.LlamaCpp,
		Port:           port,
		Alias:          alias,
		APIKey:         "key-test",
		ModelReference: "/local-models/" + alias + ".gguf",
		Flags:          flags.FromPairs("context_length", "8192", "-ngl", "99"),
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "services.json"))
}

func TestRegistry_EmptyWhenMissing(t *testing.T) {
	r := newTestRegistry(t)
	entries, err := r.List()
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_PutGetListOrder(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Put("b", testDef(3301, "b")))
	require.NoError(t, r.Put("a", testDef(3302, "a")))
	require.NoError(t, r.Put("b", testDef(3303, "b"))) // replace keeps position

	entries, err := r.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].Name)
	assert.Equal(t, 3303, entries[0].Definition.Port)
	assert.Equal(t, "a", entries[1].Name)

	got, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"context_length", "-ngl"}, got.Flags.Keys())
}

func TestDefinition_NilFlagsPersistAsObject(t *testing.T) {
	def := testDef(3301, "a")
	def.Flags = nil

	data, err := json.Marshal(def)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"flags":{}`)

	r := newTestRegistry(t)
	require.NoError(t, r.Put("a", def))
	raw, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"flags": {}`)
	assert.NotContains(t, string(raw), "null")

	got, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Flags.Len())
}

func TestRegistry_Update(t *testing.T) {
	r := newTestRegistry(t)

	err := r.Update("x", testDef(3301, "x"))
	assert.ErrorIs(t, err, ErrNotFound, "update must not create")

	require.NoError(t, r.Put("x", testDef(3301, "x")))
	changed := testDef(3305, "x")
	require.NoError(t, r.Update("x", changed))

	got, err := r.Get("x")
	require.NoError(t, err)
	assert.Equal(t, 3305, got.Port)

	changed.Engine = flags.VLLM
	assert.ErrorIs(t, r.Update("x", changed), ErrEngineChanged)
}

func TestRegistry_Delete(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Put("x", testDef(3301, "x")))

	require.NoError(t, r.Delete("x"))
	assert.ErrorIs(t, r.Delete("x"), ErrNotFound)
}

func TestRegistry_Rename(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Put("a", testDef(3301, "a")))
	require.NoError(t, r.Put("b", testDef(3302, "b")))
	require.NoError(t, r.Put("c", testDef(3303, "c")))

	require.NoError(t, r.Rename("b", "z"))
	entries, err := r.List()
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"a", "z", "c"}, names)

	assert.ErrorIs(t, r.Rename("missing", "q"), ErrNotFound)
	assert.ErrorIs(t, r.Rename("a", "c"), ErrExists)
}

func TestRegistry_CorruptDocumentIsError(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, os.WriteFile(r.Path(), []byte("{not json"), 0o644))

	_, err := r.List()
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))

	err = r.Put("x", testDef(3301, "x"))
	require.Error(t, err, "write must not clobber a corrupt document")
	data, _ := os.ReadFile(r.Path())
	assert.Equal(t, "{not json", string(data))
}

func TestRegistry_SnapshotRestore(t *testing.T) {
	r := newTestRegistry(t)

	empty, err := r.Snapshot()
	require.NoError(t, err)

	require.NoError(t, r.Put("a", testDef(3301, "a")))
	snap, err := r.Snapshot()
	require.NoError(t, err)
	before, _ := os.ReadFile(r.Path())

	require.NoError(t, r.Put("b", testDef(3302, "b")))
	require.NoError(t, r.Restore(snap))
	after, _ := os.ReadFile(r.Path())
	assert.Equal(t, before, after)

	require.NoError(t, r.Restore(empty))
	_, err = os.Stat(r.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestDefinition_Problems(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Definition)
		want []string
	}{
		{"valid", func(*Definition) {}, nil},
		{"unknown engine", func(d *Definition) { d.Engine = "ollama" }, []string{`engine_type "ollama" is not supported (want llamacpp or vllm)`}},
		{"missing mandatory", func(d *Definition) { d.Port = 0; d.APIKey = "" }, []string{"port is required", "api_key is required"}},
		{"port range", func(d *Definition) { d.Port = 80 }, []string{"port 80 out of range [1024, 65535]"}},
		{"mmproj on vllm", func(d *Definition) {
			d.Engine = flags.VLLM
			d.Flags = nil
			d.MMProjReference = "/x.gguf"
		}, []string{"mmproj_reference is only supported by llamacpp"}},
		{"bad flag", func(d *Definition) { d.Flags.Set("bogus", "1") }, []string{`invalid flag name "bogus": must start with '-' followed by letters, digits, '-' or '_'`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testDef(3301, "x")
			tt.mut(&d)
			assert.Equal(t, tt.want, d.Problems())
		})
	}
}
