// Package registry persists service definitions as a single JSON document
// keyed by service name. Every write reads the whole document, applies one
// change and rewrites the whole document. Callers serialize writers; the
// compose manager does so under its artifact lock.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var (
	// ErrNotFound is returned when a service name is not registered.
	ErrNotFound = errors.New("registry: not found")
	// ErrExists is returned when a new name is already registered.
	ErrExists = errors.New("registry: already exists")
	// ErrEngineChanged is returned when an update tries to switch engine.
	ErrEngineChanged = errors.New("registry: engine type is immutable")
)

type document = orderedmap.OrderedMap[string, Definition]

// Entry pairs a service name with its definition.
type Entry struct {
	Name       string
	Definition Definition
}

// Registry is a file-backed service registry.
type Registry struct {
	path string
}

// New returns a registry stored at path. The file need not exist yet.
func New(path string) *Registry {
	return &Registry{path: path}
}

// Path returns the backing file path.
func (r *Registry) Path() string { return r.path }

func (r *Registry) load() (*document, error) {
	doc := orderedmap.New[string, Definition]()
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", r.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("registry: parse %s: %w", r.path, err)
	}
	return doc, nil
}

func (r *Registry) save(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: encode: %w", err)
	}
	return writeAtomic(r.path, append(data, '\n'))
}

// writeAtomic writes data to a temp file in the same directory and renames
// it over path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("registry: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("registry: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("registry: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("registry: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("registry: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("registry: replace %s: %w", path, err)
	}
	return nil
}

// Get returns the definition registered under name.
func (r *Registry) Get(name string) (Definition, error) {
	doc, err := r.load()
	if err != nil {
		return Definition{}, err
	}
	def, ok := doc.Get(name)
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return def, nil
}

// List returns every entry in document order.
func (r *Registry) List() ([]Entry, error) {
	doc, err := r.load()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, doc.Len())
	for pair := doc.Oldest(); pair != nil; pair = pair.Next() {
		entries = append(entries, Entry{Name: pair.Key, Definition: pair.Value})
	}
	return entries, nil
}

// Put creates or replaces name.
func (r *Registry) Put(name string, def Definition) error {
	doc, err := r.load()
	if err != nil {
		return err
	}
	doc.Set(name, def.Clone())
	return r.save(doc)
}

// Update replaces an existing definition. The engine type cannot change.
func (r *Registry) Update(name string, def Definition) error {
	doc, err := r.load()
	if err != nil {
		return err
	}
	cur, ok := doc.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if cur.Engine != def.Engine {
		return fmt.Errorf("%w: %s is %s", ErrEngineChanged, name, cur.Engine)
	}
	doc.Set(name, def.Clone())
	return r.save(doc)
}

// Delete removes name.
func (r *Registry) Delete(name string) error {
	doc, err := r.load()
	if err != nil {
		return err
	}
	if _, ok := doc.Delete(name); !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return r.save(doc)
}

// Rename moves a definition to a new name, keeping its position.
func (r *Registry) Rename(oldName, newName string) error {
	doc, err := r.load()
	if err != nil {
		return err
	}
	if _, ok := doc.Get(oldName); !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, oldName)
	}
	if _, ok := doc.Get(newName); ok {
		return fmt.Errorf("%w: %s", ErrExists, newName)
	}

	out := orderedmap.New[string, Definition]()
	for pair := doc.Oldest(); pair != nil; pair = pair.Next() {
		key := pair.Key
		if key == oldName {
			key = newName
		}
		out.Set(key, pair.Value)
	}
	return r.save(out)
}

// Snapshot is the raw registry document at a point in time.
type Snapshot struct {
	data   []byte
	exists bool
}

// Snapshot captures the current document so it can be restored later.
func (r *Registry) Snapshot() (Snapshot, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("registry: snapshot: %w", err)
	}
	return Snapshot{data: data, exists: true}, nil
}

// Restore puts back a snapshot taken with Snapshot.
func (r *Registry) Restore(s Snapshot) error {
	if !s.exists {
		if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("registry: restore: %w", err)
		}
		return nil
	}
	return writeAtomic(r.path, s.data)
}
