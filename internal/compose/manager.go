// Package compose owns the docker-compose artifact. It regenerates the
// marker-delimited region from the service registry under a cross-process
// lock, validates every candidate before swapping it in and rolls back the
// artifact and the registry when anything fails.
package compose

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/zulandar/llmdock/internal/flags"
	"github.com/zulandar/llmdock/internal/metrics"
	"github.com/zulandar/llmdock/internal/registry"
	"github.com/zulandar/llmdock/internal/render"
)

// Options configures a Manager.
type Options struct {
	// ComposeFile is the artifact path. It must exist and contain both markers.
	ComposeFile string
	Registry    *registry.Registry
	Renderer    *render.Renderer
	// Validator checks candidates; nil selects ExecValidator defaults.
	Validator Validator
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

// Manager mutates the compose artifact and the registry together.
type Manager struct {
	path      string
	reg       *registry.Registry
	renderer  *render.Renderer
	validator Validator
	log       zerolog.Logger
	metrics   *metrics.Metrics
}

// New returns a Manager.
func New(opts Options) (*Manager, error) {
	if opts.ComposeFile == "" {
		return nil, fmt.Errorf("compose: compose file is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("compose: registry is required")
	}
	if opts.Renderer == nil {
		r, err := render.New(render.Options{})
		if err != nil {
			return nil, err
		}
		opts.Renderer = r
	}
	if opts.Validator == nil {
		opts.Validator = ExecValidator{}
	}
	return &Manager{
		path:      opts.ComposeFile,
		reg:       opts.Registry,
		renderer:  opts.Renderer,
		validator: opts.Validator,
		log:       opts.Logger,
		metrics:   opts.Metrics,
	}, nil
}

// Path returns the artifact path.
func (m *Manager) Path() string { return m.path }

// LockPath is the sidecar lock shared by every process touching the artifact.
func (m *Manager) LockPath() string { return m.path + ".lock" }

// BackupPath holds the pre-mutation copy of the artifact.
func (m *Manager) BackupPath() string { return m.path + ".backup" }

func (m *Manager) tempPath() string { return m.path + ".tmp" }

// Rebuild regenerates the artifact from the registry.
func (m *Manager) Rebuild(ctx context.Context) error {
	return m.mutate(ctx, "rebuild", nil, nil)
}

// AddOrThrow registers a new service and regenerates the artifact. Invalid
// input, a taken name or a taken port is rejected before anything changes.
func (m *Manager) AddOrThrow(ctx context.Context, name string, def registry.Definition) error {
	check := func() error {
		if err := flags.ValidateName(name); err != nil {
			return invalid(err.Error())
		}
		if problems := def.Problems(); len(problems) > 0 {
			return invalid(problems...)
		}
		taken, err := m.nameTaken(name)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: service %q already exists", ErrConflict, name)
		}
		return m.checkPortFree(def.Port)
	}
	return m.mutate(ctx, "add "+name, check, func() error {
		return m.reg.Put(name, def)
	})
}

// Update replaces an existing service definition. The engine type cannot
// change; the port is checked for conflicts only when it changes.
func (m *Manager) Update(ctx context.Context, name string, def registry.Definition) error {
	check := func() error {
		cur, err := m.reg.Get(name)
		if err != nil {
			return err
		}
		if cur.Engine != def.Engine {
			return invalid(fmt.Sprintf("engine_type cannot change (is %s)", cur.Engine))
		}
		if problems := def.Problems(); len(problems) > 0 {
			return invalid(problems...)
		}
		if def.Port != cur.Port {
			return m.checkPortFree(def.Port)
		}
		return nil
	}
	return m.mutate(ctx, "update "+name, check, func() error {
		return m.reg.Update(name, def)
	})
}

// Remove unregisters a service and regenerates the artifact.
func (m *Manager) Remove(ctx context.Context, name string) error {
	check := func() error {
		_, err := m.reg.Get(name)
		return err
	}
	return m.mutate(ctx, "remove "+name, check, func() error {
		return m.reg.Delete(name)
	})
}

// Rename moves a service to a new name and regenerates the artifact.
func (m *Manager) Rename(ctx context.Context, oldName, newName string) error {
	check := func() error {
		if err := flags.ValidateName(newName); err != nil {
			return invalid(err.Error())
		}
		if _, err := m.reg.Get(oldName); err != nil {
			return err
		}
		taken, err := m.nameTaken(newName)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: service %q already exists", ErrConflict, newName)
		}
		return nil
	}
	return m.mutate(ctx, "rename "+oldName, check, func() error {
		return m.reg.Rename(oldName, newName)
	})
}

// Preview renders the block a registered service produces.
func (m *Manager) Preview(name string) (string, error) {
	def, err := m.reg.Get(name)
	if err != nil {
		return "", err
	}
	return m.renderer.RenderText(name, def)
}

// Check runs the validator against the current artifact.
func (m *Manager) Check(ctx context.Context) (Result, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return Result{}, fmt.Errorf("compose: read artifact: %w", err)
	}
	if _, _, err := Split(string(data)); err != nil {
		return Result{}, err
	}
	return m.validator.Validate(ctx, m.path), nil
}

// UsedPorts returns every host port published by the artifact (static
// services included) or claimed by a registry entry, sorted.
func (m *Manager) UsedPorts() ([]int, error) {
	set, err := m.usedPortSet()
	if err != nil {
		return nil, err
	}
	ports := make([]int, 0, len(set))
	for p := range set {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports, nil
}

// PortRange bounds NextAvailablePort. Reserved ports are never returned.
type PortRange struct {
	Start    int
	End      int
	Reserved []int
}

// DefaultPortRange is 3300-3400 with 3399 kept for the dashboard.
var DefaultPortRange = PortRange{Start: 3300, End: 3400, Reserved: []int{3399}}

// NextAvailablePort returns the lowest free port in r.
func (m *Manager) NextAvailablePort(r PortRange) (int, error) {
	used, err := m.usedPortSet()
	if err != nil {
		return 0, err
	}
	for _, p := range r.Reserved {
		used[p] = true
	}
	for p := r.Start; p <= r.End; p++ {
		if !used[p] {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: no available ports in range %d-%d", ErrConflict, r.Start, r.End)
}

// ServiceRuntime returns the resource configuration declared for name in the
// artifact.
func (m *Manager) ServiceRuntime(name string) (Runtime, error) {
	cf, err := m.readCompose()
	if err != nil {
		return Runtime{}, err
	}
	svc, ok := cf.Services[name]
	if !ok {
		return Runtime{}, fmt.Errorf("%w: %s not in %s", ErrNotFound, name, filepath.Base(m.path))
	}
	return svc.runtime(), nil
}

func (m *Manager) readCompose() (*composeFile, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("compose: read artifact: %w", err)
	}
	return parseCompose(data)
}

func (m *Manager) usedPortSet() (map[int]bool, error) {
	cf, err := m.readCompose()
	if err != nil {
		return nil, err
	}
	used := make(map[int]bool)
	for _, svc := range cf.Services {
		for _, p := range svc.hostPorts() {
			used[p] = true
		}
	}
	entries, err := m.reg.List()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		used[e.Definition.Port] = true
	}
	return used, nil
}

func (m *Manager) nameTaken(name string) (bool, error) {
	if _, err := m.reg.Get(name); err == nil {
		return true, nil
	} else if !errors.Is(err, registry.ErrNotFound) {
		return false, err
	}
	cf, err := m.readCompose()
	if err != nil {
		return false, err
	}
	_, ok := cf.Services[name]
	return ok, nil
}

func (m *Manager) checkPortFree(port int) error {
	used, err := m.usedPortSet()
	if err != nil {
		return err
	}
	if !used[port] {
		return nil
	}
	msg := fmt.Sprintf("port %d already in use", port)
	if next, err := m.NextAvailablePort(DefaultPortRange); err == nil {
		msg += fmt.Sprintf(", next available: %d", next)
	}
	return fmt.Errorf("%w: %s", ErrConflict, msg)
}
