package extension

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Priority constants for extension registration.
// Higher priority values override lower priority extensions with the same name.
const (
	// PriorityDefault is the default priority for extensions.
	PriorityDefault = 0

	// PriorityOverride lets a site-specific build replace a bundled extension
	// of the same name.
	PriorityOverride = 100
)

// DefaultOrder is the load order of extensions that don't set one
const DefaultOrder = 50

// Info contains metadata about a registered extension.
type Info struct {
	// Name is the unique identifier for the extension. Registrations with the
	// same name override each other based on priority.
	Name string

	Description string

	// Priority decides which registration wins for a shared name. Higher wins.
	Priority int

	Factory Factory

	// Order is the load order. Lower values load first, and start hooks run
	// in load order. Default is 50; the base extension uses 10.
	Order int
}

// Registry is the compile-time catalogue of extensions a binary carries.
// Extension packages add themselves from init(); the server later turns the
// catalogue into manifests with BuildAll.
type Registry struct {
	mu    sync.RWMutex
	infos map[string]Info
	order []string // first registration of each name
}

// NewRegistry creates an empty catalogue.
func NewRegistry() *Registry {
	return &Registry{infos: make(map[string]Info)}
}

// Register records an extension. A name may be registered more than once so
// a site build can swap a bundled extension: the registration with the
// higher Priority is kept, and on a tie the latest one is.
func (r *Registry) Register(info Info) error {
	switch {
	case info.Name == "":
		return fmt.Errorf("extension name cannot be empty")
	case info.Factory == nil:
		return fmt.Errorf("extension %s: factory cannot be nil", info.Name)
	}
	if info.Order == 0 {
		info.Order = DefaultOrder
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, replacing := r.infos[info.Name]
	switch {
	case !replacing:
		r.order = append(r.order, info.Name)
	case info.Priority < existing.Priority:
		zap.L().Debug("Kept higher-priority extension",
			zap.String("extension", info.Name),
			zap.Int("kept", existing.Priority),
			zap.Int("ignored", info.Priority))
		return nil
	default:
		zap.L().Debug("Replaced extension",
			zap.String("extension", info.Name),
			zap.Int("old_priority", existing.Priority),
			zap.Int("new_priority", info.Priority))
	}
	r.infos[info.Name] = info
	return nil
}

// Get returns the winning registration for name, or nil if the binary does
// not carry that extension.
func (r *Registry) Get(name string) *Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if info, ok := r.infos[name]; ok {
		return &info
	}
	return nil
}

// List returns the winning registrations in load order. Extensions sharing
// an Order value load alphabetically.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.infos[name])
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order == out[j].Order {
			return out[i].Name < out[j].Name
		}
		return out[i].Order < out[j].Order
	})
	return out
}

// BuildAll runs the factory of every registered extension not named in
// disabled, in load order. newContext supplies each factory's context.
func (r *Registry) BuildAll(newContext func(info Info) *Context, disabled ...string) ([]*Manifest, error) {
	infos := r.List()
	result := make([]*Manifest, 0, len(infos))

	for _, info := range infos {
		if slices.Contains(disabled, info.Name) {
			continue
		}

		manifest, err := info.Factory(newContext(info))
		if err != nil {
			return nil, fmt.Errorf("failed to create extension %s: %w", info.Name, err)
		}
		if manifest == nil {
			return nil, fmt.Errorf("failed to create extension %s: factory returned no manifest", info.Name)
		}
		manifest.Name = info.Name
		result = append(result, manifest)
	}

	return result, nil
}

// Names lists the carried extensions in the order they first registered.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Clear empties the catalogue so a test can register its own set.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = make(map[string]Info)
	r.order = nil
}

// defaultRegistry is what extension packages register into from init()
var defaultRegistry = NewRegistry()

// Register records an extension in the catalogue the steward binary loads.
// Extension packages call it from init(); a blank import is enough to
// include one.
func Register(info Info) error {
	return defaultRegistry.Register(info)
}

// Get looks name up in the binary's catalogue.
func Get(name string) *Info {
	return defaultRegistry.Get(name)
}

// List returns the binary's extensions in load order.
func List() []Info {
	return defaultRegistry.List()
}

// BuildAll builds the binary's extensions, skipping those named in disabled.
func BuildAll(newContext func(info Info) *Context, disabled ...string) ([]*Manifest, error) {
	return defaultRegistry.BuildAll(newContext, disabled...)
}

// Names lists the binary's extensions in registration order.
func Names() []string {
	return defaultRegistry.Names()
}

// ClearGlobal empties the binary's catalogue. Tests that register through
// the package-level functions call it to undo their registrations.
func ClearGlobal() {
	defaultRegistry.Clear()
}
