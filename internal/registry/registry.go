// Package registry maps command names to their descriptors.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"steward/pkg/extension"
)

// UnknownCommandError is returned when resolving a name nobody registered
type UnknownCommandError struct {
	Name string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command %q", e.Name)
}

// DuplicateCommandError is returned when two extensions claim the same name
type DuplicateCommandError struct {
	Name      string
	Extension string
	Existing  string
}

func (e *DuplicateCommandError) Error() string {
	return fmt.Sprintf("command %q from %s already registered by %s", e.Name, e.Extension, e.Existing)
}

// Descriptor is a registered command
type Descriptor struct {
	Name        string
	Extension   string
	Description string
	Handler     extension.HandlerFunc
	Mode        extension.Mode
	Permission  string
	Hidden      bool
}

// Info returns the listing view of the descriptor
func (d *Descriptor) Info() extension.CommandInfo {
	return extension.CommandInfo{
		Name:        d.Name,
		Extension:   d.Extension,
		Description: d.Description,
		Mode:        d.Mode.String(),
		Permission:  d.Permission,
		Hidden:      d.Hidden,
	}
}

// Registry holds every command known to the server. Commands are added
// during startup and never removed.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Descriptor
}

// New creates an empty registry
func New() *Registry {
	return &Registry{commands: make(map[string]*Descriptor)}
}

// Register adds cmd on behalf of the named extension
func (r *Registry) Register(ext string, cmd extension.Command) (*Descriptor, error) {
	if err := validateName(cmd.Name); err != nil {
		return nil, fmt.Errorf("extension %s: %w", ext, err)
	}
	if cmd.Handler == nil {
		return nil, fmt.Errorf("extension %s: command %q has no handler", ext, cmd.Name)
	}
	if cmd.Mode != extension.Inline && cmd.Mode != extension.Worker {
		return nil, fmt.Errorf("extension %s: command %q has invalid %s", ext, cmd.Name, cmd.Mode)
	}

	permission := cmd.Permission
	if permission == "" {
		permission = extension.DefaultPermission
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.commands[cmd.Name]; ok {
		return nil, &DuplicateCommandError{Name: cmd.Name, Extension: ext, Existing: existing.Extension}
	}

	d := &Descriptor{
		Name:        cmd.Name,
		Extension:   ext,
		Description: cmd.Description,
		Handler:     cmd.Handler,
		Mode:        cmd.Mode,
		Permission:  permission,
		Hidden:      cmd.Hidden,
	}
	r.commands[cmd.Name] = d
	return d, nil
}

// Resolve returns the descriptor registered under name
func (r *Registry) Resolve(name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.commands[name]
	if !ok {
		return nil, &UnknownCommandError{Name: name}
	}
	return d, nil
}

// List returns all descriptors sorted by name. Hidden commands are included
// only when withHidden is set.
func (r *Registry) List(withHidden bool) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Descriptor, 0, len(r.commands))
	for _, d := range r.commands {
		if d.Hidden && !withHidden {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered commands
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("command name cannot be empty")
	}
	if strings.ContainsAny(name, " \t\r\n") {
		return fmt.Errorf("command name %q contains whitespace", name)
	}
	for _, part := range strings.Split(name, ".") {
		if part == "" {
			return fmt.Errorf("command name %q has an empty segment", name)
		}
	}
	return nil
}
