// Package permission decides whether an identity may use a named permission.
//
// Rules map a permission name to a set of allowed groups. Two group tokens
// are reserved: "authenticated" admits any caller with a user name and
// "everyone" admits any caller at all. Permissions without a rule fall back
// to the "default" rule; with no default rule the engine denies.
package permission

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"steward/pkg/extension"
)

const (
	// Default is the rule used for permissions that have no rule of their own
	Default = extension.DefaultPermission

	// GroupAuthenticated admits any identity that has a user
	GroupAuthenticated = "authenticated"

	// GroupEveryone admits every identity, anonymous included
	GroupEveryone = "everyone"
)

// ErrMalformedIdentity is returned for identities the boundary should never
// have produced. It is distinct from an ordinary denial.
var ErrMalformedIdentity = errors.New("malformed identity")

// DeniedError reports a refused invocation
type DeniedError struct {
	Command    string
	Permission string
	User       string
}

func (e *DeniedError) Error() string {
	user := e.User
	if user == "" {
		user = "anonymous"
	}
	if e.Command == "" {
		return fmt.Sprintf("permission %q denied for %s", e.Permission, user)
	}
	return fmt.Sprintf("permission %q denied for %s calling %s", e.Permission, user, e.Command)
}

type rule struct {
	everyone      bool
	authenticated bool
	groups        map[string]struct{}
}

// Engine evaluates permission rules. It is immutable after New and safe for
// concurrent use.
type Engine struct {
	rules map[string]rule
	raw   map[string][]string
}

// New builds an engine from a permission name to allowed groups mapping.
// Reserved tokens are matched case-insensitively.
func New(config map[string][]string) (*Engine, error) {
	e := &Engine{
		rules: make(map[string]rule, len(config)),
		raw:   make(map[string][]string, len(config)),
	}

	for name, groups := range config {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("permission name cannot be empty")
		}

		r := rule{groups: make(map[string]struct{}, len(groups))}
		normalized := make([]string, 0, len(groups))
		for _, g := range groups {
			g = strings.TrimSpace(g)
			if g == "" {
				return nil, fmt.Errorf("permission %q: group name cannot be empty", name)
			}
			switch strings.ToLower(g) {
			case GroupEveryone:
				r.everyone = true
				g = GroupEveryone
			case GroupAuthenticated:
				r.authenticated = true
				g = GroupAuthenticated
			default:
				r.groups[g] = struct{}{}
			}
			normalized = append(normalized, g)
		}

		e.rules[name] = r
		e.raw[name] = normalized
	}

	return e, nil
}

// Validate reports ErrMalformedIdentity for identities with blank user or
// group names, or that claim a reserved group explicitly.
func Validate(id extension.Identity) error {
	if id.User != "" && strings.TrimSpace(id.User) == "" {
		return fmt.Errorf("%w: blank user name", ErrMalformedIdentity)
	}
	for _, g := range id.Groups {
		if strings.TrimSpace(g) == "" {
			return fmt.Errorf("%w: blank group name", ErrMalformedIdentity)
		}
		switch strings.ToLower(g) {
		case GroupEveryone, GroupAuthenticated:
			return fmt.Errorf("%w: group %q is reserved", ErrMalformedIdentity, g)
		}
	}
	if !id.Authenticated() && len(id.Groups) > 0 {
		return fmt.Errorf("%w: groups without a user", ErrMalformedIdentity)
	}
	return nil
}

// Authorize reports whether id may use permission. A refusal is a false
// return, not an error; errors are reserved for malformed identities.
func (e *Engine) Authorize(id extension.Identity, permission string) (bool, error) {
	if err := Validate(id); err != nil {
		return false, err
	}

	r, ok := e.rules[permission]
	if !ok {
		r, ok = e.rules[Default]
		if !ok {
			return false, nil
		}
	}

	if r.everyone {
		return true, nil
	}
	if r.authenticated && id.Authenticated() {
		return true, nil
	}
	for _, g := range id.Groups {
		if _, ok := r.groups[g]; ok {
			return true, nil
		}
	}
	return false, nil
}

// Require is Authorize with refusal turned into a *DeniedError
func (e *Engine) Require(id extension.Identity, permission, command string) error {
	ok, err := e.Authorize(id, permission)
	if err != nil {
		return err
	}
	if !ok {
		return &DeniedError{Command: command, Permission: permission, User: id.User}
	}
	return nil
}

// Rules returns the configured rules with reserved tokens normalized
func (e *Engine) Rules() map[string][]string {
	out := make(map[string][]string, len(e.raw))
	for name, groups := range e.raw {
		out[name] = append([]string(nil), groups...)
	}
	return out
}

// Names returns the configured permission names, sorted
func (e *Engine) Names() []string {
	names := make([]string, 0, len(e.raw))
	for name := range e.raw {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
