package extension

import "slices"

// Identity is the caller as established at the transport boundary. An empty
// User means the caller is anonymous.
type Identity struct {
	User   string   `json:"user,omitempty"`
	Groups []string `json:"groups,omitempty"`
}

// Anonymous returns the identity of an unauthenticated caller
func Anonymous() Identity {
	return Identity{}
}

// Authenticated reports whether the caller presented a user name
func (i Identity) Authenticated() bool {
	return i.User != ""
}

// InGroup reports whether group is one of the caller's explicit groups
func (i Identity) InGroup(group string) bool {
	return slices.Contains(i.Groups, group)
}

func (i Identity) String() string {
	if !i.Authenticated() {
		return "anonymous"
	}
	return i.User
}
