// Package state is the view of the server's shared state that extensions
// import. Extensions built outside this module cannot reach internal/state,
// so the store is handed to them through these interfaces instead.
//
// The implementation lives in internal/state and is wrapped by WrapStore.
package state

import (
	"sync"

	"steward/internal/state"
)

// Errors returned by Register and Lookup. They are the same values the
// server's store returns, so errors.Is works across both packages.
var (
	ErrSlotExists   = state.ErrSlotExists
	ErrSlotNotFound = state.ErrSlotNotFound
	ErrSlotType     = state.ErrSlotType
	ErrClosed       = state.ErrClosed
)

// SlotInfo describes a registered slot
type SlotInfo struct {
	Name  string `json:"name"`
	Owner string `json:"owner"`
	Type  string `json:"type"`
}

// Slot is a single named value owned by one extension. Values are not
// synchronized; worker-mode code must hold the lock from Store.Lock.
type Slot[T any] interface {
	Name() string
	Owner() string
	Get() T
	Set(v T)
	Update(fn func(T) T)
}

// Store defines the shared state operations extensions may use.
// Slots are created and found through the package-level Register and Lookup.
type Store interface {
	// Lock returns the lock for key. The same key always yields the same lock.
	Lock(key string) sync.Locker

	// Owned returns the names of slots registered by owner, sorted
	Owned(owner string) []string

	// Slots lists registered slots in registration order
	Slots() []SlotInfo
}
