package state

import (
	"errors"
	"sync"

	"steward/internal/state"
)

// ErrUnsupportedStore is returned by Register and Lookup for a Store that
// was not produced by WrapStore
var ErrUnsupportedStore = errors.New("state store does not hold slots")

// StoreAdapter wraps internal state.Store to implement pkg state.Store
type StoreAdapter struct {
	internal *state.Store
}

// WrapStore wraps an internal state.Store to implement the pkg state.Store interface
func WrapStore(s *state.Store) Store {
	return &StoreAdapter{internal: s}
}

// UnwrapStore returns the underlying internal store if available
func UnwrapStore(s Store) *state.Store {
	if adapter, ok := s.(*StoreAdapter); ok {
		return adapter.internal
	}
	return nil
}

func (a *StoreAdapter) Lock(key string) sync.Locker {
	return a.internal.Lock(key)
}

func (a *StoreAdapter) Owned(owner string) []string {
	return a.internal.Owned(owner)
}

func (a *StoreAdapter) Slots() []SlotInfo {
	slots := a.internal.Slots()
	out := make([]SlotInfo, 0, len(slots))
	for _, info := range slots {
		out = append(out, SlotInfo(info))
	}
	return out
}

// Register creates a slot named name, owned by owner, holding initial.
// Slot names are global across extensions.
func Register[T any](s Store, owner, name string, initial T) (Slot[T], error) {
	inner := UnwrapStore(s)
	if inner == nil {
		return nil, ErrUnsupportedStore
	}
	slot, err := state.Register(inner, owner, name, initial)
	if err != nil {
		return nil, err
	}
	return slot, nil
}

// Lookup finds a slot registered by any owner. T must match the type the
// slot was registered with.
func Lookup[T any](s Store, name string) (Slot[T], error) {
	inner := UnwrapStore(s)
	if inner == nil {
		return nil, ErrUnsupportedStore
	}
	slot, err := state.Lookup[T](inner, name)
	if err != nil {
		return nil, err
	}
	return slot, nil
}
