// Package state holds the server-wide state that extensions share.
//
// Every slot has exactly one owner, the extension that registered it. Slot
// values are not synchronized: handlers on the service loop may read and write
// them freely, while code running on the worker pool must coordinate through
// Store.Lock.
package state

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

var (
	// ErrSlotExists is returned when a slot name is already registered
	ErrSlotExists = errors.New("state slot already registered")

	// ErrSlotNotFound is returned when looking up an unknown slot
	ErrSlotNotFound = errors.New("state slot not found")

	// ErrSlotType is returned when a slot is looked up with the wrong type
	ErrSlotType = errors.New("state slot has a different type")

	// ErrClosed is returned after the store has been torn down
	ErrClosed = errors.New("state store closed")
)

// SlotInfo describes a registered slot
type SlotInfo struct {
	Name  string `json:"name"`
	Owner string `json:"owner"`
	Type  string `json:"type"`
}

type entry struct {
	owner string
	slot  any
	kind  reflect.Type
}

// Store is the registry of named slots plus a set of keyed locks
type Store struct {
	mu     sync.RWMutex
	slots  map[string]*entry
	order  []string
	locks  map[string]*sync.Mutex
	closed bool
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		slots: make(map[string]*entry),
		locks: make(map[string]*sync.Mutex),
	}
}

// Slot is a single named value owned by one extension
type Slot[T any] struct {
	name  string
	owner string
	value T
}

// Name returns the slot name
func (s *Slot[T]) Name() string { return s.name }

// Owner returns the extension that registered the slot
func (s *Slot[T]) Owner() string { return s.owner }

// Get returns the current value
func (s *Slot[T]) Get() T { return s.value }

// Set replaces the current value
func (s *Slot[T]) Set(v T) { s.value = v }

// Update applies fn to the current value and stores the result
func (s *Slot[T]) Update(fn func(T) T) { s.value = fn(s.value) }

// Register creates a slot named name, owned by owner, holding initial.
func Register[T any](s *Store, owner, name string, initial T) (*Slot[T], error) {
	if name == "" {
		return nil, fmt.Errorf("slot name cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if existing, ok := s.slots[name]; ok {
		return nil, fmt.Errorf("%w: %q owned by %q", ErrSlotExists, name, existing.owner)
	}

	slot := &Slot[T]{name: name, owner: owner, value: initial}
	s.slots[name] = &entry{
		owner: owner,
		slot:  slot,
		kind:  reflect.TypeOf((*T)(nil)).Elem(),
	}
	s.order = append(s.order, name)
	return slot, nil
}

// Lookup finds a slot registered by any owner.
func Lookup[T any](s *Store, name string) (*Slot[T], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.slots[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSlotNotFound, name)
	}
	slot, ok := e.slot.(*Slot[T])
	if !ok {
		return nil, fmt.Errorf("%w: %q holds %s", ErrSlotType, name, e.kind)
	}
	return slot, nil
}

// Lock returns the mutex for key, creating it on first use. The same key
// always yields the same mutex.
func (s *Store) Lock(key string) *sync.Mutex {
	s.mu.RLock()
	m, ok := s.locks[key]
	s.mu.RUnlock()
	if ok {
		return m
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.locks[key]; ok {
		return m
	}
	m = &sync.Mutex{}
	s.locks[key] = m
	return m
}

// Slots lists registered slots in registration order
func (s *Store) Slots() []SlotInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SlotInfo, 0, len(s.order))
	for _, name := range s.order {
		e := s.slots[name]
		out = append(out, SlotInfo{Name: name, Owner: e.owner, Type: e.kind.String()})
	}
	return out
}

// Owned returns the names of slots registered by owner, sorted
func (s *Store) Owned(owner string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var names []string
	for name, e := range s.slots {
		if e.owner == owner {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Close tears the store down. Registered slots are dropped and later
// registrations fail with ErrClosed.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.slots = make(map[string]*entry)
	s.order = nil
}
