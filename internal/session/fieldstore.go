package session

import (
	"sync"

	"github.com/pitabwire/intake/model"
)

// FieldStore is the in-memory source of truth for a session's scalar
// attributes. Every applied patch is reported to the change hook, which the
// controller wires to the debouncer.
type FieldStore struct {
	mu       sync.RWMutex
	attrs    model.Attributes
	onChange func(delta model.Attributes)
}

// NewFieldStore hydrates a store from a snapshot.
func NewFieldStore(initial model.Attributes, onChange func(delta model.Attributes)) *FieldStore {
	return &FieldStore{attrs: initial, onChange: onChange}
}

// SetField sets one attribute by wire name.
func (f *FieldStore) SetField(name string, value any) error {
	patch, err := model.AttributePatch(name, value)
	if err != nil {
		return err
	}
	f.Apply(patch)
	return nil
}

// Apply merges patch into the snapshot and schedules it for persistence.
func (f *FieldStore) Apply(patch model.Attributes) {
	if patch.IsZero() {
		return
	}
	f.mu.Lock()
	f.attrs = f.attrs.Merge(patch)
	f.mu.Unlock()

	if f.onChange != nil {
		f.onChange(patch)
	}
}

// Snapshot returns the current attributes.
func (f *FieldStore) Snapshot() model.Attributes {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.attrs
}
