package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/intake/internal/observability"
	"github.com/pitabwire/intake/internal/store"
	"github.com/pitabwire/intake/model"
)

// CollectionReplacer is the slice of the record store a collection needs.
type CollectionReplacer interface {
	ReplaceCollection(ctx context.Context, id string, name model.CollectionName, records []model.Record, expectedVersion int) (int, error)
}

// Collection is an ordered edit buffer for one child collection. Edits are
// synchronous buffer mutations; nothing reaches the store until Flush, which
// replaces the stored collection with the buffer contents.
type Collection[T model.Record] struct {
	name      model.CollectionName
	store     CollectionReplacer
	versioned bool
	metrics   *observability.Metrics

	mu      sync.Mutex
	items   []T
	version int
}

// NewCollection creates a buffer hydrated with items. version is the stored
// replace counter, used when versioned is set.
func NewCollection[T model.Record](name model.CollectionName, s CollectionReplacer, items []T, version int, versioned bool) *Collection[T] {
	return &Collection[T]{
		name:      name,
		store:     s,
		versioned: versioned,
		items:     append([]T(nil), items...),
		version:   version,
	}
}

// Name returns the collection name.
func (c *Collection[T]) Name() model.CollectionName { return c.name }

// Add appends a record built from defaults and returns its index.
func (c *Collection[T]) Add(defaults T) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, defaults)
	return len(c.items) - 1
}

// AddJSON appends a record decoded from a JSON object of defaults.
func (c *Collection[T]) AddJSON(raw json.RawMessage) (int, error) {
	var rec T
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := decodeStrict(raw, &rec); err != nil {
			return 0, err
		}
	}
	if err := model.ValidateRecord(rec); err != nil {
		return 0, err
	}
	return c.Add(rec), nil
}

// RemoveAt deletes the record at i; later records shift down.
func (c *Collection[T]) RemoveAt(i int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkIndex(i); err != nil {
		return err
	}
	c.items = append(c.items[:i], c.items[i+1:]...)
	return nil
}

// UpdateAt applies fn to the record at i.
func (c *Collection[T]) UpdateAt(i int, fn func(*T)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkIndex(i); err != nil {
		return err
	}
	rec := c.items[i]
	fn(&rec)
	c.items[i] = rec
	return nil
}

// PatchAt shallow-merges a JSON object into the record at i. Keys absent from
// the patch keep their values.
func (c *Collection[T]) PatchAt(i int, raw json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkIndex(i); err != nil {
		return err
	}
	rec := c.items[i]
	if err := decodeStrict(raw, &rec); err != nil {
		return err
	}
	if err := model.ValidateRecord(rec); err != nil {
		return err
	}
	c.items[i] = rec
	return nil
}

// Items returns a copy of the buffer.
func (c *Collection[T]) Items() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.items...)
}

// Len returns the number of buffered records.
func (c *Collection[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Version returns the last known stored replace counter.
func (c *Collection[T]) Version() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Flush replaces the stored collection with the buffer. An empty buffer
// clears the stored collection. On failure the buffer is left intact.
func (c *Collection[T]) Flush(ctx context.Context, submissionID string) error {
	c.mu.Lock()
	records := model.ToRecords(c.items)
	expected := store.AnyVersion
	if c.versioned {
		expected = c.version
	}
	c.mu.Unlock()

	ctx, span := observability.StartSpan(ctx, "session.collection_flush",
		observability.AttrSubmissionID.String(submissionID),
		observability.AttrCollection.String(string(c.name)),
	)
	start := time.Now()
	next, err := c.store.ReplaceCollection(ctx, submissionID, c.name, records, expected)
	observability.EndSpanWithError(span, err)
	c.metrics.RecordFlush("collection", time.Since(start), err)
	c.metrics.RecordCollectionReplace(string(c.name), err)
	if err != nil {
		return fmt.Errorf("flush %s: %w", c.name, err)
	}

	c.mu.Lock()
	c.version = next
	c.mu.Unlock()
	return nil
}

func (c *Collection[T]) checkIndex(i int) error {
	if i < 0 || i >= len(c.items) {
		return model.NewBadRequestError(fmt.Sprintf("%s index %d out of range (len %d)", c.name, i, len(c.items)))
	}
	return nil
}

func decodeStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return model.NewBadRequestError(fmt.Sprintf("invalid record: %v", err))
	}
	return nil
}
