package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/intake/model"
)

// MemoryStore is an in-memory RecordStore for tests and single-instance
// development.
type MemoryStore struct {
	mu          sync.RWMutex
	submissions map[string]model.Submission // key: submission ID
	tokens      map[string]string           // key: access token, value: submission ID
	collections map[string]*model.Collections
	events      map[string][]model.StatusEvent
	buildLogs   map[string][]model.BuildLog
	now         func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		submissions: make(map[string]model.Submission),
		tokens:      make(map[string]string),
		collections: make(map[string]*model.Collections),
		events:      make(map[string][]model.StatusEvent),
		buildLogs:   make(map[string][]model.BuildLog),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSubmission persists a new draft submission.
func (s *MemoryStore) CreateSubmission(_ context.Context, vertical model.Vertical) (model.Submission, error) {
	token, err := NewAccessToken()
	if err != nil {
		return model.Submission{}, err
	}
	sub := model.NewSubmission(uuid.New().String(), token, vertical, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions[sub.ID] = sub
	s.tokens[token] = sub.ID
	s.collections[sub.ID] = &model.Collections{Versions: map[model.CollectionName]int{}}
	return sub, nil
}

// GetByToken resolves an access token.
func (s *MemoryStore) GetByToken(_ context.Context, token string) (model.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tokens[token]
	if !ok {
		return model.Submission{}, model.NewNotFoundError("no submission for this access token")
	}
	return s.submissions[id], nil
}

// Get retrieves a submission by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (model.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.submissions[id]
	if !ok {
		return model.Submission{}, notFound(id)
	}
	return sub, nil
}

// UpdateSubmission applies patch under the store lock.
func (s *MemoryStore) UpdateSubmission(_ context.Context, id string, patch model.SubmissionPatch) (model.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[id]
	if !ok {
		return model.Submission{}, notFound(id)
	}
	sub = patch.Apply(sub, s.now())
	s.submissions[id] = sub
	return sub, nil
}

// GetCollections returns copies of the stored collections.
func (s *MemoryStore) GetCollections(_ context.Context, id string) (model.Collections, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.submissions[id]; !ok {
		return model.Collections{}, notFound(id)
	}
	return copyCollections(s.collections[id]), nil
}

// ReplaceCollection swaps the named collection atomically.
func (s *MemoryStore) ReplaceCollection(_ context.Context, id string, name model.CollectionName, records []model.Record, expectedVersion int) (int, error) {
	if err := checkRecords(name, records); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[id]
	if !ok {
		return 0, notFound(id)
	}
	cols := s.collections[id]
	current := cols.Versions[name]
	if expectedVersion != AnyVersion && expectedVersion != current {
		return 0, versionConflict(id, name, expectedVersion, current)
	}

	fresh := model.Collections{}
	for i, rec := range records {
		fresh.Add(rec.WithIdentity(uuid.New().String(), i))
	}
	switch name {
	case model.CollectionServices:
		cols.Services = fresh.Services
	case model.CollectionTestimonials:
		cols.Testimonials = fresh.Testimonials
	case model.CollectionHours:
		cols.Hours = fresh.Hours
	}
	cols.Versions[name] = current + 1

	sub.UpdatedAt = s.now()
	s.submissions[id] = sub
	return current + 1, nil
}

// GetFull loads the whole aggregate.
func (s *MemoryStore) GetFull(_ context.Context, id string) (model.FullSubmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.submissions[id]
	if !ok {
		return model.FullSubmission{}, notFound(id)
	}

	history := make([]model.StatusEvent, len(s.events[id]))
	copy(history, s.events[id])
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].Timestamp.Before(history[j].Timestamp)
	})

	logs := make([]model.BuildLog, len(s.buildLogs[id]))
	copy(logs, s.buildLogs[id])
	sort.SliceStable(logs, func(i, j int) bool {
		return logs[i].StartedAt.After(logs[j].StartedAt)
	})

	return model.FullSubmission{
		Submission:  sub,
		Collections: copyCollections(s.collections[id]),
		History:     history,
		BuildLogs:   logs,
	}, nil
}

// List returns summaries matching filters, newest first.
func (s *MemoryStore) List(_ context.Context, filters model.SubmissionFilters) ([]model.SubmissionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.SubmissionSummary, 0, len(s.submissions))
	for _, sub := range s.submissions {
		row := model.Summarize(sub)
		if filters.Matches(row) {
			result = append(result, row)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return paginate(result, filters.Offset, filters.Limit), nil
}

// CountByStatus counts submissions per status.
func (s *MemoryStore) CountByStatus(_ context.Context) (map[model.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[model.Status]int)
	for _, sub := range s.submissions {
		counts[sub.Status]++
	}
	return counts, nil
}

// AppendStatusEvent adds an event to the status history.
func (s *MemoryStore) AppendStatusEvent(_ context.Context, event model.StatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.submissions[event.SubmissionID]; !ok {
		return notFound(event.SubmissionID)
	}
	s.events[event.SubmissionID] = append(s.events[event.SubmissionID], event)
	return nil
}

// AppendBuildLog records a build request.
func (s *MemoryStore) AppendBuildLog(_ context.Context, entry model.BuildLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.submissions[entry.SubmissionID]; !ok {
		return notFound(entry.SubmissionID)
	}
	s.buildLogs[entry.SubmissionID] = append(s.buildLogs[entry.SubmissionID], entry)
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Len returns the number of submissions. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.submissions)
}

func copyCollections(c *model.Collections) model.Collections {
	if c == nil {
		return model.Collections{Versions: map[model.CollectionName]int{}}
	}
	out := model.Collections{
		Services:     append([]model.Service(nil), c.Services...),
		Testimonials: append([]model.Testimonial(nil), c.Testimonials...),
		Hours:        append([]model.BusinessHours(nil), c.Hours...),
		Versions:     make(map[model.CollectionName]int, len(c.Versions)),
	}
	for k, v := range c.Versions {
		out.Versions[k] = v
	}
	return out
}

func paginate[T any](rows []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(rows) {
			return rows[:0]
		}
		rows = rows[offset:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}
