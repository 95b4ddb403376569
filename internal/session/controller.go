package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/intake/internal/observability"
	"github.com/pitabwire/intake/model"
)

// Store is the slice of the record store a session uses.
type Store interface {
	GetByToken(ctx context.Context, token string) (model.Submission, error)
	UpdateSubmission(ctx context.Context, id string, patch model.SubmissionPatch) (model.Submission, error)
	GetCollections(ctx context.Context, id string) (model.Collections, error)
	CollectionReplacer
}

// ReplacePolicy selects how collection flushes guard against concurrent
// sessions on the same submission.
type ReplacePolicy string

const (
	// ReplaceLastWriteWins replaces unconditionally.
	ReplaceLastWriteWins ReplacePolicy = "last_write_wins"
	// ReplaceVersioned rejects a flush when another session replaced the
	// collection since this one loaded it.
	ReplaceVersioned ReplacePolicy = "versioned"
)

// Deps are the collaborators shared by every session.
type Deps struct {
	Store     Store
	Workflow  Transitioner
	Generator Generator
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

// Options tune a session.
type Options struct {
	DebounceInterval time.Duration
	SavingIndicator  time.Duration
	ReplacePolicy    ReplacePolicy
	Clock            Clock
}

// Controller is one client's form session. It owns the field store, the
// three collection buffers, the debouncer, the augmenter and the navigator,
// and is the only way the transport touches them.
type Controller struct {
	token  string
	id     string
	store  Store
	logger *zap.Logger

	fields       *FieldStore
	debouncer    *Debouncer
	services     *Collection[model.Service]
	testimonials *Collection[model.Testimonial]
	hours        *Collection[model.BusinessHours]
	augmenter    *Augmenter
	nav          *Navigator

	mu  sync.RWMutex
	sub model.Submission
}

// Open resolves token and hydrates a session from the store. An unknown
// token yields a NOT_FOUND error. Sessions always start at the first step,
// whatever the submission's status.
func Open(ctx context.Context, token string, deps Deps, opts Options) (*Controller, error) {
	sub, err := deps.Store.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	cols, err := deps.Store.GetCollections(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("load collections: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("submission_id", sub.ID))
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}

	c := &Controller{token: token, id: sub.ID, store: deps.Store, logger: logger, sub: sub}

	c.debouncer = NewDebouncer(c.persistFields, logger,
		WithInterval(opts.DebounceInterval),
		WithSavingIndicator(opts.SavingIndicator),
		WithClock(opts.Clock),
		WithDebounceMetrics(deps.Metrics),
	)
	c.fields = NewFieldStore(sub.Attributes, c.debouncer.Queue)

	versioned := opts.ReplacePolicy == ReplaceVersioned
	hours := cols.Hours
	if len(hours) == 0 {
		hours = model.DefaultBusinessHours()
	}
	c.services = NewCollection(model.CollectionServices, deps.Store, cols.Services, cols.Version(model.CollectionServices), versioned)
	c.testimonials = NewCollection(model.CollectionTestimonials, deps.Store, cols.Testimonials, cols.Version(model.CollectionTestimonials), versioned)
	c.hours = NewCollection(model.CollectionHours, deps.Store, hours, cols.Version(model.CollectionHours), versioned)
	c.services.metrics = deps.Metrics
	c.testimonials.metrics = deps.Metrics
	c.hours.metrics = deps.Metrics

	c.augmenter = NewAugmenter(deps.Generator, logger, deps.Metrics)
	c.nav = NewNavigator(sub.ID, c.debouncer, deps.Workflow, logger, c.services, c.testimonials, c.hours)
	return c, nil
}

func (c *Controller) persistFields(ctx context.Context, delta model.Attributes) error {
	sub, err := c.store.UpdateSubmission(ctx, c.id, model.SubmissionPatch{Attributes: delta})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sub.Status = sub.Status
	c.sub.UpdatedAt = sub.UpdatedAt
	c.sub.SubmittedAt = sub.SubmittedAt
	c.mu.Unlock()
	return nil
}

// ID returns the submission's internal identifier.
func (c *Controller) ID() string { return c.id }

// Token returns the access token the session was opened with.
func (c *Controller) Token() string { return c.token }

// --- Fields ---

// SetField sets one attribute by wire name.
func (c *Controller) SetField(name string, value any) error {
	return c.fields.SetField(name, value)
}

// ApplyFields merges a multi-field patch.
func (c *Controller) ApplyFields(patch model.Attributes) {
	c.fields.Apply(patch)
}

// Fields returns the current attribute snapshot.
func (c *Controller) Fields() model.Attributes {
	return c.fields.Snapshot()
}

// --- Collections ---

// Services returns the services buffer.
func (c *Controller) Services() *Collection[model.Service] { return c.services }

// Testimonials returns the testimonials buffer.
func (c *Controller) Testimonials() *Collection[model.Testimonial] { return c.testimonials }

// Hours returns the business hours buffer.
func (c *Controller) Hours() *Collection[model.BusinessHours] { return c.hours }

// AddRecord appends a record decoded from raw to the named collection.
func (c *Controller) AddRecord(name model.CollectionName, raw json.RawMessage) (int, error) {
	switch name {
	case model.CollectionServices:
		return c.services.AddJSON(raw)
	case model.CollectionTestimonials:
		return c.testimonials.AddJSON(raw)
	case model.CollectionHours:
		return c.hours.AddJSON(raw)
	}
	return 0, unknownCollection(name)
}

// PatchRecord shallow-merges raw into record i of the named collection.
func (c *Controller) PatchRecord(name model.CollectionName, i int, raw json.RawMessage) error {
	switch name {
	case model.CollectionServices:
		return c.services.PatchAt(i, raw)
	case model.CollectionTestimonials:
		return c.testimonials.PatchAt(i, raw)
	case model.CollectionHours:
		return c.hours.PatchAt(i, raw)
	}
	return unknownCollection(name)
}

// RemoveRecord deletes record i of the named collection.
func (c *Controller) RemoveRecord(name model.CollectionName, i int) error {
	switch name {
	case model.CollectionServices:
		return c.services.RemoveAt(i)
	case model.CollectionTestimonials:
		return c.testimonials.RemoveAt(i)
	case model.CollectionHours:
		return c.hours.RemoveAt(i)
	}
	return unknownCollection(name)
}

func unknownCollection(name model.CollectionName) error {
	return model.NewBadRequestError(fmt.Sprintf("unknown collection %q", name))
}

// --- Navigation ---

// Next advances one step.
func (c *Controller) Next(ctx context.Context) int { return c.nav.Next(ctx) }

// Prev goes back one step.
func (c *Controller) Prev(ctx context.Context) int { return c.nav.Prev(ctx) }

// JumpTo moves directly to step n.
func (c *Controller) JumpTo(ctx context.Context, n int) int { return c.nav.JumpTo(ctx, n) }

// Step returns the current step.
func (c *Controller) Step() int { return c.nav.Step() }

// Submit completes the form from the review step.
func (c *Controller) Submit(ctx context.Context) (model.Submission, error) {
	sub, err := c.nav.Submit(ctx)
	if err != nil {
		return model.Submission{}, err
	}
	c.mu.Lock()
	c.sub.Status = sub.Status
	c.sub.UpdatedAt = sub.UpdatedAt
	c.sub.SubmittedAt = sub.SubmittedAt
	c.mu.Unlock()
	return sub, nil
}

// --- Augmentation ---

// Augment starts a generation for key. Scalar keys are listed by
// AugmentKeys; services_<i> rewrites the description of service i into its
// ai_description. The result is applied when it arrives.
func (c *Controller) Augment(ctx context.Context, key string) error {
	snapshot := c.fields.Snapshot()
	tone := snapshot.ToneOrDefault()

	if i, ok := parseServiceKey(key); ok {
		items := c.services.Items()
		if i >= len(items) {
			return model.NewBadRequestError(fmt.Sprintf("no service at index %d", i))
		}
		svc := items[i]
		if strings.TrimSpace(svc.Description) == "" {
			return model.NewBadRequestError("service has no description to polish")
		}
		c.augmenter.Augment(ctx, key, servicePrompt(snapshot, svc), tone, func(text string) {
			err := c.services.UpdateAt(i, func(s *model.Service) { s.AIDescription = text })
			if err != nil {
				c.logger.Info("dropping generated service description",
					zap.String("key", key),
					zap.Error(err),
				)
			}
		})
		return nil
	}

	target, ok := fieldTargets[key]
	if !ok {
		return model.NewBadRequestError(fmt.Sprintf("unknown augmentation key %q", key))
	}
	if target.ready != nil && !target.ready(snapshot) {
		return model.NewBadRequestError(fmt.Sprintf("%s needs more input before it can be generated", key))
	}
	c.augmenter.Augment(ctx, key, target.build(snapshot), tone, func(text string) {
		if err := c.fields.SetField(target.field, text); err != nil {
			c.logger.Warn("applying generated text failed", zap.String("key", key), zap.Error(err))
		}
	})
	return nil
}

// Loading reports whether a generation for key is in flight.
func (c *Controller) Loading(key string) bool { return c.augmenter.Loading(key) }

// --- Lifecycle ---

// View is the session snapshot served to the client.
type View struct {
	SubmissionID string                `json:"submission_id"`
	Vertical     model.Vertical        `json:"vertical"`
	Status       model.Status          `json:"status"`
	Step         StepInfo              `json:"step"`
	Steps        []StepInfo            `json:"steps"`
	Attributes   model.Attributes      `json:"attributes"`
	Services     []model.Service       `json:"services"`
	Testimonials []model.Testimonial   `json:"testimonials"`
	Hours        []model.BusinessHours `json:"hours"`
	Saving       bool                  `json:"saving"`
	Loading      []string              `json:"loading"`
	SubmittedAt  *time.Time            `json:"submitted_at,omitempty"`
}

// View returns a point-in-time snapshot of the session.
func (c *Controller) View() View {
	c.mu.RLock()
	sub := c.sub
	c.mu.RUnlock()

	return View{
		SubmissionID: c.id,
		Vertical:     sub.Vertical,
		Status:       sub.Status,
		Step:         StepFor(c.nav.Step()),
		Steps:        Steps,
		Attributes:   c.fields.Snapshot(),
		Services:     c.services.Items(),
		Testimonials: c.testimonials.Items(),
		Hours:        c.hours.Items(),
		Saving:       c.debouncer.Saving(),
		Loading:      c.augmenter.LoadingKeys(),
		SubmittedAt:  sub.SubmittedAt,
	}
}

// Flush writes every buffer to the store: pending field edits and all three
// collections. Errors are joined.
func (c *Controller) Flush(ctx context.Context) error {
	var errs []error
	if err := c.debouncer.FlushNow(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, f := range c.nav.all {
		if err := f.Flush(ctx, c.id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close waits for outstanding generations, flushes every buffer and waits
// for in-flight field flushes.
func (c *Controller) Close(ctx context.Context) error {
	c.augmenter.Wait()
	err := c.Flush(ctx)
	c.debouncer.Wait()
	if err != nil {
		c.logger.Warn("flush on close failed", zap.Error(err))
	}
	return err
}
