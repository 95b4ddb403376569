package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/intake/internal/observability"
	"github.com/pitabwire/intake/model"
)

// Default debounce timings.
const (
	DefaultDebounceInterval = time.Second
	DefaultSavingIndicator  = 800 * time.Millisecond
)

// FlushFunc persists an accumulated attribute delta.
type FlushFunc func(ctx context.Context, delta model.Attributes) error

// Debouncer coalesces attribute edits for one session. Every Queue call
// resets a single timer; when it fires, the whole delta accumulated since the
// previous flush is handed to the flush function and the buffer is cleared.
//
// Flushes are not serialised: an edit made while a flush is in flight starts
// a new timer and produces a second, independent flush. Failures are logged
// and dropped; the next edit schedules a new attempt.
type Debouncer struct {
	clock     Clock
	interval  time.Duration
	indicator time.Duration
	flush     FlushFunc
	logger    *zap.Logger
	metrics   *observability.Metrics

	mu         sync.Mutex
	pending    model.Attributes
	hasPending bool
	timer      Timer
	generation uint64
	inFlight   int
	lastStart  time.Time
	wg         sync.WaitGroup
}

// DebouncerOption configures a Debouncer.
type DebouncerOption func(*Debouncer)

// WithInterval sets the quiet period before a flush.
func WithInterval(d time.Duration) DebouncerOption {
	return func(db *Debouncer) {
		if d > 0 {
			db.interval = d
		}
	}
}

// WithSavingIndicator sets how long Saving reports true after a flush starts.
func WithSavingIndicator(d time.Duration) DebouncerOption {
	return func(db *Debouncer) {
		if d >= 0 {
			db.indicator = d
		}
	}
}

// WithClock sets the time source.
func WithClock(c Clock) DebouncerOption {
	return func(db *Debouncer) { db.clock = c }
}

// WithDebounceMetrics attaches metrics.
func WithDebounceMetrics(m *observability.Metrics) DebouncerOption {
	return func(db *Debouncer) { db.metrics = m }
}

// NewDebouncer creates a Debouncer that flushes through fn.
func NewDebouncer(fn FlushFunc, logger *zap.Logger, opts ...DebouncerOption) *Debouncer {
	db := &Debouncer{
		clock:     RealClock(),
		interval:  DefaultDebounceInterval,
		indicator: DefaultSavingIndicator,
		flush:     fn,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(db)
	}
	if db.logger == nil {
		db.logger = zap.NewNop()
	}
	return db
}

// Queue merges delta into the pending buffer and restarts the quiet period.
func (d *Debouncer) Queue(delta model.Attributes) {
	if delta.IsZero() {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending = d.pending.Merge(delta)
	d.hasPending = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.generation++
	gen := d.generation
	d.timer = d.clock.AfterFunc(d.interval, func() { d.fire(gen) })
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.generation || !d.hasPending {
		// Superseded by a later Queue or drained by FlushNow.
		d.mu.Unlock()
		return
	}
	delta := d.take()
	d.mu.Unlock()

	go func() {
		defer d.done()
		if err := d.run(context.Background(), delta); err != nil {
			d.logger.Warn("debounced flush failed",
				zap.Strings("fields", delta.FieldNames()),
				zap.Error(err),
			)
		}
	}()
}

// take drains the buffer and marks a flush as started. Caller holds mu.
func (d *Debouncer) take() model.Attributes {
	delta := d.pending
	d.pending = model.Attributes{}
	d.hasPending = false
	d.timer = nil
	d.inFlight++
	d.lastStart = d.clock.Now()
	d.wg.Add(1)
	return delta
}

func (d *Debouncer) done() {
	d.mu.Lock()
	d.inFlight--
	d.mu.Unlock()
	d.wg.Done()
}

func (d *Debouncer) run(ctx context.Context, delta model.Attributes) error {
	ctx, span := observability.StartSpan(ctx, "session.field_flush")
	start := time.Now()
	err := d.flush(ctx, delta)
	observability.EndSpanWithError(span, err)
	d.metrics.RecordFlush("fields", time.Since(start), err)
	return err
}

// FlushNow cancels the pending timer and flushes the buffer synchronously.
// It is a no-op when nothing is pending.
func (d *Debouncer) FlushNow(ctx context.Context) error {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.generation++
	if !d.hasPending {
		d.timer = nil
		d.mu.Unlock()
		return nil
	}
	delta := d.take()
	d.mu.Unlock()

	defer d.done()
	return d.run(ctx, delta)
}

// Pending reports whether edits are waiting for the timer.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasPending
}

// Saving reports whether a flush is in flight or started within the
// indicator window.
func (d *Debouncer) Saving() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight > 0 {
		return true
	}
	if d.lastStart.IsZero() {
		return false
	}
	return d.clock.Now().Before(d.lastStart.Add(d.indicator))
}

// Wait blocks until every started flush has completed.
func (d *Debouncer) Wait() {
	d.wg.Wait()
}
