package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/intake/internal/observability"
	"github.com/pitabwire/intake/model"
)

// Generator produces text for a prompt in the requested tone.
type Generator interface {
	Generate(ctx context.Context, prompt string, tone model.Tone) (string, error)
}

// Augmenter runs generation requests as a side channel. Each request is keyed
// by the slot it fills; while one is in flight the key reports as loading.
// Requests for different keys run concurrently and complete in any order.
// Duplicate requests for the same key are not suppressed.
type Augmenter struct {
	gen     Generator
	logger  *zap.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	loading map[string]int
	wg      sync.WaitGroup
}

// NewAugmenter creates an Augmenter over gen.
func NewAugmenter(gen Generator, logger *zap.Logger, metrics *observability.Metrics) *Augmenter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Augmenter{
		gen:     gen,
		logger:  logger,
		metrics: metrics,
		loading: make(map[string]int),
	}
}

// Augment marks key as loading and issues one generation request in the
// background. On success apply receives the generated text; on failure the
// error is logged and nothing is applied. The loading flag clears either way.
//
// The request is detached from ctx's cancellation so that closing the
// triggering request does not abort the generation.
func (a *Augmenter) Augment(ctx context.Context, key, prompt string, tone model.Tone, apply func(text string)) {
	a.mu.Lock()
	a.loading[key]++
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.clear(key)

		gctx, span := observability.StartSpan(context.WithoutCancel(ctx), "session.augment",
			observability.AttrAugmentKey.String(key),
		)
		start := time.Now()
		text, err := a.gen.Generate(gctx, prompt, tone)
		observability.EndSpanWithError(span, err)
		a.metrics.RecordGeneration(time.Since(start), err)
		if err != nil {
			a.logger.Warn("augmentation failed",
				zap.String("key", key),
				zap.String("code", model.ErrorCode(err)),
				zap.Error(err),
			)
			return
		}
		apply(text)
	}()
}

func (a *Augmenter) clear(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loading[key] <= 1 {
		delete(a.loading, key)
		return
	}
	a.loading[key]--
}

// Loading reports whether a request for key is in flight.
func (a *Augmenter) Loading(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loading[key] > 0
}

// LoadingKeys returns the keys with requests in flight, sorted.
func (a *Augmenter) LoadingKeys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]string, 0, len(a.loading))
	for k := range a.loading {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Wait blocks until every outstanding request has completed.
func (a *Augmenter) Wait() {
	a.wg.Wait()
}
