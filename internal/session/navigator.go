package session

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/intake/model"
)

// Transitioner moves a submission to a new status.
type Transitioner interface {
	Transition(ctx context.Context, id string, to model.Status, actor, comment string) (model.Submission, error)
}

// flusher is a collection buffer that can be written back to the store.
type flusher interface {
	Name() model.CollectionName
	Flush(ctx context.Context, submissionID string) error
}

// Navigator drives the step sequence. Leaving a step flushes the collection
// it owns; flush failures are logged and do not block navigation.
type Navigator struct {
	submissionID string
	fields       *Debouncer
	workflow     Transitioner
	logger       *zap.Logger

	owners map[int]flusher
	all    []flusher

	mu   sync.Mutex
	step int
}

// NewNavigator creates a navigator positioned at the first step.
func NewNavigator(submissionID string, fields *Debouncer, workflow Transitioner, logger *zap.Logger, collections ...flusher) *Navigator {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Navigator{
		submissionID: submissionID,
		fields:       fields,
		workflow:     workflow,
		logger:       logger,
		owners:       make(map[int]flusher, len(collections)),
		all:          collections,
		step:         FirstStep,
	}
	for _, c := range collections {
		if step := CollectionStep(c.Name()); step != 0 {
			n.owners[step] = c
		}
	}
	return n
}

// Step returns the current step.
func (n *Navigator) Step() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.step
}

// Next flushes the active step's collection and advances, stopping at the
// last step.
func (n *Navigator) Next(ctx context.Context) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.step == ConfirmationStep {
		return n.step
	}
	n.flushActive(ctx)
	n.step = clampStep(n.step + 1)
	return n.step
}

// Prev flushes the active step's collection and moves back, stopping at the
// first step.
func (n *Navigator) Prev(ctx context.Context) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.step == ConfirmationStep {
		n.step = LastStep
		return n.step
	}
	n.flushActive(ctx)
	n.step = clampStep(n.step - 1)
	return n.step
}

// JumpTo flushes the active step's collection and moves directly to target,
// clamped to the step range. Intervening steps are not checked.
func (n *Navigator) JumpTo(ctx context.Context, target int) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.step != ConfirmationStep {
		n.flushActive(ctx)
	}
	n.step = clampStep(target)
	return n.step
}

func (n *Navigator) flushActive(ctx context.Context) {
	c, ok := n.owners[n.step]
	if !ok {
		return
	}
	if err := c.Flush(ctx, n.submissionID); err != nil {
		n.logger.Warn("collection flush failed",
			zap.String("submission_id", n.submissionID),
			zap.String("collection", string(c.Name())),
			zap.Int("step", n.step),
			zap.Error(err),
		)
	}
}

// Submit is only available on the last step. It flushes every collection and
// any pending field edits, requests the submitted status and moves to the
// confirmation step. If any write fails the step is left unchanged and the
// error is returned so the client can retry.
func (n *Navigator) Submit(ctx context.Context) (model.Submission, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.step != LastStep {
		return model.Submission{}, model.NewBadRequestError("submit is only available from the review step")
	}

	var errs []error
	for _, c := range n.all {
		if err := c.Flush(ctx, n.submissionID); err != nil {
			errs = append(errs, err)
		}
	}
	if n.fields != nil {
		if err := n.fields.FlushNow(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		n.logger.Warn("submit aborted: flush failed",
			zap.String("submission_id", n.submissionID),
			zap.Error(err),
		)
		return model.Submission{}, err
	}

	sub, err := n.workflow.Transition(ctx, n.submissionID, model.StatusSubmitted, string(model.ChannelClient), "")
	if err != nil {
		return model.Submission{}, err
	}
	n.step = ConfirmationStep
	return sub, nil
}
