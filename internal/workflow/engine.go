// Package workflow moves submissions through their review/build/publish
// lifecycle and keeps the status history.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/intake/internal/observability"
	"github.com/pitabwire/intake/model"
)

// QuickActionCount is how many forward states the operator view offers.
const QuickActionCount = 3

// Request is one status change. Attributes, when set, are written in the
// same store update as the status.
type Request struct {
	To         model.Status
	Actor      string
	Comment    string
	Attributes model.Attributes
}

// Engine applies status transitions.
type Engine struct {
	store   Store
	policy  Policy
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewEngine creates a new workflow engine.
func NewEngine(store Store, policy Policy, logger *zap.Logger, metrics *observability.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == "" {
		policy = PolicyPermissive
	}
	return &Engine{
		store:   store,
		policy:  policy,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Policy returns the active transition policy.
func (e *Engine) Policy() Policy { return e.policy }

// Transition moves submission id to status to.
func (e *Engine) Transition(ctx context.Context, id string, to model.Status, actor, comment string) (model.Submission, error) {
	return e.Apply(ctx, id, Request{To: to, Actor: actor, Comment: comment})
}

// Apply performs a status change.
//
// The status, updated_at, submitted_at (on the first entry into submitted)
// and any attribute changes are persisted in one store update. The history
// entry is appended afterwards; a failure there is logged and does not undo
// the transition.
func (e *Engine) Apply(ctx context.Context, id string, req Request) (model.Submission, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.transition",
		observability.AttrSubmissionID.String(id),
		observability.AttrStatusTo.String(string(req.To)),
	)
	sub, err := e.apply(ctx, id, req)
	observability.EndSpanWithError(span, err)
	return sub, err
}

func (e *Engine) apply(ctx context.Context, id string, req Request) (model.Submission, error) {
	// 1. Validate target.
	if !req.To.Valid() {
		return model.Submission{}, model.NewBadRequestError(fmt.Sprintf("unknown status %q", req.To))
	}

	// 2. Load current state.
	current, err := e.store.Get(ctx, id)
	if err != nil {
		return model.Submission{}, err
	}
	from := current.Status

	// 3. Check policy.
	if !e.policy.Allows(from, req.To) {
		return model.Submission{}, model.NewInvalidTransitionError(
			fmt.Sprintf("cannot move from %s to %s under the %s policy", from, req.To, e.policy),
		)
	}

	// 4. Persist status with any field changes.
	now := e.now()
	to := req.To
	patch := model.SubmissionPatch{Attributes: req.Attributes, Status: &to}
	if to == model.StatusSubmitted && current.SubmittedAt == nil {
		patch.SubmittedAt = &now
	}
	updated, err := e.store.UpdateSubmission(ctx, id, patch)
	if err != nil {
		return model.Submission{}, fmt.Errorf("update status: %w", err)
	}

	// 5. Append history.
	actor := req.Actor
	if actor == "" {
		actor = string(model.ChannelSystem)
	}
	event := model.StatusEvent{
		ID:           uuid.New().String(),
		SubmissionID: id,
		From:         from,
		To:           to,
		Actor:        actor,
		Comment:      req.Comment,
		Timestamp:    now,
	}
	if err := e.store.AppendStatusEvent(ctx, event); err != nil {
		e.logger.Error("status history append failed",
			zap.String("submission_id", id),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Error(err),
		)
	}

	e.metrics.RecordStatusTransition(string(from), string(to))
	e.logger.Info("submission status changed",
		zap.String("submission_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", actor),
	)
	return updated, nil
}

// QuickActions returns the forward states offered as one-click actions for
// a submission in status s, filtered by the policy.
func (e *Engine) QuickActions(s model.Status) []model.Status {
	var out []model.Status
	for _, to := range ForwardStates(s, QuickActionCount) {
		if e.policy.Allows(s, to) {
			out = append(out, to)
		}
	}
	return out
}

// Targets returns every state a submission in status s may move to.
func (e *Engine) Targets(s model.Status) []model.Status {
	return e.policy.Targets(s)
}
