// Package operator backs the operator dashboard: the submission list with
// headline counts, the detail view and the site-build stub.
package operator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/intake/internal/observability"
	"github.com/pitabwire/intake/internal/store"
	"github.com/pitabwire/intake/internal/workflow"
	"github.com/pitabwire/intake/model"
)

// BuildProvider names the site builder recorded on build logs.
const BuildProvider = "duda"

// buildNotConfigured is the build-log message written by the stub.
const buildNotConfigured = "site builder integration not configured"

// Counts are the dashboard headline numbers.
type Counts struct {
	Total      int `json:"total"`
	Submitted  int `json:"submitted"`
	InProgress int `json:"in_progress"`
	Published  int `json:"published"`
}

// CountsFrom folds per-status counts into the headline numbers. In
// progress covers building and ready_for_qc.
func CountsFrom(byStatus map[model.Status]int) Counts {
	var c Counts
	for s, n := range byStatus {
		c.Total += n
		switch s {
		case model.StatusSubmitted:
			c.Submitted += n
		case model.StatusBuilding, model.StatusReadyForQC:
			c.InProgress += n
		case model.StatusPublished:
			c.Published += n
		}
	}
	return c
}

// Listing is one page of the dashboard.
type Listing struct {
	Submissions []model.SubmissionSummary `json:"submissions"`
	Counts      Counts                    `json:"counts"`
}

// Detail is the operator view of one submission.
type Detail struct {
	model.FullSubmission
	QuickActions []model.Status `json:"quick_actions"`
	Targets      []model.Status `json:"targets"`
}

// Dashboard serves operator reads and writes.
type Dashboard struct {
	store  store.RecordStore
	engine *workflow.Engine
	logger *zap.Logger
	now    func() time.Time
}

// NewDashboard creates a dashboard over the record store and workflow engine.
func NewDashboard(rs store.RecordStore, engine *workflow.Engine, logger *zap.Logger) *Dashboard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dashboard{
		store:  rs,
		engine: engine,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// List returns submissions matching filters, newest first, with counts
// taken over every submission regardless of filters.
func (d *Dashboard) List(ctx context.Context, filters model.SubmissionFilters) (Listing, error) {
	if filters.Status != "" && !filters.Status.Valid() {
		return Listing{}, model.NewBadRequestError(fmt.Sprintf("unknown status %q", filters.Status))
	}
	rows, err := d.store.List(ctx, filters)
	if err != nil {
		return Listing{}, fmt.Errorf("list submissions: %w", err)
	}
	byStatus, err := d.store.CountByStatus(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("count submissions: %w", err)
	}
	if rows == nil {
		rows = []model.SubmissionSummary{}
	}
	return Listing{Submissions: rows, Counts: CountsFrom(byStatus)}, nil
}

// Detail loads the full aggregate with the transitions on offer.
func (d *Dashboard) Detail(ctx context.Context, id string) (Detail, error) {
	full, err := d.store.GetFull(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	return Detail{
		FullSubmission: full,
		QuickActions:   d.engine.QuickActions(full.Status),
		Targets:        d.engine.Targets(full.Status),
	}, nil
}

// Transition requests a status change on behalf of the operator. The
// actor is taken from the request context.
func (d *Dashboard) Transition(ctx context.Context, id string, to model.Status, comment string) (model.Submission, error) {
	return d.engine.Transition(ctx, id, to, model.RequestContextFrom(ctx).ActorLabel(), comment)
}

// Build is the site-build stub. It requests building straight away and
// records a skipped build-log entry.
func (d *Dashboard) Build(ctx context.Context, id string) (model.Submission, error) {
	rctx := model.RequestContextFrom(ctx)
	sub, err := d.engine.Transition(ctx, id, model.StatusBuilding, rctx.ActorLabel(), "build requested")
	if err != nil {
		return model.Submission{}, err
	}

	now := d.now()
	entry := model.BuildLog{
		ID:           uuid.New().String(),
		SubmissionID: id,
		Provider:     BuildProvider,
		Status:       model.BuildStatusSkipped,
		Message:      buildNotConfigured,
		StartedAt:    now,
		FinishedAt:   &now,
	}
	if err := d.store.AppendBuildLog(ctx, entry); err != nil {
		observability.RequestLogger(ctx, d.logger).Error("build log append failed",
			zap.String("submission_id", id),
			zap.Error(err),
		)
		return sub, nil
	}
	observability.RequestLogger(ctx, d.logger).Info("site build requested",
		zap.String("submission_id", id),
		zap.String("provider", BuildProvider),
		zap.String("build_status", entry.Status),
	)
	return sub, nil
}
