package workflow

import (
	"context"

	"github.com/pitabwire/intake/model"
)

// Store is the slice of the record store the engine needs.
type Store interface {
	// Get retrieves a submission by ID. Returns NOT_FOUND for unknown IDs.
	Get(ctx context.Context, id string) (model.Submission, error)

	// UpdateSubmission applies status, submitted_at and attribute changes
	// in one write and bumps updated_at.
	UpdateSubmission(ctx context.Context, id string, patch model.SubmissionPatch) (model.Submission, error)

	// AppendStatusEvent adds an entry to the submission's status history.
	AppendStatusEvent(ctx context.Context, event model.StatusEvent) error
}
