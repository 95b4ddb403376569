// Package store persists submissions, their child collections, status history
// and build logs. Memory, PostgreSQL, SQLite and MongoDB implementations share
// the RecordStore contract.
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/pitabwire/intake/model"
)

// AnyVersion disables the version guard on ReplaceCollection.
const AnyVersion = -1

// RecordStore is the durable owner of submission state.
type RecordStore interface {
	// CreateSubmission persists a new draft submission with a fresh access
	// token.
	CreateSubmission(ctx context.Context, vertical model.Vertical) (model.Submission, error)

	// GetByToken resolves an access token. Returns NOT_FOUND for unknown
	// tokens.
	GetByToken(ctx context.Context, token string) (model.Submission, error)

	// Get retrieves a submission by internal ID.
	Get(ctx context.Context, id string) (model.Submission, error)

	// UpdateSubmission applies a patch and bumps updated_at in one write.
	UpdateSubmission(ctx context.Context, id string, patch model.SubmissionPatch) (model.Submission, error)

	// GetCollections loads the three child collections ordered by position.
	GetCollections(ctx context.Context, id string) (model.Collections, error)

	// ReplaceCollection deletes every stored record of the named collection
	// and inserts records in order, positions taken from the slice index.
	// When expectedVersion is not AnyVersion and differs from the stored
	// counter, CONFLICT is returned and nothing changes. Returns the new
	// version.
	ReplaceCollection(ctx context.Context, id string, name model.CollectionName, records []model.Record, expectedVersion int) (int, error)

	// GetFull loads the whole aggregate for the operator view.
	GetFull(ctx context.Context, id string) (model.FullSubmission, error)

	// List returns summaries matching filters, newest first.
	List(ctx context.Context, filters model.SubmissionFilters) ([]model.SubmissionSummary, error)

	// CountByStatus returns the number of submissions in each status.
	CountByStatus(ctx context.Context) (map[model.Status]int, error)

	// AppendStatusEvent adds an entry to a submission's status history.
	AppendStatusEvent(ctx context.Context, event model.StatusEvent) error

	// AppendBuildLog records a build request.
	AppendBuildLog(ctx context.Context, entry model.BuildLog) error

	// HealthCheck verifies the backing store is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// NewAccessToken returns 32 random bytes, hex encoded.
func NewAccessToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate access token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func notFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("submission %q not found", id))
}

func versionConflict(id string, name model.CollectionName, expected, actual int) error {
	return model.NewConflictError(fmt.Sprintf(
		"collection %s of submission %q changed (expected version %d, found %d)",
		name, id, expected, actual,
	))
}

func checkRecords(name model.CollectionName, records []model.Record) error {
	for i, rec := range records {
		if rec == nil || rec.Collection() != name {
			return model.NewBadRequestError(fmt.Sprintf("record %d does not belong to collection %s", i, name))
		}
	}
	return nil
}
