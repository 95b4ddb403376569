package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/intake/model"
)

//go:embed schema/postgres.sql
var postgresSchema string

const pgSubmissionColumns = `id::text, access_token, vertical, status, attributes, created_at, updated_at, submitted_at`

// PgStore is a PostgreSQL-backed RecordStore using pgx/v5. Attributes live
// in a JSONB column and are patched with the || operator; collection
// replaces run in a single transaction.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a store over an existing pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

// CreateSubmission inserts a new draft submission.
func (s *PgStore) CreateSubmission(ctx context.Context, vertical model.Vertical) (model.Submission, error) {
	token, err := NewAccessToken()
	if err != nil {
		return model.Submission{}, err
	}
	sub := model.NewSubmission(uuid.New().String(), token, vertical, time.Now().UTC())

	attrs, err := json.Marshal(sub.Attributes)
	if err != nil {
		return model.Submission{}, fmt.Errorf("marshal attributes: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO submissions (id, access_token, vertical, status, attributes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.AccessToken, string(sub.Vertical), string(sub.Status), attrs, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return model.Submission{}, fmt.Errorf("insert submission: %w", err)
	}
	return sub, nil
}

// GetByToken resolves an access token.
func (s *PgStore) GetByToken(ctx context.Context, token string) (model.Submission, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgSubmissionColumns+` FROM submissions WHERE access_token = $1`, token)
	sub, err := scanSubmission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Submission{}, model.NewNotFoundError("no submission for this access token")
	}
	if err != nil {
		return model.Submission{}, fmt.Errorf("query submission by token: %w", err)
	}
	return sub, nil
}

// Get retrieves a submission by ID.
func (s *PgStore) Get(ctx context.Context, id string) (model.Submission, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Submission{}, notFound(id)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+pgSubmissionColumns+` FROM submissions WHERE id = $1`, id)
	sub, err := scanSubmission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Submission{}, notFound(id)
	}
	if err != nil {
		return model.Submission{}, fmt.Errorf("query submission: %w", err)
	}
	return sub, nil
}

// UpdateSubmission merges the attribute patch into the JSONB column and
// applies status and submitted_at in the same statement.
func (s *PgStore) UpdateSubmission(ctx context.Context, id string, patch model.SubmissionPatch) (model.Submission, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Submission{}, notFound(id)
	}
	attrs, err := json.Marshal(patch.Attributes)
	if err != nil {
		return model.Submission{}, fmt.Errorf("marshal attributes: %w", err)
	}
	var status *string
	if patch.Status != nil {
		v := string(*patch.Status)
		status = &v
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE submissions SET
			attributes   = attributes || $2::jsonb,
			status       = COALESCE($3, status),
			submitted_at = COALESCE(submitted_at, $4),
			updated_at   = $5
		WHERE id = $1
		RETURNING `+pgSubmissionColumns,
		id, attrs, status, patch.SubmittedAt, time.Now().UTC(),
	)
	sub, err := scanSubmission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Submission{}, notFound(id)
	}
	if err != nil {
		return model.Submission{}, fmt.Errorf("update submission: %w", err)
	}
	return sub, nil
}

// GetCollections loads the child collections ordered by position.
func (s *PgStore) GetCollections(ctx context.Context, id string) (model.Collections, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return model.Collections{}, err
	}
	return s.loadCollections(ctx, id)
}

func (s *PgStore) loadCollections(ctx context.Context, id string) (model.Collections, error) {
	cols := model.Collections{Versions: map[model.CollectionName]int{}}

	rows, err := s.pool.Query(ctx, `
		SELECT id::text, collection, position, data
		FROM collection_records
		WHERE submission_id = $1
		ORDER BY collection, position`, id)
	if err != nil {
		return cols, fmt.Errorf("query collection records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			recID, name string
			position    int
			data        []byte
		)
		if err := rows.Scan(&recID, &name, &position, &data); err != nil {
			return cols, fmt.Errorf("scan collection record: %w", err)
		}
		rec, err := model.DecodeRecord(model.CollectionName(name), data)
		if err != nil {
			return cols, err
		}
		cols.Add(rec.WithIdentity(recID, position))
	}
	if err := rows.Err(); err != nil {
		return cols, fmt.Errorf("iterate collection records: %w", err)
	}

	vrows, err := s.pool.Query(ctx, `SELECT collection, version FROM collection_versions WHERE submission_id = $1`, id)
	if err != nil {
		return cols, fmt.Errorf("query collection versions: %w", err)
	}
	defer vrows.Close()
	for vrows.Next() {
		var (
			name    string
			version int
		)
		if err := vrows.Scan(&name, &version); err != nil {
			return cols, fmt.Errorf("scan collection version: %w", err)
		}
		cols.Versions[model.CollectionName(name)] = version
	}
	return cols, vrows.Err()
}

// ReplaceCollection deletes and re-inserts the collection inside one
// transaction, guarded by the per-collection version row.
func (s *PgStore) ReplaceCollection(ctx context.Context, id string, name model.CollectionName, records []model.Record, expectedVersion int) (int, error) {
	if err := checkRecords(name, records); err != nil {
		return 0, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return 0, notFound(id)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the owning submission row and bump updated_at.
	tag, err := tx.Exec(ctx, `UPDATE submissions SET updated_at = $2 WHERE id = $1`, id, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("touch submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, notFound(id)
	}

	// 2. Version guard.
	var current int
	err = tx.QueryRow(ctx, `
		SELECT version FROM collection_versions
		WHERE submission_id = $1 AND collection = $2
		FOR UPDATE`, id, string(name)).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("read collection version: %w", err)
	}
	if expectedVersion != AnyVersion && expectedVersion != current {
		return 0, versionConflict(id, name, expectedVersion, current)
	}

	// 3. Delete then insert.
	if _, err := tx.Exec(ctx, `DELETE FROM collection_records WHERE submission_id = $1 AND collection = $2`, id, string(name)); err != nil {
		return 0, fmt.Errorf("delete collection records: %w", err)
	}
	if len(records) > 0 {
		batch := &pgx.Batch{}
		for i, rec := range records {
			data, err := json.Marshal(rec.WithIdentity("", i))
			if err != nil {
				return 0, fmt.Errorf("marshal record %d: %w", i, err)
			}
			batch.Queue(`
				INSERT INTO collection_records (id, submission_id, collection, position, data)
				VALUES ($1, $2, $3, $4, $5::jsonb)`,
				uuid.New().String(), id, string(name), i, data)
		}
		br := tx.SendBatch(ctx, batch)
		for i := range records {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return 0, fmt.Errorf("insert record %d: %w", i, err)
			}
		}
		if err := br.Close(); err != nil {
			return 0, fmt.Errorf("insert collection records: %w", err)
		}
	}

	// 4. Advance the version.
	var next int
	err = tx.QueryRow(ctx, `
		INSERT INTO collection_versions (submission_id, collection, version)
		VALUES ($1, $2, 1)
		ON CONFLICT (submission_id, collection)
		DO UPDATE SET version = collection_versions.version + 1
		RETURNING version`, id, string(name)).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("advance collection version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit replace: %w", err)
	}
	return next, nil
}

// GetFull loads the whole aggregate.
func (s *PgStore) GetFull(ctx context.Context, id string) (model.FullSubmission, error) {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return model.FullSubmission{}, err
	}
	cols, err := s.loadCollections(ctx, id)
	if err != nil {
		return model.FullSubmission{}, err
	}
	full := model.FullSubmission{Submission: sub, Collections: cols}

	rows, err := s.pool.Query(ctx, `
		SELECT id::text, from_status, to_status, actor, comment, created_at
		FROM status_events WHERE submission_id = $1
		ORDER BY created_at`, id)
	if err != nil {
		return model.FullSubmission{}, fmt.Errorf("query status events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			ev       model.StatusEvent
			from, to string
		)
		if err := rows.Scan(&ev.ID, &from, &to, &ev.Actor, &ev.Comment, &ev.Timestamp); err != nil {
			return model.FullSubmission{}, fmt.Errorf("scan status event: %w", err)
		}
		ev.SubmissionID, ev.From, ev.To = id, model.Status(from), model.Status(to)
		full.History = append(full.History, ev)
	}
	if err := rows.Err(); err != nil {
		return model.FullSubmission{}, fmt.Errorf("iterate status events: %w", err)
	}

	lrows, err := s.pool.Query(ctx, `
		SELECT id::text, provider, status, message, started_at, finished_at
		FROM build_logs WHERE submission_id = $1
		ORDER BY started_at DESC`, id)
	if err != nil {
		return model.FullSubmission{}, fmt.Errorf("query build logs: %w", err)
	}
	defer lrows.Close()
	for lrows.Next() {
		entry := model.BuildLog{SubmissionID: id}
		if err := lrows.Scan(&entry.ID, &entry.Provider, &entry.Status, &entry.Message, &entry.StartedAt, &entry.FinishedAt); err != nil {
			return model.FullSubmission{}, fmt.Errorf("scan build log: %w", err)
		}
		full.BuildLogs = append(full.BuildLogs, entry)
	}
	return full, lrows.Err()
}

// List returns summaries matching filters, newest first.
func (s *PgStore) List(ctx context.Context, filters model.SubmissionFilters) ([]model.SubmissionSummary, error) {
	var (
		where []string
		args  []any
	)
	if filters.Status != "" {
		args = append(args, string(filters.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if q := strings.TrimSpace(filters.Search); q != "" {
		args = append(args, "%"+q+"%")
		where = append(where, fmt.Sprintf(
			"(attributes->>'business_name' ILIKE $%d OR attributes->>'email' ILIKE $%d)", len(args), len(args)))
	}

	query := `SELECT ` + pgSubmissionColumns + ` FROM submissions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filters.Limit > 0 {
		args = append(args, filters.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var result []model.SubmissionSummary
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		result = append(result, model.Summarize(sub))
	}
	return result, rows.Err()
}

// CountByStatus counts submissions per status.
func (s *PgStore) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM submissions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count submissions: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[model.Status(status)] = n
	}
	return counts, rows.Err()
}

// AppendStatusEvent adds an event to the status history.
func (s *PgStore) AppendStatusEvent(ctx context.Context, event model.StatusEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO status_events (id, submission_id, from_status, to_status, actor, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.SubmissionID, string(event.From), string(event.To), event.Actor, event.Comment, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert status event: %w", err)
	}
	return nil
}

// AppendBuildLog records a build request.
func (s *PgStore) AppendBuildLog(ctx context.Context, entry model.BuildLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO build_logs (id, submission_id, provider, status, message, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.SubmissionID, entry.Provider, entry.Status, entry.Message, entry.StartedAt, entry.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert build log: %w", err)
	}
	return nil
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

func scanSubmission(row pgx.Row) (model.Submission, error) {
	var (
		sub              model.Submission
		vertical, status string
		attrs            []byte
	)
	err := row.Scan(&sub.ID, &sub.AccessToken, &vertical, &status, &attrs,
		&sub.CreatedAt, &sub.UpdatedAt, &sub.SubmittedAt)
	if err != nil {
		return model.Submission{}, err
	}
	sub.Vertical, sub.Status = model.Vertical(vertical), model.Status(status)
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &sub.Attributes); err != nil {
			return model.Submission{}, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}
	return sub, nil
}
