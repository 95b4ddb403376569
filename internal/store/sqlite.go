package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/pitabwire/intake/model"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// Fixed-width UTC layout so TEXT columns sort chronologically.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

const sqliteSubmissionColumns = `id, access_token, vertical, status, attributes, created_at, updated_at, submitted_at`

// SQLiteStore is a single-file RecordStore on modernc.org/sqlite. Attributes
// are stored as a JSON document and patched with json_patch.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens or creates a database at path. ":memory:" opens a
// private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection keeps ":memory:" a single database and serialises writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		return err
	}
	_, err := s.db.Exec(sqliteSchema)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(sqliteTime, v)
	if err != nil {
		return time.Parse(time.RFC3339Nano, v)
	}
	return t, nil
}

func formatOptionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// CreateSubmission inserts a new draft submission.
func (s *SQLiteStore) CreateSubmission(ctx context.Context, vertical model.Vertical) (model.Submission, error) {
	token, err := NewAccessToken()
	if err != nil {
		return model.Submission{}, err
	}
	sub := model.NewSubmission(ulid.Make().String(), token, vertical, s.now())

	attrs, err := json.Marshal(sub.Attributes)
	if err != nil {
		return model.Submission{}, fmt.Errorf("marshal attributes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO submissions (id, access_token, vertical, status, attributes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.AccessToken, string(sub.Vertical), string(sub.Status), string(attrs),
		formatTime(sub.CreatedAt), formatTime(sub.UpdatedAt),
	)
	if err != nil {
		return model.Submission{}, fmt.Errorf("insert submission: %w", err)
	}
	return sub, nil
}

// GetByToken resolves an access token.
func (s *SQLiteStore) GetByToken(ctx context.Context, token string) (model.Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteSubmissionColumns+` FROM submissions WHERE access_token = ?`, token)
	sub, err := scanSQLiteSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Submission{}, model.NewNotFoundError("no submission for this access token")
	}
	if err != nil {
		return model.Submission{}, fmt.Errorf("query submission by token: %w", err)
	}
	return sub, nil
}

// Get retrieves a submission by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (model.Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteSubmissionColumns+` FROM submissions WHERE id = ?`, id)
	sub, err := scanSQLiteSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Submission{}, notFound(id)
	}
	if err != nil {
		return model.Submission{}, fmt.Errorf("query submission: %w", err)
	}
	return sub, nil
}

// UpdateSubmission merges the attribute patch with json_patch and applies
// status and submitted_at in the same statement.
func (s *SQLiteStore) UpdateSubmission(ctx context.Context, id string, patch model.SubmissionPatch) (model.Submission, error) {
	attrs, err := json.Marshal(patch.Attributes)
	if err != nil {
		return model.Submission{}, fmt.Errorf("marshal attributes: %w", err)
	}
	var status any
	if patch.Status != nil {
		status = string(*patch.Status)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE submissions SET
			attributes   = json_patch(attributes, ?),
			status       = COALESCE(?, status),
			submitted_at = COALESCE(submitted_at, ?),
			updated_at   = ?
		WHERE id = ?`,
		string(attrs), status, formatOptionalTime(patch.SubmittedAt), formatTime(s.now()), id,
	)
	if err != nil {
		return model.Submission{}, fmt.Errorf("update submission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Submission{}, notFound(id)
	}
	return s.Get(ctx, id)
}

// GetCollections loads the child collections ordered by position.
func (s *SQLiteStore) GetCollections(ctx context.Context, id string) (model.Collections, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return model.Collections{}, err
	}
	return s.loadCollections(ctx, id)
}

func (s *SQLiteStore) loadCollections(ctx context.Context, id string) (model.Collections, error) {
	cols := model.Collections{Versions: map[model.CollectionName]int{}}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, collection, position, data
		FROM collection_records
		WHERE submission_id = ?
		ORDER BY collection, position`, id)
	if err != nil {
		return cols, fmt.Errorf("query collection records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			recID, name, data string
			position          int
		)
		if err := rows.Scan(&recID, &name, &position, &data); err != nil {
			return cols, fmt.Errorf("scan collection record: %w", err)
		}
		rec, err := model.DecodeRecord(model.CollectionName(name), []byte(data))
		if err != nil {
			return cols, err
		}
		cols.Add(rec.WithIdentity(recID, position))
	}
	if err := rows.Err(); err != nil {
		return cols, fmt.Errorf("iterate collection records: %w", err)
	}
	rows.Close()

	vrows, err := s.db.QueryContext(ctx, `SELECT collection, version FROM collection_versions WHERE submission_id = ?`, id)
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

// ReplaceCollection deletes and re-inserts the collection in one
// transaction, guarded by the per-collection version row.
func (s *SQLiteStore) ReplaceCollection(ctx context.Context, id string, name model.CollectionName, records []model.Record, expectedVersion int) (int, error) {
	if err := checkRecords(name, records); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE submissions SET updated_at = ? WHERE id = ?`, formatTime(s.now()), id)
	if err != nil {
		return 0, fmt.Errorf("touch submission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, notFound(id)
	}

	var current int
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM collection_versions WHERE submission_id = ? AND collection = ?`,
		id, string(name)).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("read collection version: %w", err)
	}
	if expectedVersion != AnyVersion && expectedVersion != current {
		return 0, versionConflict(id, name, expectedVersion, current)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM collection_records WHERE submission_id = ? AND collection = ?`, id, string(name)); err != nil {
		return 0, fmt.Errorf("delete collection records: %w", err)
	}

	if len(records) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO collection_records (id, submission_id, collection, position, data)
			VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return 0, fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()
		for i, rec := range records {
			data, err := json.Marshal(rec.WithIdentity("", i))
			if err != nil {
				return 0, fmt.Errorf("marshal record %d: %w", i, err)
			}
			if _, err := stmt.ExecContext(ctx, ulid.Make().String(), id, string(name), i, string(data)); err != nil {
				return 0, fmt.Errorf("insert record %d: %w", i, err)
			}
		}
	}

	next := current + 1
	_, err = tx.ExecContext(ctx, `
		INSERT INTO collection_versions (submission_id, collection, version)
		VALUES (?, ?, ?)
		ON CONFLICT (submission_id, collection) DO UPDATE SET version = excluded.version`,
		id, string(name), next)
	if err != nil {
		return 0, fmt.Errorf("advance collection version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit replace: %w", err)
	}
	return next, nil
}

// GetFull loads the whole aggregate.
func (s *SQLiteStore) GetFull(ctx context.Context, id string) (model.FullSubmission, error) {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return model.FullSubmission{}, err
	}
	cols, err := s.loadCollections(ctx, id)
	if err != nil {
		return model.FullSubmission{}, err
	}
	full := model.FullSubmission{Submission: sub, Collections: cols}

	if full.History, err = s.statusEvents(ctx, id); err != nil {
		return model.FullSubmission{}, err
	}
	if full.BuildLogs, err = s.buildLogs(ctx, id); err != nil {
		return model.FullSubmission{}, err
	}
	return full, nil
}

func (s *SQLiteStore) statusEvents(ctx context.Context, id string) ([]model.StatusEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_status, to_status, actor, comment, created_at
		FROM status_events WHERE submission_id = ?
		ORDER BY created_at, rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("query status events: %w", err)
	}
	defer rows.Close()

	var events []model.StatusEvent
	for rows.Next() {
		var (
			ev                model.StatusEvent
			from, to, created string
		)
		if err := rows.Scan(&ev.ID, &from, &to, &ev.Actor, &ev.Comment, &created); err != nil {
			return nil, fmt.Errorf("scan status event: %w", err)
		}
		if ev.Timestamp, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse event time: %w", err)
		}
		ev.SubmissionID, ev.From, ev.To = id, model.Status(from), model.Status(to)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) buildLogs(ctx context.Context, id string) ([]model.BuildLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, status, message, started_at, finished_at
		FROM build_logs WHERE submission_id = ?
		ORDER BY started_at DESC, rowid DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("query build logs: %w", err)
	}
	defer rows.Close()

	var logs []model.BuildLog
	for rows.Next() {
		var (
			entry    = model.BuildLog{SubmissionID: id}
			started  string
			finished sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.Provider, &entry.Status, &entry.Message, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan build log: %w", err)
		}
		if entry.StartedAt, err = parseTime(started); err != nil {
			return nil, fmt.Errorf("parse build start: %w", err)
		}
		if finished.Valid {
			t, err := parseTime(finished.String)
			if err != nil {
				return nil, fmt.Errorf("parse build finish: %w", err)
			}
			entry.FinishedAt = &t
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// List returns summaries matching filters, newest first.
func (s *SQLiteStore) List(ctx context.Context, filters model.SubmissionFilters) ([]model.SubmissionSummary, error) {
	var (
		where []string
		args  []any
	)
	if filters.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filters.Status))
	}
	if q := strings.TrimSpace(filters.Search); q != "" {
		where = append(where, "(json_extract(attributes, '$.business_name') LIKE ? OR json_extract(attributes, '$.email') LIKE ?)")
		args = append(args, "%"+q+"%", "%"+q+"%")
	}

	query := `SELECT ` + sqliteSubmissionColumns + ` FROM submissions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filters.Limit > 0 || filters.Offset > 0 {
		limit := filters.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, filters.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var result []model.SubmissionSummary
	for rows.Next() {
		sub, err := scanSQLiteSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		result = append(result, model.Summarize(sub))
	}
	return result, rows.Err()
}

// CountByStatus counts submissions per status.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM submissions GROUP BY status`)
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
func (s *SQLiteStore) AppendStatusEvent(ctx context.Context, event model.StatusEvent) error {
	if _, err := s.Get(ctx, event.SubmissionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO status_events (id, submission_id, from_status, to_status, actor, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.SubmissionID, string(event.From), string(event.To), event.Actor, event.Comment,
		formatTime(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert status event: %w", err)
	}
	return nil
}

// AppendBuildLog records a build request.
func (s *SQLiteStore) AppendBuildLog(ctx context.Context, entry model.BuildLog) error {
	if _, err := s.Get(ctx, entry.SubmissionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO build_logs (id, submission_id, provider, status, message, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.SubmissionID, entry.Provider, string(entry.Status), entry.Message,
		formatTime(entry.StartedAt), formatOptionalTime(entry.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert build log: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSubmission(row sqlScanner) (model.Submission, error) {
	var (
		sub                     model.Submission
		vertical, status, attrs string
		created, updated        string
		submitted               sql.NullString
	)
	err := row.Scan(&sub.ID, &sub.AccessToken, &vertical, &status, &attrs, &created, &updated, &submitted)
	if err != nil {
		return model.Submission{}, err
	}
	sub.Vertical, sub.Status = model.Vertical(vertical), model.Status(status)
	if err := json.Unmarshal([]byte(attrs), &sub.Attributes); err != nil {
		return model.Submission{}, fmt.Errorf("unmarshal attributes: %w", err)
	}
	if sub.CreatedAt, err = parseTime(created); err != nil {
		return model.Submission{}, fmt.Errorf("parse created_at: %w", err)
	}
	if sub.UpdatedAt, err = parseTime(updated); err != nil {
		return model.Submission{}, fmt.Errorf("parse updated_at: %w", err)
	}
	if submitted.Valid {
		t, err := parseTime(submitted.String)
		if err != nil {
			return model.Submission{}, fmt.Errorf("parse submitted_at: %w", err)
		}
		sub.SubmittedAt = &t
	}
	return sub, nil
}
