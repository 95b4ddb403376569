package store

import (
	"context"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/intake/internal/config"
	"github.com/pitabwire/intake/model"
)

type storeFactory func(t *testing.T) RecordStore

func steppingClock() func() time.Time {
	var (
		mu  sync.Mutex
		now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func backends() map[string]storeFactory {
	b := map[string]storeFactory{
		"memory": func(t *testing.T) RecordStore {
			return NewMemoryStore(WithClock(steppingClock()))
		},
		"sqlite": func(t *testing.T) RecordStore {
			s, err := NewSQLiteStore(":memory:")
			if err != nil {
				t.Fatalf("NewSQLiteStore error: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	// External backends join the contract when a server is provided
	// or containers are enabled.
	if os.Getenv("INTAKE_TEST_POSTGRES_URL") != "" || containersEnabled() {
		b["postgres"] = externalBackend("postgres", "INTAKE_TEST_POSTGRES_URL")
	}
	if os.Getenv("INTAKE_TEST_MONGO_URL") != "" || containersEnabled() {
		b["mongo"] = externalBackend("mongo", "INTAKE_TEST_MONGO_URL")
	}
	return b
}

func externalBackend(driver, env string) storeFactory {
	return func(t *testing.T) RecordStore {
		if os.Getenv(env) == "" {
			t.Setenv(env, containerURL(t, driver))
		}
		s, err := Open(context.Background(), config.StoreConfig{
			Driver:        driver,
			DSNEnv:        env,
			MongoDatabase: "intake_test_" + strconv.FormatInt(time.Now().UnixNano(), 36),
		}, nil)
		if err != nil {
			t.Fatalf("Open(%s) error: %v", driver, err)
		}
		if pg, ok := s.(*PgStore); ok {
			_, err := pg.pool.Exec(context.Background(),
				`TRUNCATE submissions, collection_records, collection_versions, status_events, build_logs`)
			if err != nil {
				t.Fatalf("truncate: %v", err)
			}
		}
		t.Cleanup(func() { s.Close() })
		return s
	}
}

// forEachBackend runs fn against every configured backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, s RecordStore)) {
	t.Helper()
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func mustCreate(t *testing.T, s RecordStore) model.Submission {
	t.Helper()
	sub, err := s.CreateSubmission(context.Background(), model.VerticalHomeServices)
	if err != nil {
		t.Fatalf("CreateSubmission error: %v", err)
	}
	return sub
}

func errorCode(err error) string {
	return model.ErrorCode(err)
}

// --- Create / lookup ---

func TestStore_CreateAndGetByToken(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s RecordStore) {
		sub := mustCreate(t, s)

		if len(sub.AccessToken) != 64 {
			t.Errorf("token length = %d, want 64", len(sub.AccessToken))
		}
		if sub.Status != model.StatusDraft {
			t.Errorf("status = %s, want draft", sub.Status)
		}

		got, err := s.GetByToken(context.Background(), sub.AccessToken)
		if err != nil {
			t.Fatalf("GetByToken error: %v", err)
		}
		if got.ID != sub.ID {
			t.Errorf("ID = %s, want %s", got.ID, sub.ID)
		}
		if model.Deref(got.Attributes.State) != "MD" {
			t.Errorf("state = %q, want MD", model.Deref(got.Attributes.State))
		}
	})
}

func TestStore_GetByToken_unknown(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s RecordStore) {
		_, err := s.GetByToken(context.Background(), "nope")
		if errorCode(err) != model.ErrNotFound {
			t.Errorf("code = %q, want %s", errorCode(err), model.ErrNotFound)
		}
	})
}

func TestStore_Get_unknown(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s RecordStore) {
		_, err := s.Get(context.Background(), "missing")
		if !model.IsNotFound(err) {
			t.Errorf("error = %v, want NOT_FOUND", err)
		}
	})
}

// --- UpdateSubmission ---

func TestStore_UpdateSubmission_mergesAttributes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s RecordStore) {
		ctx := context.Background()
		sub := mustCreate(t, s)

		_, err := s.UpdateSubmission(ctx, sub.ID, model.SubmissionPatch{
			Attributes: model.Attributes{BusinessName: model.String("Acme Plumbing")},
		})
		require.NoError(t, err)
		got, err := s.UpdateSubmission(ctx, sub.ID, model.SubmissionPatch{
			Attributes: model.Attributes{City: model.String("Baltimore"), EmergencyService: model.Bool(true)},
		})
		require.NoError(t, err)

		assert.Equal(t, "Acme Plumbing", model.Deref(got.Attributes.BusinessName))
		assert.Equal(t, "Baltimore", model.Deref(got.Attributes.City))
		require.NotNil(t, got.Attributes.EmergencyService)
		assert.True(t, *got.Attributes.EmergencyService)
		assert.Equal(t, "MD", model.Deref(got.Attributes.State), "state keeps its creation default")
		assert.False(t, got.UpdatedAt.Before(sub.UpdatedAt), "updated_at went backwards")
	})
}

func TestStore_UpdateSubmission_submittedAtOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s RecordStore) {
		ctx := context.Background()
		sub := mustCreate(t, s)

		first := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
		second := first.Add(time.Hour)
		submitted := model.StatusSubmitted

		_, err := s.UpdateSubmission(ctx, sub.ID, model.SubmissionPatch{Status: &submitted, SubmittedAt: &first})
		if err != nil {
			t.Fatalf("UpdateSubmission error: %v", err)
		}
		got, err := s.UpdateSubmission(ctx, sub.ID, model.SubmissionPatch{Status: &submitted, SubmittedAt: &second})
		if err != nil {
			t.Fatalf("UpdateSubmission error: %v", err)
		}

		if got.Status != model.StatusSubmitted {
			t.Errorf("status = %s, want submitted", got.Status)
		}
		if got.SubmittedAt == nil || !got.SubmittedAt.Equal(first) {
			t.Errorf("submitted_at = %v, want %v", got.SubmittedAt, first)
		}
	})
}

func TestStore_UpdateSubmission_unknown(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s RecordStore) {
		_, err := s.UpdateSubmission(context.Background(), "missing", model.SubmissionPatch{})
		if !model.IsNotFound(err) {
			t.Errorf("error = %v, want NOT_FOUND", err)
		}
	})
}

// --- ReplaceCollection ---

func TestStore_ReplaceCollection_idempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s RecordStore) {
		ctx := context.Background()
		sub := mustCreate(t, s)
		records := model.ToRecords([]model.Service{
			{ServiceName: "Drain cleaning"},
			{ServiceName: "Water heaters", IsEmergency: true},
		})

		for i := 0; i < 2; i++ {
			if _, err := s.ReplaceCollection(ctx, sub.ID, model.CollectionServices, records, AnyVersion); err != nil {
				t.Fatalf("ReplaceCollection error: %v", err)
			}
		}

		cols, err := s.GetCollections(ctx, sub.ID)
		if err != nil {
			t.Fatalf("GetCollections error: %v", err)
		}
		if len(cols.Services) != 2 {
			t.Fatalf("services = %d, want 2", len(cols.Services))
		}
		for i, svc := range cols.Services {
			if svc.Position != i {
				t.Errorf("services[%d].Position = %d", i, svc.Position)
			}
			if svc.ID == "" {
				t.Errorf("services[%d] has no ID", i)
			}
		}
		if cols.Services[1].ServiceName != "Water heaters" || !cols.Services[1].IsEmergency {
			t.Errorf("services[1] = %+v", cols.Services[1])
		}
		if cols.Version(model.CollectionServices) != 2 {
			t.Errorf("version = %d, want 2", cols.Version(model.CollectionServices))
		}
	})
}

func TestStore_ReplaceCollection_clears(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s RecordStore) {
		ctx := context.Background()
		sub := mustCreate(t, s)
		hours := model.ToRecords(model.DefaultBusinessHours())

		if _, err := s.ReplaceCollection(ctx, sub.ID, model.CollectionHours, hours, AnyVersion); err != nil {
			t.Fatalf("ReplaceCollection error: %v", err)
		}
		if _, err := s.ReplaceCollection(ctx, sub.ID, model.CollectionHours, nil, AnyVersion); err != nil {
			t.Fatalf("ReplaceCollection error: %v", err)
		}

		cols, err := s.GetCollections(ctx, sub.ID)
		if err != nil {
			t.Fatalf("GetCollections error: %v", err)
		}
		if len(cols.Hours) != 0 {
			t.Errorf("hours = %d, want 0", len(cols.Hours))
		}
	})
}

func TestStore_ReplaceCollection_versionConflict(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s RecordStore) {
		ctx := context.Background()
		sub := mustCreate(t, s)
		first := model.ToRecords([]model.Testimonial{{QuoteText: "Great", Rating: 5}})

		v, err := s.ReplaceCollection(ctx, sub.ID, model.CollectionTestimonials, first, 0)
		if err != nil {
			t.Fatalf("ReplaceCollection error: %v", err)
		}
		if v != 1 {
			t.Errorf("version = %d, want 1", v)
		}

		stale := model.ToRecords([]model.Testimonial{{QuoteText: "Stale"}})
		_, err = s.ReplaceCollection(ctx, sub.ID, model.CollectionTestimonials, stale, 0)
		if !model.IsConflict(err) {
			t.Fatalf("error = %v, want CONFLICT", err)
		}

		cols, _ := s.GetCollections(ctx, sub.ID)
		if len(cols.Testimonials) != 1 || cols.Testimonials[0].QuoteText != "Great" {
			t.Errorf("testimonials = %+v, want unchanged", cols.Testimonials)
		}
	})
}

func TestStore_ReplaceCollection_wrongRecordType(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s RecordStore) {
		sub := mustCreate(t, s)
		records := model.ToRecords([]model.Testimonial{{QuoteText: "x"}})

		_, err := s.ReplaceCollection(context.Background(), sub.ID, model.CollectionServices, records, AnyVersion)
		if errorCode(err) != model.ErrBadRequest {
			t.Errorf("code = %q, want %s", errorCode(err), model.ErrBadRequest)
		}
	})
}

func TestStore_ReplaceCollection_unknownSubmission(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s RecordStore) {
		_, err := s.ReplaceCollection(context.Background(), "missing", model.CollectionServices, nil, AnyVersion)
		if !model.IsNotFound(err) {
			t.Errorf("error = %v, want NOT_FOUND", err)
		}
	})
}

// --- List / counts ---

func TestStore_ListAndCount(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s RecordStore) {
		ctx := context.Background()
		names := []string{"Acme Plumbing", "Bay Roofing", "Acme Electric"}
		var ids []string
		for _, name := range names {
			sub := mustCreate(t, s)
			ids = append(ids, sub.ID)
			if _, err := s.UpdateSubmission(ctx, sub.ID, model.SubmissionPatch{
				Attributes: model.Attributes{BusinessName: model.String(name)},
			}); err != nil {
				t.Fatalf("UpdateSubmission error: %v", err)
			}
		}
		submitted := model.StatusSubmitted
		if _, err := s.UpdateSubmission(ctx, ids[2], model.SubmissionPatch{Status: &submitted}); err != nil {
			t.Fatalf("UpdateSubmission error: %v", err)
		}

		all, err := s.List(ctx, model.SubmissionFilters{})
		if err != nil {
			t.Fatalf("List error: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("List len = %d, want 3", len(all))
		}
		if all[0].ID != ids[2] {
			t.Errorf("first = %s, want newest %s", all[0].ID, ids[2])
		}

		acme, _ := s.List(ctx, model.SubmissionFilters{Search: "acme"})
		if len(acme) != 2 {
			t.Errorf("search acme = %d, want 2", len(acme))
		}

		onlySubmitted, _ := s.List(ctx, model.SubmissionFilters{Status: model.StatusSubmitted})
		if len(onlySubmitted) != 1 || onlySubmitted[0].BusinessName != "Acme Electric" {
			t.Errorf("status filter = %+v", onlySubmitted)
		}

		page, _ := s.List(ctx, model.SubmissionFilters{Limit: 1, Offset: 1})
		if len(page) != 1 || page[0].ID != ids[1] {
			t.Errorf("page = %+v, want %s", page, ids[1])
		}

		counts, err := s.CountByStatus(ctx)
		if err != nil {
			t.Fatalf("CountByStatus error: %v", err)
		}
		if counts[model.StatusDraft] != 2 || counts[model.StatusSubmitted] != 1 {
			t.Errorf("counts = %v", counts)
		}
	})
}

// --- History / build logs ---

func TestStore_GetFull_historyAndBuildLogs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s RecordStore) {
		ctx := context.Background()
		sub := mustCreate(t, s)
		base := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)

		events := []model.StatusEvent{
			{ID: "ev-1", SubmissionID: sub.ID, From: model.StatusDraft, To: model.StatusSubmitted, Actor: "client", Timestamp: base},
			{ID: "ev-2", SubmissionID: sub.ID, From: model.StatusSubmitted, To: model.StatusInReview, Actor: "operator", Comment: "looks good", Timestamp: base.Add(time.Minute)},
		}
		for _, ev := range events {
			if err := s.AppendStatusEvent(ctx, ev); err != nil {
				t.Fatalf("AppendStatusEvent error: %v", err)
			}
		}
		for i, id := range []string{"b-1", "b-2"} {
			entry := model.BuildLog{
				ID:           id,
				SubmissionID: sub.ID,
				Provider:     "none",
				Status:       model.BuildStatusSkipped,
				StartedAt:    base.Add(time.Duration(i) * time.Hour),
			}
			if err := s.AppendBuildLog(ctx, entry); err != nil {
				t.Fatalf("AppendBuildLog error: %v", err)
			}
		}

		full, err := s.GetFull(ctx, sub.ID)
		if err != nil {
			t.Fatalf("GetFull error: %v", err)
		}
		if len(full.History) != 2 || full.History[0].ID != "ev-1" {
			t.Errorf("history = %+v", full.History)
		}
		if full.History[1].Comment != "looks good" {
			t.Errorf("comment = %q", full.History[1].Comment)
		}
		if len(full.BuildLogs) != 2 || full.BuildLogs[0].ID != "b-2" {
			t.Errorf("build logs = %+v, want newest first", full.BuildLogs)
		}
	})
}

func TestStore_AppendStatusEvent_unknown(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s RecordStore) {
		err := s.AppendStatusEvent(context.Background(), model.StatusEvent{ID: "x", SubmissionID: "missing"})
		if !model.IsNotFound(err) {
			t.Errorf("error = %v, want NOT_FOUND", err)
		}
	})
}

// --- Helpers ---

func TestNewAccessToken_unique(t *testing.T) {
	a, err := NewAccessToken()
	if err != nil {
		t.Fatalf("NewAccessToken error: %v", err)
	}
	b, _ := NewAccessToken()
	if a == b {
		t.Error("tokens should differ")
	}
}

func TestPaginate(t *testing.T) {
	rows := []int{1, 2, 3, 4}
	if got := paginate(rows, 1, 2); len(got) != 2 || got[0] != 2 {
		t.Errorf("paginate(1,2) = %v", got)
	}
	if got := paginate(rows, 10, 0); len(got) != 0 {
		t.Errorf("paginate(10,0) = %v", got)
	}
}
