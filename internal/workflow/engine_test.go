package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/intake/internal/observability"
	"github.com/pitabwire/intake/internal/store"
	"github.com/pitabwire/intake/model"
)

// --- Test helpers ---

func newTestEngine(t *testing.T, policy Policy) (*Engine, *store.MemoryStore, model.Submission) {
	t.Helper()
	s := store.NewMemoryStore()
	sub, err := s.CreateSubmission(context.Background(), model.VerticalHomeServices)
	if err != nil {
		t.Fatalf("CreateSubmission error: %v", err)
	}
	return NewEngine(s, policy, nil, nil), s, sub
}

// forceStatus sets a status directly, bypassing the engine.
func forceStatus(t *testing.T, s *store.MemoryStore, id string, st model.Status) {
	t.Helper()
	if _, err := s.UpdateSubmission(context.Background(), id, model.SubmissionPatch{Status: &st}); err != nil {
		t.Fatalf("UpdateSubmission error: %v", err)
	}
}

// failingEvents rejects history appends.
type failingEvents struct {
	*store.MemoryStore
}

func (failingEvents) AppendStatusEvent(context.Context, model.StatusEvent) error {
	return errors.New("history table locked")
}

// --- Permissive policy ---

func TestEngine_permissiveAllPairs(t *testing.T) {
	ctx := context.Background()
	for _, from := range model.AllStatuses() {
		for _, to := range model.AllStatuses() {
			e, s, sub := newTestEngine(t, PolicyPermissive)
			forceStatus(t, s, sub.ID, from)

			got, err := e.Transition(ctx, sub.ID, to, "operator", "")
			if err != nil {
				t.Errorf("Transition(%s -> %s) error: %v", from, to, err)
				continue
			}
			if got.Status != to {
				t.Errorf("Transition(%s -> %s) status = %s", from, to, got.Status)
			}
			stored, _ := s.Get(ctx, sub.ID)
			if stored.Status != to {
				t.Errorf("stored status after %s -> %s = %s", from, to, stored.Status)
			}
		}
	}
}

func TestEngine_submittedAtSetOnce(t *testing.T) {
	ctx := context.Background()
	e, s, sub := newTestEngine(t, PolicyPermissive)
	first := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return first }

	got, err := e.Transition(ctx, sub.ID, model.StatusSubmitted, "client", "")
	if err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	if got.SubmittedAt == nil || !got.SubmittedAt.Equal(first) {
		t.Fatalf("submitted_at = %v, want %v", got.SubmittedAt, first)
	}

	e.now = func() time.Time { return first.Add(48 * time.Hour) }
	for _, to := range []model.Status{model.StatusInReview, model.StatusDraft, model.StatusSubmitted} {
		if _, err := e.Transition(ctx, sub.ID, to, "operator", ""); err != nil {
			t.Fatalf("Transition(%s) error: %v", to, err)
		}
	}

	stored, _ := s.Get(ctx, sub.ID)
	if stored.SubmittedAt == nil || !stored.SubmittedAt.Equal(first) {
		t.Errorf("submitted_at after re-entry = %v, want %v", stored.SubmittedAt, first)
	}
}

func TestEngine_submittedAtNotSetByOtherStates(t *testing.T) {
	ctx := context.Background()
	e, _, sub := newTestEngine(t, PolicyPermissive)

	got, err := e.Transition(ctx, sub.ID, model.StatusBuilding, "operator", "")
	if err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	if got.SubmittedAt != nil {
		t.Errorf("submitted_at = %v, want nil", got.SubmittedAt)
	}
}

func TestEngine_attributesWrittenWithStatus(t *testing.T) {
	ctx := context.Background()
	e, s, sub := newTestEngine(t, PolicyPermissive)

	_, err := e.Apply(ctx, sub.ID, Request{
		To:         model.StatusClientPreview,
		Actor:      "operator",
		Attributes: model.Attributes{SiteURL: model.String("https://preview.example.com")},
	})
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	stored, _ := s.Get(ctx, sub.ID)
	if stored.Status != model.StatusClientPreview || model.Deref(stored.Attributes.SiteURL) == "" {
		t.Errorf("stored = status %s site_url %q", stored.Status, model.Deref(stored.Attributes.SiteURL))
	}
}

// --- Errors ---

func TestEngine_unknownStatus(t *testing.T) {
	e, _, sub := newTestEngine(t, PolicyPermissive)
	_, err := e.Transition(context.Background(), sub.ID, "launched", "operator", "")
	if model.ErrorCode(err) != model.ErrBadRequest {
		t.Errorf("code = %q, want %q", model.ErrorCode(err), model.ErrBadRequest)
	}
}

func TestEngine_unknownSubmission(t *testing.T) {
	e, _, _ := newTestEngine(t, PolicyPermissive)
	_, err := e.Transition(context.Background(), "missing", model.StatusSubmitted, "operator", "")
	if !model.IsNotFound(err) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

func TestEngine_historyFailureLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	s := store.NewMemoryStore()
	sub, _ := s.CreateSubmission(context.Background(), model.VerticalRetail)
	e := NewEngine(failingEvents{s}, PolicyPermissive, zap.New(core), nil)

	got, err := e.Transition(context.Background(), sub.ID, model.StatusInReview, "operator", "")
	if err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	if got.Status != model.StatusInReview {
		t.Errorf("status = %s, want in_review", got.Status)
	}
	if logs.FilterMessage("status history append failed").Len() != 1 {
		t.Errorf("expected history failure log, got %v", logs.All())
	}
}

// --- History & metrics ---

func TestEngine_appendsHistory(t *testing.T) {
	ctx := context.Background()
	e, s, sub := newTestEngine(t, PolicyPermissive)

	if _, err := e.Transition(ctx, sub.ID, model.StatusSubmitted, "client", ""); err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	if _, err := e.Transition(ctx, sub.ID, model.StatusInReview, "ops@example.com", "looks complete"); err != nil {
		t.Fatalf("Transition error: %v", err)
	}

	full, err := s.GetFull(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetFull error: %v", err)
	}
	if len(full.History) != 2 {
		t.Fatalf("history = %d entries, want 2", len(full.History))
	}
	last := full.History[1]
	if last.From != model.StatusSubmitted || last.To != model.StatusInReview {
		t.Errorf("last event = %s -> %s", last.From, last.To)
	}
	if last.Actor != "ops@example.com" || last.Comment != "looks complete" {
		t.Errorf("last event actor=%q comment=%q", last.Actor, last.Comment)
	}
	if last.ID == "" {
		t.Error("event has no ID")
	}
}

func TestEngine_defaultActor(t *testing.T) {
	ctx := context.Background()
	e, s, sub := newTestEngine(t, PolicyPermissive)
	if _, err := e.Transition(ctx, sub.ID, model.StatusArchived, "", ""); err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	full, _ := s.GetFull(ctx, sub.ID)
	if full.History[0].Actor != string(model.ChannelSystem) {
		t.Errorf("actor = %q, want %q", full.History[0].Actor, model.ChannelSystem)
	}
}

func TestEngine_recordsMetrics(t *testing.T) {
	s := store.NewMemoryStore()
	sub, _ := s.CreateSubmission(context.Background(), model.VerticalHealthcare)
	m := observability.InitMetrics(prometheus.NewRegistry())
	e := NewEngine(s, PolicyPermissive, nil, m)

	if _, err := e.Transition(context.Background(), sub.ID, model.StatusSubmitted, "client", ""); err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	got := testutil.ToFloat64(m.StatusTransitionsTotal.WithLabelValues("draft", "submitted"))
	if got != 1 {
		t.Errorf("transitions{draft,submitted} = %v, want 1", got)
	}
}

// --- Strict policy ---

func TestEngine_strictPolicy(t *testing.T) {
	tests := []struct {
		from, to model.Status
		ok       bool
	}{
		{model.StatusDraft, model.StatusSubmitted, true},
		{model.StatusSubmitted, model.StatusDraft, true},
		{model.StatusSubmitted, model.StatusInReview, true},
		{model.StatusDraft, model.StatusPublished, false},
		{model.StatusBuilding, model.StatusApproved, false},
		{model.StatusApproved, model.StatusPublished, true},
		{model.StatusPublished, model.StatusArchived, true},
		{model.StatusInReview, model.StatusArchived, true},
		{model.StatusArchived, model.StatusDraft, true},
		{model.StatusArchived, model.StatusSubmitted, false},
		{model.StatusDraft, model.StatusDraft, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			e, s, sub := newTestEngine(t, PolicyStrict)
			forceStatus(t, s, sub.ID, tt.from)

			_, err := e.Transition(context.Background(), sub.ID, tt.to, "operator", "")
			if tt.ok && err != nil {
				t.Fatalf("Transition error: %v", err)
			}
			if !tt.ok {
				if model.ErrorCode(err) != model.ErrInvalidTransition {
					t.Fatalf("code = %q, want %q", model.ErrorCode(err), model.ErrInvalidTransition)
				}
				stored, _ := s.Get(context.Background(), sub.ID)
				if stored.Status != tt.from {
					t.Errorf("status advanced to %s on rejected transition", stored.Status)
				}
			}
		})
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": PolicyPermissive, "permissive": PolicyPermissive, "strict": PolicyStrict} {
		got, err := ParsePolicy(in)
		if err != nil {
			t.Fatalf("ParsePolicy(%q) error: %v", in, err)
		}
		if got != want {
			t.Errorf("ParsePolicy(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParsePolicy("lenient"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

// --- Quick actions ---

func TestEngine_QuickActions(t *testing.T) {
	e := NewEngine(store.NewMemoryStore(), PolicyPermissive, nil, nil)

	tests := []struct {
		from model.Status
		want []model.Status
	}{
		{model.StatusDraft, []model.Status{model.StatusSubmitted, model.StatusInReview, model.StatusBuilding}},
		{model.StatusClientPreview, []model.Status{model.StatusApproved, model.StatusPublished}},
		{model.StatusPublished, nil},
		{model.StatusArchived, nil},
	}
	for _, tt := range tests {
		got := e.QuickActions(tt.from)
		if len(got) != len(tt.want) {
			t.Errorf("QuickActions(%s) = %v, want %v", tt.from, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("QuickActions(%s)[%d] = %s, want %s", tt.from, i, got[i], tt.want[i])
			}
		}
	}

	strict := NewEngine(store.NewMemoryStore(), PolicyStrict, nil, nil)
	if got := strict.QuickActions(model.StatusDraft); len(got) != 1 || got[0] != model.StatusSubmitted {
		t.Errorf("strict QuickActions(draft) = %v, want [submitted]", got)
	}
}

func TestPolicy_Targets(t *testing.T) {
	got := PolicyStrict.Targets(model.StatusBuilding)
	want := []model.Status{model.StatusInReview, model.StatusReadyForQC, model.StatusArchived}
	if len(got) != len(want) {
		t.Fatalf("Targets(building) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Targets(building)[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if n := len(PolicyPermissive.Targets(model.StatusDraft)); n != len(model.AllStatuses())-1 {
		t.Errorf("permissive targets = %d, want %d", n, len(model.AllStatuses())-1)
	}
}
