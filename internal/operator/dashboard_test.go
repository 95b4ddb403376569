package operator

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/intake/internal/store"
	"github.com/pitabwire/intake/internal/workflow"
	"github.com/pitabwire/intake/model"
)

type tickingClock struct{ t time.Time }

func (c *tickingClock) Now() time.Time {
	c.t = c.t.Add(time.Minute)
	return c.t
}

func newTestDashboard(t *testing.T, policy workflow.Policy) (*Dashboard, *store.MemoryStore) {
	t.Helper()
	clock := &tickingClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s := store.NewMemoryStore(store.WithClock(clock.Now))
	engine := workflow.NewEngine(s, policy, zap.NewNop(), nil)
	return NewDashboard(s, engine, zap.NewNop()), s
}

func seed(t *testing.T, s *store.MemoryStore, name, email string, status model.Status) model.Submission {
	t.Helper()
	ctx := context.Background()
	sub, err := s.CreateSubmission(ctx, model.VerticalHomeServices)
	if err != nil {
		t.Fatalf("CreateSubmission() error: %v", err)
	}
	patch := model.SubmissionPatch{Attributes: model.Attributes{
		BusinessName: model.String(name),
		Email:        model.String(email),
	}}
	if status != model.StatusDraft {
		patch.Status = &status
	}
	sub, err = s.UpdateSubmission(ctx, sub.ID, patch)
	if err != nil {
		t.Fatalf("UpdateSubmission() error: %v", err)
	}
	return sub
}

func operatorCtx(actor string) context.Context {
	return model.WithRequestContext(context.Background(), &model.RequestContext{
		Channel: model.ChannelOperator,
		Actor:   actor,
	})
}

// --- Counts ---

func TestCountsFrom(t *testing.T) {
	got := CountsFrom(map[model.Status]int{
		model.StatusDraft:      4,
		model.StatusSubmitted:  3,
		model.StatusBuilding:   2,
		model.StatusReadyForQC: 1,
		model.StatusPublished:  5,
		model.StatusArchived:   1,
	})
	want := Counts{Total: 16, Submitted: 3, InProgress: 3, Published: 5}
	if got != want {
		t.Errorf("CountsFrom() = %+v, want %+v", got, want)
	}
}

// --- List ---

func TestList_newestFirstWithCounts(t *testing.T) {
	d, s := newTestDashboard(t, workflow.PolicyPermissive)
	a := seed(t, s, "Acme Plumbing", "owner@acme.test", model.StatusSubmitted)
	b := seed(t, s, "Bright HVAC", "hi@bright.test", model.StatusBuilding)
	c := seed(t, s, "Cedar Roofing", "cedar@roof.test", model.StatusPublished)

	listing, err := d.List(context.Background(), model.SubmissionFilters{})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(listing.Submissions) != 3 {
		t.Fatalf("len = %d, want 3", len(listing.Submissions))
	}
	wantOrder := []string{c.ID, b.ID, a.ID}
	for i, id := range wantOrder {
		if listing.Submissions[i].ID != id {
			t.Errorf("row %d = %s, want %s", i, listing.Submissions[i].ID, id)
		}
	}
	want := Counts{Total: 3, Submitted: 1, InProgress: 1, Published: 1}
	if listing.Counts != want {
		t.Errorf("Counts = %+v, want %+v", listing.Counts, want)
	}
}

func TestList_searchAndStatusFilter(t *testing.T) {
	d, s := newTestDashboard(t, workflow.PolicyPermissive)
	seed(t, s, "Acme Plumbing", "owner@acme.test", model.StatusSubmitted)
	seed(t, s, "Acme Electric", "spark@volt.test", model.StatusDraft)
	seed(t, s, "Bright HVAC", "hi@acme-hvac.test", model.StatusSubmitted)

	tests := []struct {
		name    string
		filters model.SubmissionFilters
		want    int
	}{
		{"name match", model.SubmissionFilters{Search: "acme"}, 3},
		{"case insensitive email", model.SubmissionFilters{Search: "VOLT"}, 1},
		{"status only", model.SubmissionFilters{Status: model.StatusSubmitted}, 2},
		{"search and status", model.SubmissionFilters{Search: "electric", Status: model.StatusSubmitted}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			listing, err := d.List(context.Background(), tt.filters)
			if err != nil {
				t.Fatalf("List() error: %v", err)
			}
			if len(listing.Submissions) != tt.want {
				t.Errorf("len = %d, want %d", len(listing.Submissions), tt.want)
			}
			if listing.Counts.Total != 3 {
				t.Errorf("Counts.Total = %d, want 3 regardless of filters", listing.Counts.Total)
			}
		})
	}
}

func TestList_emptyIsNotNil(t *testing.T) {
	d, _ := newTestDashboard(t, workflow.PolicyPermissive)
	listing, err := d.List(context.Background(), model.SubmissionFilters{})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if listing.Submissions == nil {
		t.Error("Submissions should be an empty slice")
	}
}

func TestList_unknownStatus(t *testing.T) {
	d, _ := newTestDashboard(t, workflow.PolicyPermissive)
	_, err := d.List(context.Background(), model.SubmissionFilters{Status: "shipped"})
	if code := model.ErrorCode(err); code != model.ErrBadRequest {
		t.Errorf("ErrorCode = %q, want %q", code, model.ErrBadRequest)
	}
}

// --- Detail ---

func TestDetail_quickActionsAndTargets(t *testing.T) {
	d, s := newTestDashboard(t, workflow.PolicyPermissive)
	sub := seed(t, s, "Acme Plumbing", "owner@acme.test", model.StatusSubmitted)

	detail, err := d.Detail(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("Detail() error: %v", err)
	}
	if detail.ID != sub.ID || model.Deref(detail.Attributes.BusinessName) != "Acme Plumbing" {
		t.Errorf("detail = %+v", detail.Submission)
	}
	want := []model.Status{model.StatusInReview, model.StatusBuilding, model.StatusReadyForQC}
	if len(detail.QuickActions) != len(want) {
		t.Fatalf("QuickActions = %v, want %v", detail.QuickActions, want)
	}
	for i := range want {
		if detail.QuickActions[i] != want[i] {
			t.Errorf("QuickActions[%d] = %s, want %s", i, detail.QuickActions[i], want[i])
		}
	}
	if len(detail.Targets) != len(model.AllStatuses())-1 {
		t.Errorf("Targets = %v, want every other status", detail.Targets)
	}
}

func TestDetail_strictPolicyLimitsQuickActions(t *testing.T) {
	d, s := newTestDashboard(t, workflow.PolicyStrict)
	sub := seed(t, s, "Acme Plumbing", "owner@acme.test", model.StatusSubmitted)

	detail, err := d.Detail(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("Detail() error: %v", err)
	}
	if len(detail.QuickActions) != 1 || detail.QuickActions[0] != model.StatusInReview {
		t.Errorf("QuickActions = %v, want [in_review]", detail.QuickActions)
	}
}

func TestDetail_unknownID(t *testing.T) {
	d, _ := newTestDashboard(t, workflow.PolicyPermissive)
	_, err := d.Detail(context.Background(), "missing")
	if !model.IsNotFound(err) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

// --- Transition ---

func TestTransition_recordsOperatorActor(t *testing.T) {
	d, s := newTestDashboard(t, workflow.PolicyPermissive)
	sub := seed(t, s, "Acme Plumbing", "owner@acme.test", model.StatusSubmitted)

	got, err := d.Transition(operatorCtx("dana"), sub.ID, model.StatusInReview, "looks complete")
	if err != nil {
		t.Fatalf("Transition() error: %v", err)
	}
	if got.Status != model.StatusInReview {
		t.Errorf("Status = %s, want in_review", got.Status)
	}

	full, err := s.GetFull(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("GetFull() error: %v", err)
	}
	if len(full.History) != 1 {
		t.Fatalf("history = %d entries, want 1", len(full.History))
	}
	ev := full.History[0]
	if ev.Actor != "dana" || ev.Comment != "looks complete" || ev.From != model.StatusSubmitted {
		t.Errorf("event = %+v", ev)
	}
}

func TestTransition_withoutRequestContextUsesSystem(t *testing.T) {
	d, s := newTestDashboard(t, workflow.PolicyPermissive)
	sub := seed(t, s, "Acme Plumbing", "owner@acme.test", model.StatusDraft)

	if _, err := d.Transition(context.Background(), sub.ID, model.StatusArchived, ""); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}
	full, _ := s.GetFull(context.Background(), sub.ID)
	if full.History[0].Actor != string(model.ChannelSystem) {
		t.Errorf("Actor = %q, want system", full.History[0].Actor)
	}
}

func TestTransition_rejectedLeavesStatus(t *testing.T) {
	d, s := newTestDashboard(t, workflow.PolicyStrict)
	sub := seed(t, s, "Acme Plumbing", "owner@acme.test", model.StatusDraft)

	_, err := d.Transition(operatorCtx("dana"), sub.ID, model.StatusPublished, "")
	if code := model.ErrorCode(err); code != model.ErrInvalidTransition {
		t.Fatalf("ErrorCode = %q, want %q", code, model.ErrInvalidTransition)
	}
	got, _ := s.Get(context.Background(), sub.ID)
	if got.Status != model.StatusDraft {
		t.Errorf("Status = %s, want draft", got.Status)
	}
}

// --- Build ---

func TestBuild_movesToBuildingAndLogs(t *testing.T) {
	d, s := newTestDashboard(t, workflow.PolicyPermissive)
	sub := seed(t, s, "Acme Plumbing", "owner@acme.test", model.StatusApproved)

	got, err := d.Build(operatorCtx("dana"), sub.ID)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if got.Status != model.StatusBuilding {
		t.Errorf("Status = %s, want building", got.Status)
	}

	full, err := s.GetFull(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("GetFull() error: %v", err)
	}
	if len(full.BuildLogs) != 1 {
		t.Fatalf("build logs = %d, want 1", len(full.BuildLogs))
	}
	log := full.BuildLogs[0]
	if log.Status != model.BuildStatusSkipped || log.Provider != BuildProvider {
		t.Errorf("build log = %+v", log)
	}
	if log.Message != "site builder integration not configured" {
		t.Errorf("Message = %q", log.Message)
	}
	if log.FinishedAt == nil {
		t.Error("FinishedAt should be set on a skipped build")
	}
	if len(full.History) != 1 || full.History[0].To != model.StatusBuilding {
		t.Errorf("history = %+v", full.History)
	}
}

func TestBuild_transitionFailureWritesNoLog(t *testing.T) {
	d, s := newTestDashboard(t, workflow.PolicyStrict)
	sub := seed(t, s, "Acme Plumbing", "owner@acme.test", model.StatusDraft)

	if _, err := d.Build(operatorCtx("dana"), sub.ID); err == nil {
		t.Fatal("Build() from draft under strict policy should fail")
	}
	full, _ := s.GetFull(context.Background(), sub.ID)
	if len(full.BuildLogs) != 0 {
		t.Errorf("build logs = %d, want 0", len(full.BuildLogs))
	}
}

type failingBuildLogs struct {
	*store.MemoryStore
}

func (failingBuildLogs) AppendBuildLog(context.Context, model.BuildLog) error {
	return errors.New("disk full")
}

func TestBuild_logFailureDoesNotFailBuild(t *testing.T) {
	mem := store.NewMemoryStore()
	rs := failingBuildLogs{mem}
	core, logs := observer.New(zap.ErrorLevel)
	d := NewDashboard(rs, workflow.NewEngine(rs, workflow.PolicyPermissive, zap.NewNop(), nil), zap.New(core))

	sub := seed(t, mem, "Acme Plumbing", "owner@acme.test", model.StatusApproved)
	got, err := d.Build(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if got.Status != model.StatusBuilding {
		t.Errorf("Status = %s, want building", got.Status)
	}
	if n := logs.FilterMessage("build log append failed").Len(); n != 1 {
		t.Errorf("logged %d failures, want 1", n)
	}
}
