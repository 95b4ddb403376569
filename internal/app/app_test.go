package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitabwire/intake/internal/config"
	"github.com/pitabwire/intake/internal/generate"
	"github.com/pitabwire/intake/model"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Generator.Provider = "disabled"
	cfg.Session.DebounceInterval = 10 * time.Millisecond
	return cfg
}

func TestNew_memory(t *testing.T) {
	a, err := New(context.Background(), testConfig(), nil, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer a.Close(context.Background())

	if _, ok := a.Generator.(generate.Disabled); !ok {
		t.Errorf("Generator = %T, want Disabled", a.Generator)
	}
	if a.Idempotency == nil {
		t.Error("idempotency store should be enabled by default")
	}

	w := httptest.NewRecorder()
	a.Handler.ServeHTTP(w, httptest.NewRequest("POST", "/api/submissions", strings.NewReader(`{"vertical":"retail"}`)))
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}
	var created struct {
		Data struct {
			ID    string `json:"id"`
			Token string `json:"token"`
		} `json:"data"`
	}
	json.NewDecoder(w.Body).Decode(&created)

	sub, err := a.Store.GetByToken(context.Background(), created.Data.Token)
	if err != nil {
		t.Fatalf("GetByToken error: %v", err)
	}
	if sub.ID != created.Data.ID || sub.Vertical != model.VerticalRetail {
		t.Errorf("submission = %+v", sub)
	}

	w = httptest.NewRecorder()
	a.Handler.ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("ready status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestNew_sqlite(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "intake.db")
	cfg.Idempotency.Enabled = false

	a, err := New(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if a.Idempotency != nil {
		t.Error("idempotency store should be nil when disabled")
	}
	if err := a.Close(context.Background()); err != nil {
		t.Errorf("Close error: %v", err)
	}
}

func TestNew_errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown store driver", func(c *config.Config) { c.Store.Driver = "cassandra" }},
		{"unknown policy", func(c *config.Config) { c.Workflow.TransitionPolicy = "loose" }},
		{"unknown provider", func(c *config.Config) { c.Generator.Provider = "oracle" }},
		{"unknown idempotency driver", func(c *config.Config) { c.Idempotency.Store.Driver = "etcd" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			if _, err := New(context.Background(), cfg, nil, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestApp_closeFlushesSessions(t *testing.T) {
	cfg := testConfig()
	cfg.Session.DebounceInterval = time.Hour
	a, err := New(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	ctx := context.Background()

	sub, err := a.Store.CreateSubmission(ctx, model.VerticalHomeServices)
	if err != nil {
		t.Fatalf("CreateSubmission error: %v", err)
	}
	c, err := a.Sessions.Get(ctx, sub.AccessToken)
	if err != nil {
		t.Fatalf("Sessions.Get error: %v", err)
	}
	name := "Acme Plumbing"
	c.ApplyFields(model.Attributes{BusinessName: &name})

	// The memory store stays readable after Close.
	store := a.Store
	if err := a.Close(ctx); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	got, err := store.Get(ctx, sub.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Attributes.BusinessName == nil || *got.Attributes.BusinessName != name {
		t.Errorf("business_name = %v, want %q", got.Attributes.BusinessName, name)
	}
}

func TestApp_runStopsOnCancel(t *testing.T) {
	a, err := New(context.Background(), testConfig(), nil, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer a.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
