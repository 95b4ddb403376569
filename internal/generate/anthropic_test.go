package generate

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/intake/internal/config"
	"github.com/pitabwire/intake/internal/observability"
	"github.com/pitabwire/intake/model"
)

func testGeneratorConfig(baseURL string) config.GeneratorConfig {
	return config.GeneratorConfig{
		Provider:         "anthropic",
		BaseURL:          baseURL,
		Model:            "claude-test",
		AnthropicVersion: "2023-06-01",
		MaxTokens:        1024,
		Timeout:          5 * time.Second,
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		},
	}
}

func textResponse(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":   "msg_01",
		"type": "message",
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
	})
}

func TestAnthropic_requestShape(t *testing.T) {
	var got messagesRequest
	var headers http.Header
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		headers = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("request body: %v", err)
		}
		textResponse(w, "Fast, friendly plumbing in Austin.")
	}))
	defer srv.Close()

	a := NewAnthropic(testGeneratorConfig(srv.URL), "sk-test", zap.NewNop(), nil)
	text, err := a.Generate(context.Background(), "Write a tagline", model.ToneFriendly)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if text != "Fast, friendly plumbing in Austin." {
		t.Errorf("text = %q", text)
	}

	if path != "/v1/messages" {
		t.Errorf("path = %q, want /v1/messages", path)
	}
	if h := headers.Get("x-api-key"); h != "sk-test" {
		t.Errorf("x-api-key = %q", h)
	}
	if h := headers.Get("anthropic-version"); h != "2023-06-01" {
		t.Errorf("anthropic-version = %q", h)
	}
	if h := headers.Get("Content-Type"); h != "application/json" {
		t.Errorf("Content-Type = %q", h)
	}
	if got.Model != "claude-test" || got.MaxTokens != 1024 {
		t.Errorf("model/max_tokens = %q/%d", got.Model, got.MaxTokens)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != "user" || got.Messages[0].Content != "Write a tagline" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if !strings.Contains(got.System, "Keep your tone "+string(model.ToneFriendly)) {
		t.Errorf("system prompt missing tone: %q", got.System)
	}
}

func TestSystemPrompt_defaultTone(t *testing.T) {
	if p := SystemPrompt(""); !strings.Contains(p, "Keep your tone "+string(model.DefaultTone)) {
		t.Errorf("SystemPrompt(\"\") = %q", p)
	}
}

func TestAnthropic_trailingSlashBaseURL(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		textResponse(w, "ok")
	}))
	defer srv.Close()

	a := NewAnthropic(testGeneratorConfig(srv.URL+"/"), "sk-test", nil, nil)
	if _, err := a.Generate(context.Background(), "x", ""); err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if path != "/v1/messages" {
		t.Errorf("path = %q", path)
	}
}

func TestAnthropic_missingKey(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	a := NewAnthropic(testGeneratorConfig(srv.URL), "", nil, nil)
	_, err := a.Generate(context.Background(), "Write a tagline", "")
	if code := model.ErrorCode(err); code != model.ErrNotConfigured {
		t.Errorf("ErrorCode = %q, want %q", code, model.ErrNotConfigured)
	}
	if calls.Load() != 0 {
		t.Errorf("upstream called %d times without a key", calls.Load())
	}
}

func TestAnthropic_emptyPrompt(t *testing.T) {
	a := NewAnthropic(testGeneratorConfig("http://127.0.0.1:1"), "sk-test", nil, nil)
	_, err := a.Generate(context.Background(), "   ", "")
	if code := model.ErrorCode(err); code != model.ErrBadRequest {
		t.Errorf("ErrorCode = %q, want %q", code, model.ErrBadRequest)
	}
}

func TestAnthropic_upstreamErrorLogged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	core, logs := observer.New(zap.WarnLevel)
	a := NewAnthropic(testGeneratorConfig(srv.URL), "sk-test", zap.New(core), nil)

	_, err := a.Generate(context.Background(), "Write a tagline", "")
	if code := model.ErrorCode(err); code != model.ErrBackendUnavailable {
		t.Errorf("ErrorCode = %q, want %q", code, model.ErrBackendUnavailable)
	}
	entries := logs.FilterMessage("generation provider returned an error").All()
	if len(entries) != 1 {
		t.Fatalf("logged %d entries, want 1", len(entries))
	}
	if status := entries[0].ContextMap()["status"]; status != int64(http.StatusBadRequest) {
		t.Errorf("logged status = %v", status)
	}
	if a.Breaker().State() != BreakerClosed {
		t.Errorf("4xx should not count against the breaker")
	}
}

func TestAnthropic_malformedResponses(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "<html>oops</html>"},
		{"no content", `{"content":[]}`},
		{"empty text", `{"content":[{"type":"text","text":""}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			a := NewAnthropic(testGeneratorConfig(srv.URL), "sk-test", nil, nil)
			_, err := a.Generate(context.Background(), "x", "")
			if code := model.ErrorCode(err); code != model.ErrBackendUnavailable {
				t.Errorf("ErrorCode = %q, want %q", code, model.ErrBackendUnavailable)
			}
		})
	}
}

func TestAnthropic_breakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	metrics := observability.InitMetrics(prometheus.NewRegistry())
	a := NewAnthropic(testGeneratorConfig(srv.URL), "sk-test", nil, metrics)

	for i := 0; i < 2; i++ {
		if _, err := a.Generate(context.Background(), "x", ""); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}
	if s := a.Breaker().State(); s != BreakerOpen {
		t.Fatalf("breaker = %v, want open", s)
	}
	if err := a.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck should fail while the breaker is open")
	}

	_, err := a.Generate(context.Background(), "x", "")
	if code := model.ErrorCode(err); code != model.ErrBackendUnavailable {
		t.Errorf("ErrorCode = %q, want %q", code, model.ErrBackendUnavailable)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("upstream calls = %d, want 2 (third short-circuited)", n)
	}
	if v := testutil.ToFloat64(metrics.GeneratorCircuitBreakerState.WithLabelValues("anthropic")); v != 2 {
		t.Errorf("breaker gauge = %v, want 2", v)
	}
}

func TestAnthropic_healthCheckClosedBreaker(t *testing.T) {
	a := NewAnthropic(testGeneratorConfig("http://127.0.0.1:1"), "", nil, nil)
	if err := a.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck error: %v", err)
	}
}

func TestAnthropic_contextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	a := NewAnthropic(testGeneratorConfig(srv.URL), "sk-test", nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.Generate(ctx, "x", ""); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

// --- Factory ---

func TestNew(t *testing.T) {
	for _, provider := range []string{"", "disabled"} {
		g, err := New(config.GeneratorConfig{Provider: provider}, nil, nil)
		if err != nil {
			t.Fatalf("New(%q) error: %v", provider, err)
		}
		if _, ok := g.(Disabled); !ok {
			t.Errorf("New(%q) = %T, want Disabled", provider, g)
		}
		_, err = g.Generate(context.Background(), "x", "")
		if code := model.ErrorCode(err); code != model.ErrNotConfigured {
			t.Errorf("Disabled.Generate code = %q", code)
		}
	}

	g, err := New(testGeneratorConfig("http://localhost"), nil, nil)
	if err != nil {
		t.Fatalf("New(anthropic) error: %v", err)
	}
	if _, ok := g.(*Anthropic); !ok {
		t.Errorf("New(anthropic) = %T", g)
	}

	if _, err := New(config.GeneratorConfig{Provider: "openai"}, nil, nil); err == nil {
		t.Error("New(openai) should fail")
	}
}
