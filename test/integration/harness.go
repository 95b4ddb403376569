// Package integration provides a reusable test harness for end-to-end
// testing of the intake server. It starts the fully wired service behind an
// HTTP test server with a mock generation provider and in-process stores.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/intake/internal/app"
	"github.com/pitabwire/intake/internal/config"
)

// apiKeyEnv names the variable the harness sets for the generator key.
const apiKeyEnv = "INTAKE_IT_ANTHROPIC_KEY"

// TestHarness encapsulates a fully wired intake instance.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// App exposes the wired components for advanced test scenarios.
	App      *app.App
	Backend  *MockBackend
	Registry *prometheus.Registry

	cfg       *config.Config
	closeOnce sync.Once
	stop      func()
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	transitionPolicy string
	replacePolicy    string
	storeDriver      string
	sqlitePath       string
	idempotency      bool
	handlerTimeout   time.Duration
	generatorTimeout time.Duration
	breaker          config.CircuitBreakerConfig
	debounce         time.Duration
	backend          *MockBackend
}

// WithTransitionPolicy selects permissive or strict status transitions.
func WithTransitionPolicy(p string) HarnessOption {
	return func(c *harnessConfig) {
		c.transitionPolicy = p
	}
}

// WithReplacePolicy selects how collection flushes treat concurrent sessions.
func WithReplacePolicy(p string) HarnessOption {
	return func(c *harnessConfig) {
		c.replacePolicy = p
	}
}

// WithSQLite persists records in an SQLite database at path.
func WithSQLite(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.storeDriver = "sqlite"
		c.sqlitePath = path
	}
}

// WithoutIdempotency disables the idempotency store.
func WithoutIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.idempotency = false
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithGeneratorTimeout sets the HTTP timeout for provider calls.
func WithGeneratorTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.generatorTimeout = d
	}
}

// WithCircuitBreaker sets the provider circuit breaker configuration.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = cb
	}
}

// WithDebounce sets the field autosave interval.
func WithDebounce(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.debounce = d
	}
}

// WithBackend reuses an existing mock backend, so two harnesses can share
// one provider.
func WithBackend(mb *MockBackend) HarnessOption {
	return func(c *harnessConfig) {
		c.backend = mb
	}
}

// NewTestHarness creates and starts a full intake instance. The server is
// shut down when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		transitionPolicy: "permissive",
		replacePolicy:    "last_write_wins",
		storeDriver:      "memory",
		idempotency:      true,
		handlerTimeout:   10 * time.Second,
		generatorTimeout: 5 * time.Second,
		breaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		},
		debounce: 20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t, Backend: hc.backend}

	// Step 1: Start the mock provider.
	if h.Backend == nil {
		h.Backend = newMockBackend(t)
	}
	t.Setenv(apiKeyEnv, "sk-integration")

	// Step 2: Build config.
	cfg := config.Defaults()
	cfg.Server.PublicURL = "https://intake.example.com"
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Store.Driver = hc.storeDriver
	cfg.Store.SQLitePath = hc.sqlitePath
	cfg.Session.DebounceInterval = hc.debounce
	cfg.Session.SavingIndicator = 0
	cfg.Session.ReplacePolicy = hc.replacePolicy
	cfg.Workflow.TransitionPolicy = hc.transitionPolicy
	cfg.Generator.BaseURL = h.Backend.URL()
	cfg.Generator.APIKeyEnv = apiKeyEnv
	cfg.Generator.Model = "claude-integration"
	cfg.Generator.Timeout = hc.generatorTimeout
	cfg.Generator.CircuitBreaker = hc.breaker
	cfg.Idempotency.Enabled = hc.idempotency
	cfg.Observability.Tracing.Enabled = false
	if err := cfg.Validate(); err != nil {
		t.Fatalf("harness config: %v", err)
	}
	h.cfg = cfg

	// Step 3: Wire the service.
	h.Registry = prometheus.NewRegistry()
	a, err := app.New(context.Background(), cfg, zap.NewNop(), h.Registry)
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	h.App = a

	// Step 4: Start background tasks and the test server.
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	h.server = httptest.NewServer(a.Handler)

	h.stop = func() {
		h.server.Close()
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := a.Close(shutdownCtx); err != nil {
			t.Errorf("app close: %v", err)
		}
	}
	t.Cleanup(h.Close)
	return h
}

// Close stops the server and flushes every live session to the store. It is
// safe to call more than once.
func (h *TestHarness) Close() {
	h.closeOnce.Do(h.stop)
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Config returns the configuration the harness was built with.
func (h *TestHarness) Config() *config.Config {
	return h.cfg
}

// --- HTTP client helpers ---

// GET performs a GET request.
func (h *TestHarness) GET(path string) *http.Response {
	h.t.Helper()
	return h.Do("GET", path, nil, nil)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any) *http.Response {
	h.t.Helper()
	return h.Do("POST", path, body, nil)
}

// PATCH performs a PATCH request with a JSON body.
func (h *TestHarness) PATCH(path string, body any) *http.Response {
	h.t.Helper()
	return h.Do("PATCH", path, body, nil)
}

// DELETE performs a DELETE request.
func (h *TestHarness) DELETE(path string) *http.Response {
	h.t.Helper()
	return h.Do("DELETE", path, nil, nil)
}

// Do performs a request. A string or []byte body is sent verbatim; anything
// else is JSON encoded.
func (h *TestHarness) Do(method, path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		bodyReader = strings.NewReader(b)
	case []byte:
		bodyReader = strings.NewReader(string(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code and
// drains the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != expected {
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertData checks the status and decodes the "data" member of a success
// envelope into target.
func (h *TestHarness) AssertData(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	h.ParseJSON(resp, &env)
	if err := json.Unmarshal(env.Data, target); err != nil {
		t.Fatalf("unmarshal data: %v\ndata: %s", err, string(env.Data))
	}
}

// AssertError checks the status and error code of an error envelope and
// returns the decoded body.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, expected int, code string) ErrorBody {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	var body ErrorBody
	h.ParseJSON(resp, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q", body.Error.Code, code)
	}
	return body
}

// ErrorBody is the wire form of an error response.
type ErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details []struct {
			Field string `json:"field"`
			Code  string `json:"code"`
		} `json:"details"`
	} `json:"error"`
	Redirect string `json:"redirect"`
}

// --- Fixtures ---

// Created is the response to creating a submission.
type Created struct {
	ID        string `json:"id"`
	Token     string `json:"token"`
	IntakeURL string `json:"intake_url"`
}

// CreateSubmission creates a submission in vertical and returns its link.
func (h *TestHarness) CreateSubmission(vertical string) Created {
	h.t.Helper()
	var c Created
	h.AssertData(h.t, h.POST("/api/submissions", map[string]string{"vertical": vertical}), http.StatusCreated, &c)
	return c
}

// IntakePath returns the client API path for token.
func IntakePath(token string, rest ...string) string {
	p := "/api/intake/" + token
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

// Eventually polls cond until it holds or the timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
