package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// MockBackend is a scripted stand-in for the text generation provider's
// Messages API. Responses are served in the order they were queued; the
// last one repeats. Every request is recorded for later assertion.
type MockBackend struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	responses []*mockResponse
	current   int
	received  []*RecordedRequest
}

// RecordedRequest captures a request received by the mock backend.
type RecordedRequest struct {
	Headers    http.Header
	Model      string
	System     string
	Prompt     string
	MaxTokens  int
	RawBody    []byte
	ReceivedAt time.Time
}

type mockResponse struct {
	status    int
	text      string
	rawBody   string
	delay     time.Duration
	connError bool
}

type messagesRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	System    string `json:"system"`
	Messages  []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newMockBackend(t *testing.T) *MockBackend {
	t.Helper()
	mb := &MockBackend{t: t}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", mb.handleMessages)
	mb.server = httptest.NewServer(mux)
	t.Cleanup(mb.server.Close)
	return mb
}

// URL returns the base URL of the mock backend server.
func (mb *MockBackend) URL() string {
	return mb.server.URL
}

// RespondWithText queues a successful completion carrying text.
func (mb *MockBackend) RespondWithText(text string) *MockBackend {
	return mb.add(&mockResponse{status: http.StatusOK, text: text})
}

// RespondWithStatus queues an error response.
func (mb *MockBackend) RespondWithStatus(status int) *MockBackend {
	return mb.add(&mockResponse{
		status:  status,
		rawBody: `{"type":"error","error":{"type":"api_error","message":"mock failure"}}`,
	})
}

// RespondWithRaw queues a response with an arbitrary body.
func (mb *MockBackend) RespondWithRaw(status int, body string) *MockBackend {
	return mb.add(&mockResponse{status: status, rawBody: body})
}

// RespondWithDelay queues a successful completion sent after delay.
func (mb *MockBackend) RespondWithDelay(delay time.Duration, text string) *MockBackend {
	return mb.add(&mockResponse{status: http.StatusOK, text: text, delay: delay})
}

// RespondWithConnectionError queues a response that drops the connection.
func (mb *MockBackend) RespondWithConnectionError() *MockBackend {
	return mb.add(&mockResponse{connError: true})
}

// Reset clears queued responses and recorded requests.
func (mb *MockBackend) Reset() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.responses = nil
	mb.current = 0
	mb.received = nil
}

func (mb *MockBackend) add(resp *mockResponse) *MockBackend {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.responses = append(mb.responses, resp)
	return mb
}

func (mb *MockBackend) handleMessages(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	rec := &RecordedRequest{
		Headers:    r.Header.Clone(),
		RawBody:    body,
		ReceivedAt: time.Now(),
	}
	var parsed messagesRequest
	if err := json.Unmarshal(body, &parsed); err == nil {
		rec.Model = parsed.Model
		rec.System = parsed.System
		rec.MaxTokens = parsed.MaxTokens
		if len(parsed.Messages) > 0 {
			rec.Prompt = parsed.Messages[0].Content
		}
	}

	mb.mu.Lock()
	mb.received = append(mb.received, rec)
	resp := mb.next()
	mb.mu.Unlock()

	if resp == nil {
		resp = &mockResponse{status: http.StatusOK, text: "mock completion"}
	}

	if resp.connError {
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, _ := hj.Hijack()
			if conn != nil {
				conn.Close()
			}
		}
		return
	}

	if resp.delay > 0 {
		select {
		case <-time.After(resp.delay):
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	if resp.rawBody != "" {
		io.WriteString(w, resp.rawBody)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"id":    "msg_mock",
		"type":  "message",
		"role":  "assistant",
		"model": parsed.Model,
		"content": []map[string]string{
			{"type": "text", "text": resp.text},
		},
	})
}

// next must be called with mb.mu held.
func (mb *MockBackend) next() *mockResponse {
	if len(mb.responses) == 0 {
		return nil
	}
	idx := mb.current
	if idx >= len(mb.responses) {
		// Repeat the last response for subsequent calls.
		idx = len(mb.responses) - 1
	} else {
		mb.current++
	}
	return mb.responses[idx]
}

// Calls returns the number of requests received.
func (mb *MockBackend) Calls() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.received)
}

// AssertCalled verifies the backend was called the expected number of times.
func (mb *MockBackend) AssertCalled(t *testing.T, expected int) {
	t.Helper()
	if actual := mb.Calls(); actual != expected {
		t.Errorf("mock backend called %d times, want %d", actual, expected)
	}
}

// LastRequest returns the most recent request, or nil.
func (mb *MockBackend) LastRequest() *RecordedRequest {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if len(mb.received) == 0 {
		return nil
	}
	return mb.received[len(mb.received)-1]
}
