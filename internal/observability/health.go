package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks are the dependencies probed by the readiness endpoint.
// The record store is required; the rest run only when set.
type ReadinessChecks struct {
	RecordStore      HealthChecker
	IdempotencyStore HealthChecker
	Generator        HealthChecker
}

const checkTimeout = 2 * time.Second

// HandleHealth returns the liveness handler.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: Version,
			Commit:  Commit,
		})
	}
}

// HandleReady returns the readiness handler. Checks run concurrently, each
// under its own timeout.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		named := map[string]HealthChecker{"record_store": checks.RecordStore}
		if checks.IdempotencyStore != nil {
			named["idempotency_store"] = checks.IdempotencyStore
		}
		if checks.Generator != nil {
			named["generator"] = checks.Generator
		}

		results := make(map[string]CheckResult, len(named))
		var mu sync.Mutex
		var wg sync.WaitGroup
		for name, checker := range named {
			wg.Add(1)
			go func(name string, checker HealthChecker) {
				defer wg.Done()
				var res CheckResult
				if checker == nil {
					res = CheckResult{Status: "error", Error: "not configured"}
				} else {
					res = runCheck(r.Context(), checker)
				}
				mu.Lock()
				results[name] = res
				mu.Unlock()
			}(name, checker)
		}
		wg.Wait()

		status, code := "ready", http.StatusOK
		for _, res := range results {
			if res.Status != "ok" {
				status, code = "not_ready", http.StatusServiceUnavailable
				break
			}
		}
		writeHealthJSON(w, code, ReadinessResponse{Status: status, Checks: results})
	}
}

// runCheck executes a health check with a per-check timeout.
func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

func writeHealthJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
