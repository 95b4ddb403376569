package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/intake/internal/config"
	"github.com/pitabwire/intake/internal/observability"
	"github.com/pitabwire/intake/model"
)

const providerAnthropic = "anthropic"

const systemPromptTemplate = `You are a professional website copywriter specializing in local service businesses.
You write compelling, benefit-focused copy that converts visitors into customers.
Keep your tone %s and write for a local audience.
Never use generic filler. Every sentence should be specific and useful.
Return only the requested copy, no preamble or explanation.`

// SystemPrompt returns the copywriter instruction for tone.
func SystemPrompt(tone model.Tone) string {
	if tone == "" {
		tone = model.DefaultTone
	}
	return fmt.Sprintf(systemPromptTemplate, tone)
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Anthropic calls the Anthropic Messages API.
type Anthropic struct {
	cfg     config.GeneratorConfig
	apiKey  string
	client  *http.Client
	breaker *Breaker
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewAnthropic creates a client for cfg. An empty apiKey is accepted; calls
// then fail with NOT_CONFIGURED.
func NewAnthropic(cfg config.GeneratorConfig, apiKey string, logger *zap.Logger, metrics *observability.Metrics) *Anthropic {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.AnthropicVersion == "" {
		cfg.AnthropicVersion = "2023-06-01"
	}
	a := &Anthropic{
		cfg:    cfg,
		apiKey: apiKey,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxConnsPerHost:     10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		breaker: NewBreaker(cfg.CircuitBreaker),
		logger:  logger.With(zap.String("provider", providerAnthropic)),
		metrics: metrics,
	}
	a.breaker.OnStateChange(func(s BreakerState) {
		metrics.SetGeneratorCircuitBreakerState(providerAnthropic, gaugeValue(s))
	})
	return a
}

// Breaker exposes the client's circuit breaker.
func (a *Anthropic) Breaker() *Breaker { return a.breaker }

// HealthCheck reports the provider unhealthy while its breaker is open.
// It never calls the API.
func (a *Anthropic) HealthCheck(context.Context) error {
	if a.breaker.State() == BreakerOpen {
		return fmt.Errorf("generate: %s circuit open", providerAnthropic)
	}
	return nil
}

// Generate sends prompt as a single user message and returns the first
// content block's text.
func (a *Anthropic) Generate(ctx context.Context, prompt string, tone model.Tone) (string, error) {
	ctx, span := observability.StartSpan(ctx, "generate.anthropic",
		observability.AttrProvider.String(providerAnthropic),
	)
	text, err := a.generate(ctx, prompt, tone)
	observability.EndSpanWithError(span, err)
	return text, err
}

func (a *Anthropic) generate(ctx context.Context, prompt string, tone model.Tone) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", model.NewBadRequestError("prompt is required")
	}
	if a.apiKey == "" {
		return "", model.NewNotConfiguredError("generation API key not configured")
	}
	if !a.breaker.Allow() {
		return "", model.NewBackendUnavailableError()
	}

	body, err := json.Marshal(messagesRequest{
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
		System:    SystemPrompt(tone),
		Messages:  []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("generate: marshal request: %w", err)
	}

	url := strings.TrimRight(a.cfg.BaseURL, "/") + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("generate: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", a.cfg.AnthropicVersion)
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := a.client.Do(req)
	if err != nil {
		a.breaker.Failure()
		a.logger.Warn("generation request failed", zap.Error(err))
		return "", model.NewBackendUnavailableError()
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		a.breaker.Failure()
		return "", fmt.Errorf("generate: read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		a.breaker.Failure()
	case resp.StatusCode < 400:
		a.breaker.Success()
	}
	if resp.StatusCode >= 300 {
		a.logger.Warn("generation provider returned an error",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", truncate(respBody, 512)),
		)
		return "", model.NewBackendUnavailableError()
	}

	var parsed messagesResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		a.logger.Warn("generation response is not JSON", zap.Error(err))
		return "", model.NewBackendUnavailableError()
	}
	if len(parsed.Content) == 0 || parsed.Content[0].Text == "" {
		a.logger.Warn("generation response has no text content")
		return "", model.NewBackendUnavailableError()
	}
	return parsed.Content[0].Text, nil
}

// gaugeValue maps a state onto the exported gauge scale
// (0=closed, 1=half-open, 2=open).
func gaugeValue(s BreakerState) float64 {
	switch s {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
