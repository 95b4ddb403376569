// Package generate produces website copy from prompts through an external
// language model provider.
package generate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/intake/internal/config"
	"github.com/pitabwire/intake/internal/observability"
	"github.com/pitabwire/intake/model"
)

// Generator produces text for a prompt in the requested tone.
type Generator interface {
	Generate(ctx context.Context, prompt string, tone model.Tone) (string, error)
}

// Disabled is the generator used when no provider is configured. Every
// call fails with NOT_CONFIGURED.
type Disabled struct{}

// Generate implements Generator.
func (Disabled) Generate(context.Context, string, model.Tone) (string, error) {
	return "", model.NewNotConfiguredError("text generation is not configured")
}

// New builds the generator selected by cfg.
func New(cfg config.GeneratorConfig, logger *zap.Logger, metrics *observability.Metrics) (Generator, error) {
	switch cfg.Provider {
	case "", "disabled":
		return Disabled{}, nil
	case "anthropic":
		return NewAnthropic(cfg, cfg.APIKey(), logger, metrics), nil
	}
	return nil, fmt.Errorf("generate: unknown provider %q", cfg.Provider)
}
