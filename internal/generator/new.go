package generator

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/anthropics/anthropic-sdk-go/option"

	"forgeline/internal/config"
	"forgeline/internal/domain"
)

// New builds the configured provider wrapped in Instrumented. Credential and binary problems
// surface here as domain.ErrConfiguration, before any stage runs.
func New(cfg *config.Config, logger *slog.Logger) (Generator, error) {
	gc := cfg.Generator
	var (
		next  Generator
		model = gc.Model
	)
	switch gc.Provider {
	case config.ProviderAnthropic:
		key := os.Getenv(gc.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("%w: %s is not set", domain.ErrConfiguration, gc.APIKeyEnv)
		}
		var reqOpts []option.RequestOption
		if t := cfg.GeneratorTimeout(); t > 0 {
			reqOpts = append(reqOpts, option.WithRequestTimeout(t))
		}
		a, err := NewAnthropic(AnthropicOptions{
			APIKey:         key,
			Model:          gc.Model,
			MaxTokens:      gc.MaxTokens,
			MaxRetries:     gc.MaxRetries,
			RequestOptions: reqOpts,
		})
		if err != nil {
			return nil, err
		}
		next = a
	case config.ProviderClaudeCLI:
		bin := gc.Bin
		if bin == "" {
			bin = "claude"
		}
		if _, err := exec.LookPath(bin); err != nil {
			return nil, fmt.Errorf("%w: claude binary %q not found: %v", domain.ErrConfiguration, bin, err)
		}
		next = ClaudeCLI{Bin: bin, Timeout: cfg.GeneratorTimeout()}
		model = "claude-cli"
	default:
		return nil, fmt.Errorf("%w: unknown generator provider %q", domain.ErrConfiguration, gc.Provider)
	}
	return Instrumented{Next: next, Provider: gc.Provider, Model: model, Logger: logger}, nil
}
