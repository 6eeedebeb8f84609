package provider

import (
	"fmt"
	"log/slog"

	"concierge/internal/config"
	"concierge/internal/domain"
)

// Factory builds providers from configuration. One provider instance is
// shared per configured backend; ForModel derives a dedicated instance when
// an agent pins a different model.
type Factory struct {
	cfg    *config.Config
	logger *slog.Logger
}

func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	return &Factory{cfg: cfg, logger: logger}
}

// Default returns the provider named by general.defaultProvider.
func (f *Factory) Default() (domain.Provider, error) {
	return f.Build(f.cfg.General.DefaultProvider, "")
}

// ForModel returns the default backend configured with a specific model.
func (f *Factory) ForModel(model string) (domain.Provider, error) {
	return f.Build(f.cfg.General.DefaultProvider, model)
}

// Build constructs a provider by name, optionally overriding its model.
func (f *Factory) Build(name, model string) (domain.Provider, error) {
	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %q is disabled", name)
	}
	if model == "" {
		model = pc.DefaultModel
	}

	switch name {
	case "openai":
		return NewOpenAI(OpenAIConfig{
			APIKey:  pc.APIKey,
			APIBase: pc.APIBase,
			Model:   model,
			Logger:  f.logger.With("provider", name),
		}), nil
	default:
		// Any OpenAI-compatible endpoint works through the same client.
		if pc.APIBase == "" {
			return nil, fmt.Errorf("provider %q: apiBase is required", name)
		}
		return NewOpenAI(OpenAIConfig{
			APIKey:  pc.APIKey,
			APIBase: pc.APIBase,
			Model:   model,
			Logger:  f.logger.With("provider", name),
		}), nil
	}
}
