package providers

import (
	"fmt"

	"github.com/sablebot/sable/pkg/config"
)

// FromConfig builds the configured default provider. The returned model is
// the configured override, or empty to let the provider pick its default.
func FromConfig(cfg config.ProvidersConfig) (LLMProvider, string, error) {
	switch cfg.Default {
	case "anthropic":
		pc := cfg.Anthropic
		if pc.APIKey == "" {
			return nil, "", fmt.Errorf("anthropic provider selected but no API key configured")
		}
		if pc.APIBase != "" {
			return NewAnthropicProviderWithBase(pc.APIKey, pc.APIBase), pc.Model, nil
		}
		return NewAnthropicProvider(pc.APIKey), pc.Model, nil

	case "openai":
		pc := cfg.OpenAI
		if pc.APIKey == "" {
			return nil, "", fmt.Errorf("openai provider selected but no API key configured")
		}
		if pc.APIBase != "" {
			return NewOpenAIProviderWithBase(pc.APIKey, pc.APIBase), pc.Model, nil
		}
		return NewOpenAIProvider(pc.APIKey), pc.Model, nil

	default:
		return nil, "", fmt.Errorf("unknown provider %q", cfg.Default)
	}
}
