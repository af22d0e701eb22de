package provider

import (
	"fmt"
	"os"
)

// Provider kinds.
const (
	KindAnthropic = "anthropic"
	KindOpenAI    = "openai"
	KindDemo      = "demo"
)

// Profile configures one provider instance.
type Profile struct {
	ID                string
	Kind              string
	APIKey            string
	BaseURL           string
	RequestsPerMinute int
	MaxRetries        int
}

// Factory creates providers from profiles.
type Factory struct{}

// New builds the provider of a profile, wrapped with retry and rate limiting.
// An empty API key falls back to ANTHROPIC_API_KEY or OPENAI_API_KEY.
func (f *Factory) New(profile Profile) (Provider, error) {
	var p Provider
	switch profile.Kind {
	case KindAnthropic:
		key := profile.APIKey
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		if key == "" {
			return nil, fmt.Errorf("provider %s: API key is required", profile.ID)
		}
		p = NewAnthropicProvider(key, profile.BaseURL)
	case KindOpenAI:
		key := profile.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		if key == "" {
			return nil, fmt.Errorf("provider %s: API key is required", profile.ID)
		}
		p = NewOpenAIProvider(key, profile.BaseURL)
	case KindDemo:
		return WithRateLimit(NewDemoProvider(), profile.RequestsPerMinute), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Kind)
	}

	return WithRateLimit(WithRetry(p, profile.MaxRetries), profile.RequestsPerMinute), nil
}
