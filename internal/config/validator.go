package config

import (
	"fmt"
	"regexp"
	"strings"
)

var modelIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/-]*$`)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format. Empty keys are allowed because
// the provider factory falls back to the environment.
func (v *Validator) ValidateAPIKey(key string, kind string) error {
	if key == "" {
		return nil
	}

	switch kind {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateModelID validates a model identifier
func (v *Validator) ValidateModelID(model string) error {
	if model == "" {
		return fmt.Errorf("model id cannot be empty")
	}
	if !modelIDPattern.MatchString(model) {
		return fmt.Errorf("invalid model id %q", model)
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateImageType validates an image MIME type
func (v *Validator) ValidateImageType(contentType string) error {
	if !strings.HasPrefix(strings.ToLower(contentType), "image/") {
		return fmt.Errorf("invalid image type %q", contentType)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	for i, p := range cfg.Providers {
		if err := v.ValidateAPIKey(p.APIKey, p.Kind); err != nil {
			errors = append(errors, fmt.Errorf("provider %d (%s): %w", i, p.ID, err))
		}
		if p.RequestsPerMinute < 0 {
			errors = append(errors, fmt.Errorf("provider %d (%s): requests_per_minute must be >= 0", i, p.ID))
		}
		if p.MaxRetries < 0 {
			errors = append(errors, fmt.Errorf("provider %d (%s): max_retries must be >= 0", i, p.ID))
		}
	}

	for i, m := range cfg.Models {
		if err := v.ValidateModelID(m.ID); err != nil {
			errors = append(errors, fmt.Errorf("model %d: %w", i, err))
		}
		for _, t := range m.ImageTypes {
			if err := v.ValidateImageType(t); err != nil {
				errors = append(errors, fmt.Errorf("model %d (%s): %w", i, m.ID, err))
			}
		}
		if m.InputCostPerMTok < 0 || m.OutputCostPerMTok < 0 {
			errors = append(errors, fmt.Errorf("model %d (%s): costs must be >= 0", i, m.ID))
		}
	}

	if cfg.Defaults.Model != "" {
		if err := v.ValidateModelID(cfg.Defaults.Model); err != nil {
			errors = append(errors, fmt.Errorf("defaults: %w", err))
		}
	}
	if cfg.Defaults.Temperature != 0 {
		if err := v.ValidateTemperature(cfg.Defaults.Temperature); err != nil {
			errors = append(errors, fmt.Errorf("defaults: %w", err))
		}
	}
	if cfg.Defaults.MaxTokens != 0 {
		if err := v.ValidateMaxTokens(cfg.Defaults.MaxTokens); err != nil {
			errors = append(errors, fmt.Errorf("defaults: %w", err))
		}
	}

	if cfg.Chain.ToolTimeoutSeconds < 0 {
		errors = append(errors, fmt.Errorf("chain.tool_timeout_seconds must be >= 0"))
	}
	if cfg.Chain.ApprovalTimeoutSeconds < 0 {
		errors = append(errors, fmt.Errorf("chain.approval_timeout_seconds must be >= 0"))
	}
	if cfg.Chain.CheckpointTTLSeconds < 0 {
		errors = append(errors, fmt.Errorf("chain.checkpoint_ttl_seconds must be >= 0"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
