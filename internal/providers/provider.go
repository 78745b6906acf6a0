package providers

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"llm_fanout/internal/models"
)

var (
	// ErrProviderNotFound is returned for keys absent from the registry
	ErrProviderNotFound = errors.New("provider not found")

	// ErrNotEnabled is returned when calling a provider without credentials
	// outside mock mode
	ErrNotEnabled = errors.New("provider is not enabled")
)

// keyPattern keeps provider keys safe as JSON object and document field names.
var keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ProviderConfig is the process-wide, read-only description of one provider.
type ProviderConfig struct {
	Key                string  `json:"key"`
	DisplayName        string  `json:"displayName"`
	UpstreamModelID    string  `json:"upstreamModelId"`
	Credential         string  `json:"-"`
	Enabled            bool    `json:"enabled"`
	InputCostPerToken  float64 `json:"inputCostPerToken"`
	OutputCostPerToken float64 `json:"outputCostPerToken"`
}

// Ref returns the key/model pair stored on aggregates.
func (p ProviderConfig) Ref() models.ProviderRef {
	return models.ProviderRef{Key: p.Key, UpstreamModelID: p.UpstreamModelID}
}

// EstimateCost prices a usage report with the provider's per-token rates.
func (p ProviderConfig) EstimateCost(usage models.TokenUsage) float64 {
	return float64(usage.Prompt)*p.InputCostPerToken + float64(usage.Completion)*p.OutputCostPerToken
}

// Definition is one entry of the provider catalog, either built in or read
// from PROVIDERS_FILE.
type Definition struct {
	Key                string  `yaml:"key"`
	DisplayName        string  `yaml:"display_name"`
	UpstreamModelID    string  `yaml:"upstream_model_id"`
	CredentialEnv      string  `yaml:"credential_env"`
	InputCostPerToken  float64 `yaml:"input_cost_per_token"`
	OutputCostPerToken float64 `yaml:"output_cost_per_token"`
}

func (d Definition) validate() error {
	if !keyPattern.MatchString(d.Key) {
		return fmt.Errorf("invalid provider key %q: must match %s", d.Key, keyPattern)
	}
	if strings.TrimSpace(d.UpstreamModelID) == "" {
		return fmt.Errorf("provider %q: upstream_model_id is required", d.Key)
	}
	if d.InputCostPerToken < 0 || d.OutputCostPerToken < 0 {
		return fmt.Errorf("provider %q: costs must not be negative", d.Key)
	}
	return nil
}

// DefaultDefinitions is the built-in catalog used when no file is configured.
func DefaultDefinitions() []Definition {
	return []Definition{
		{
			Key:                "gpt-4o",
			DisplayName:        "GPT-4o",
			UpstreamModelID:    "openai/gpt-4o",
			CredentialEnv:      "OPENAI_GATEWAY_KEY",
			InputCostPerToken:  0.0000025,
			OutputCostPerToken: 0.00001,
		},
		{
			Key:                "claude-sonnet",
			DisplayName:        "Claude Sonnet",
			UpstreamModelID:    "anthropic/claude-3.5-sonnet",
			CredentialEnv:      "ANTHROPIC_GATEWAY_KEY",
			InputCostPerToken:  0.000003,
			OutputCostPerToken: 0.000015,
		},
		{
			Key:                "gemini-pro",
			DisplayName:        "Gemini 1.5 Pro",
			UpstreamModelID:    "google/gemini-pro-1.5",
			CredentialEnv:      "GOOGLE_GATEWAY_KEY",
			InputCostPerToken:  0.00000125,
			OutputCostPerToken: 0.000005,
		},
		{
			Key:                "llama-3-70b",
			DisplayName:        "Llama 3 70B Instruct",
			UpstreamModelID:    "meta-llama/llama-3-70b-instruct",
			CredentialEnv:      "META_GATEWAY_KEY",
			InputCostPerToken:  0.00000059,
			OutputCostPerToken: 0.00000079,
		},
		{
			Key:                "mistral-large",
			DisplayName:        "Mistral Large",
			UpstreamModelID:    "mistralai/mistral-large",
			CredentialEnv:      "MISTRAL_GATEWAY_KEY",
			InputCostPerToken:  0.000002,
			OutputCostPerToken: 0.000006,
		},
	}
}

type catalogFile struct {
	Providers []Definition `yaml:"providers"`
}

// LoadDefinitions reads a YAML catalog of the form
//
//	providers:
//	  - key: gpt-4o
//	    display_name: GPT-4o
//	    upstream_model_id: openai/gpt-4o
//	    credential_env: OPENAI_GATEWAY_KEY
func LoadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provider catalog %q: %w", path, err)
	}
	var catalog catalogFile
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parse provider catalog %q: %w", path, err)
	}
	if len(catalog.Providers) == 0 {
		return nil, fmt.Errorf("provider catalog %q defines no providers", path)
	}
	return catalog.Providers, nil
}
