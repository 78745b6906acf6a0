package providers

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_fanout/internal/models"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

var testDefinitions = []Definition{
	{Key: "alpha", DisplayName: "Alpha", UpstreamModelID: "vendor/alpha", CredentialEnv: "ALPHA_KEY", InputCostPerToken: 0.001, OutputCostPerToken: 0.002},
	{Key: "beta", UpstreamModelID: "vendor/beta", CredentialEnv: "BETA_KEY"},
}

func TestNewRegistry_Enablement(t *testing.T) {
	tests := []struct {
		name        string
		opts        RegistryOptions
		wantEnabled []string
	}{
		{
			name:        "no credentials",
			opts:        RegistryOptions{Getenv: envMap(nil)},
			wantEnabled: nil,
		},
		{
			name:        "per provider credential",
			opts:        RegistryOptions{Getenv: envMap(map[string]string{"ALPHA_KEY": "k1"})},
			wantEnabled: []string{"alpha"},
		},
		{
			name:        "default credential",
			opts:        RegistryOptions{Getenv: envMap(nil), DefaultCredential: "shared"},
			wantEnabled: []string{"alpha", "beta"},
		},
		{
			name:        "mock mode",
			opts:        RegistryOptions{Getenv: envMap(nil), MockMode: true},
			wantEnabled: []string{"alpha", "beta"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRegistry(testDefinitions, tt.opts)
			require.NoError(t, err)

			var keys []string
			for _, p := range r.ListEnabled() {
				keys = append(keys, p.Key)
			}
			assert.Equal(t, tt.wantEnabled, keys)
			assert.Len(t, r.List(), 2)
		})
	}
}

func TestRegistry_Get(t *testing.T) {
	r, err := NewRegistry(testDefinitions, RegistryOptions{Getenv: envMap(map[string]string{"ALPHA_KEY": "k1"})})
	require.NoError(t, err)

	p, err := r.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "k1", p.Credential)
	assert.Equal(t, "vendor/alpha", p.UpstreamModelID)

	beta, err := r.Get("beta")
	require.NoError(t, err)
	assert.Equal(t, "beta", beta.DisplayName)
	assert.False(t, beta.Enabled)

	_, err = r.Get("gamma")
	assert.True(t, errors.Is(err, ErrProviderNotFound))
}

func TestNewRegistry_Invalid(t *testing.T) {
	tests := []struct {
		name string
		defs []Definition
	}{
		{"uppercase key", []Definition{{Key: "Alpha", UpstreamModelID: "m"}}},
		{"dotted key", []Definition{{Key: "a.b", UpstreamModelID: "m"}}},
		{"missing model", []Definition{{Key: "alpha"}}},
		{"negative cost", []Definition{{Key: "alpha", UpstreamModelID: "m", InputCostPerToken: -1}}},
		{"duplicate", []Definition{{Key: "alpha", UpstreamModelID: "m"}, {Key: "alpha", UpstreamModelID: "n"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRegistry(tt.defs, RegistryOptions{}); err == nil {
				t.Error("NewRegistry() expected error, got nil")
			}
		})
	}
}

func TestDefaultDefinitions_Valid(t *testing.T) {
	r, err := NewRegistry(DefaultDefinitions(), RegistryOptions{Getenv: envMap(nil), MockMode: true})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ListEnabled())
}

func TestLoadDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	content := `providers:
  - key: alpha
    display_name: Alpha
    upstream_model_id: vendor/alpha
    credential_env: ALPHA_KEY
    input_cost_per_token: 0.000001
    output_cost_per_token: 0.000002
  - key: beta
    upstream_model_id: vendor/beta
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	defs, err := LoadDefinitions(path)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "Alpha", defs[0].DisplayName)
	assert.Equal(t, "ALPHA_KEY", defs[0].CredentialEnv)
	assert.InDelta(t, 0.000002, defs[0].OutputCostPerToken, 1e-12)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("providers: []\n"), 0o600))
	_, err = LoadDefinitions(empty)
	assert.Error(t, err)

	_, err = LoadDefinitions(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestEstimateCost(t *testing.T) {
	p := ProviderConfig{InputCostPerToken: 0.001, OutputCostPerToken: 0.002}
	got := p.EstimateCost(models.TokenUsage{Prompt: 10, Completion: 5, Total: 15})
	assert.InDelta(t, 0.02, got, 1e-12)
}
