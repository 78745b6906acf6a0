package providers

import (
	"fmt"
	"os"
	"sort"
)

// RegistryOptions controls how credentials are resolved.
type RegistryOptions struct {
	// DefaultCredential is used for definitions whose own variable is unset.
	DefaultCredential string
	// MockMode enables every provider, credentialed or not.
	MockMode bool
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// Registry holds the provider catalog. It is built once at startup and
// never mutated afterwards, so it is safe for concurrent use.
type Registry struct {
	byKey    map[string]ProviderConfig
	ordered  []string
	mockMode bool
}

// NewRegistry validates the definitions and resolves their credentials.
func NewRegistry(defs []Definition, opts RegistryOptions) (*Registry, error) {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	r := &Registry{
		byKey:    make(map[string]ProviderConfig, len(defs)),
		mockMode: opts.MockMode,
	}
	for _, d := range defs {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byKey[d.Key]; dup {
			return nil, fmt.Errorf("duplicate provider key %q", d.Key)
		}

		credential := ""
		if d.CredentialEnv != "" {
			credential = getenv(d.CredentialEnv)
		}
		if credential == "" {
			credential = opts.DefaultCredential
		}

		displayName := d.DisplayName
		if displayName == "" {
			displayName = d.Key
		}

		r.byKey[d.Key] = ProviderConfig{
			Key:                d.Key,
			DisplayName:        displayName,
			UpstreamModelID:    d.UpstreamModelID,
			Credential:         credential,
			Enabled:            credential != "" || opts.MockMode,
			InputCostPerToken:  d.InputCostPerToken,
			OutputCostPerToken: d.OutputCostPerToken,
		}
		r.ordered = append(r.ordered, d.Key)
	}
	sort.Strings(r.ordered)
	return r, nil
}

// MockMode reports whether the registry was built in mock mode.
func (r *Registry) MockMode() bool {
	return r.mockMode
}

// Get returns the provider for key.
func (r *Registry) Get(key string) (ProviderConfig, error) {
	p, ok := r.byKey[key]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("%w: %s", ErrProviderNotFound, key)
	}
	return p, nil
}

// ListEnabled returns the enabled providers sorted by key.
func (r *Registry) ListEnabled() []ProviderConfig {
	out := make([]ProviderConfig, 0, len(r.ordered))
	for _, key := range r.ordered {
		if p := r.byKey[key]; p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// List returns every provider, enabled or not, sorted by key.
func (r *Registry) List() []ProviderConfig {
	out := make([]ProviderConfig, 0, len(r.ordered))
	for _, key := range r.ordered {
		out = append(out, r.byKey[key])
	}
	return out
}
