package model

import (
	"encoding/json"
	"sort"
	"sync"
)

// Default model identifiers for each tier.
const (
	DefaultDeepModel             = "grok-4-latest"
	DefaultFastReasoningModel    = "grok-4-1-fast-reasoning"
	DefaultFastNonReasoningModel = "grok-4-1-fast-non-reasoning"

	// DefaultBaseURL is the xAI OpenAI-compatible API root.
	DefaultBaseURL = "https://api.x.ai/v1"
)

// Registry resolves tiers to models and models to endpoints.
// It also tracks endpoint health for the gateway's circuit breaker.
type Registry struct {
	mu        sync.RWMutex
	tiers     map[Tier]*TierConfig
	endpoints map[string]*EndpointConfig
	health    *healthState
}

// TierConfig binds a tier to the model that serves it.
type TierConfig struct {
	// Description explains what the tier is for.
	Description string `json:"description" yaml:"description"`

	// Model is the endpoint name (and by default the wire model id) for the tier.
	Model string `json:"model" yaml:"model"`
}

// EndpointConfig defines an available model endpoint.
type EndpointConfig struct {
	// Provider is the wire protocol provider (xai, openai, ollama).
	Provider string `json:"provider" yaml:"provider"`

	// URL is the API root. Empty uses the provider default.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Model is the model identifier sent to the provider.
	Model string `json:"model" yaml:"model"`

	// ContextWindow is the model's context size in tokens.
	ContextWindow int `json:"context_window,omitempty" yaml:"context_window,omitempty"`
}

// NewRegistry creates a registry from explicit tier and endpoint maps.
func NewRegistry(tiers map[Tier]*TierConfig, endpoints map[string]*EndpointConfig) *Registry {
	if tiers == nil {
		tiers = make(map[Tier]*TierConfig)
	}
	if endpoints == nil {
		endpoints = make(map[string]*EndpointConfig)
	}
	return &Registry{
		tiers:     tiers,
		endpoints: endpoints,
		health:    newHealthState(DefaultHealthConfig()),
	}
}

// NewDefaultRegistry creates a registry serving every tier from the Grok family.
func NewDefaultRegistry() *Registry {
	return NewRegistry(
		map[Tier]*TierConfig{
			TierDeep: {
				Description: "Planning, architecture and product reasoning",
				Model:       DefaultDeepModel,
			},
			TierFastReasoning: {
				Description: "Code generation with tool calling",
				Model:       DefaultFastReasoningModel,
			},
			TierFastNonReasoning: {
				Description: "Validation, tests and deployment scripts",
				Model:       DefaultFastNonReasoningModel,
			},
		},
		map[string]*EndpointConfig{
			DefaultDeepModel: {
				Provider:      "xai",
				URL:           DefaultBaseURL,
				Model:         DefaultDeepModel,
				ContextWindow: 256000,
			},
			DefaultFastReasoningModel: {
				Provider:      "xai",
				URL:           DefaultBaseURL,
				Model:         DefaultFastReasoningModel,
				ContextWindow: 2000000,
			},
			DefaultFastNonReasoningModel: {
				Provider:      "xai",
				URL:           DefaultBaseURL,
				Model:         DefaultFastNonReasoningModel,
				ContextWindow: 2000000,
			},
		},
	)
}

// ModelFor returns the model serving a tier, or the cheapest tier's model when the
// tier is not configured.
func (r *Registry) ModelFor(t Tier) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.tiers[t]; ok && cfg.Model != "" {
		return cfg.Model
	}
	if cfg, ok := r.tiers[TierFastNonReasoning]; ok {
		return cfg.Model
	}
	return DefaultFastNonReasoningModel
}

// IsKnownModel reports whether name is served by some tier.
func (r *Registry) IsKnownModel(name string) bool {
	if name == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cfg := range r.tiers {
		if cfg.Model == name {
			return true
		}
	}
	return false
}

// GetEndpoint returns the endpoint configuration for a model name.
// Returns nil if the model has no endpoint.
func (r *Registry) GetEndpoint(modelName string) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.endpoints[modelName]
}

// SetTier updates or adds a tier binding.
func (r *Registry) SetTier(t Tier, cfg *TierConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tiers[t] = cfg
}

// ListEndpoints returns all configured endpoint names, sorted.
func (r *Registry) ListEndpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarshalJSON implements json.Marshaler for the registry.
func (r *Registry) MarshalJSON() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return json.Marshal(struct {
		Tiers     map[Tier]*TierConfig       `json:"tiers"`
		Endpoints map[string]*EndpointConfig `json:"endpoints"`
	}{
		Tiers:     r.tiers,
		Endpoints: r.endpoints,
	})
}
