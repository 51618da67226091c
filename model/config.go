package model

import "fmt"

// RegistryConfig is the serialisable form of a Registry, embedded in the
// application config under "models".
type RegistryConfig struct {
	// Tiers maps tier names (deep, fast_reasoning, fast_non_reasoning) to model names.
	Tiers map[string]string `yaml:"tiers" json:"tiers"`

	// Endpoints maps model names to their endpoint.
	Endpoints map[string]*EndpointConfig `yaml:"endpoints" json:"endpoints"`
}

// DefaultRegistryConfig returns the configuration of NewDefaultRegistry.
func DefaultRegistryConfig() RegistryConfig {
	return NewDefaultRegistry().ToConfig()
}

// Validate checks that every tier is bound and every bound model has an endpoint.
func (c RegistryConfig) Validate() error {
	for _, t := range AllTiers() {
		name, ok := c.Tiers[string(t)]
		if !ok || name == "" {
			return fmt.Errorf("models.tiers.%s is required", t)
		}
		if _, ok := c.Endpoints[name]; !ok {
			return fmt.Errorf("models.endpoints.%s is required for tier %s", name, t)
		}
	}
	for name := range c.Tiers {
		if !Tier(name).IsValid() {
			return fmt.Errorf("unknown tier %q", name)
		}
	}
	return nil
}

// NewRegistryFromConfig builds a registry from configuration.
// Endpoints without an explicit wire model use their map key.
func NewRegistryFromConfig(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tiers := make(map[Tier]*TierConfig, len(cfg.Tiers))
	for name, modelName := range cfg.Tiers {
		tiers[Tier(name)] = &TierConfig{Model: modelName}
	}

	endpoints := make(map[string]*EndpointConfig, len(cfg.Endpoints))
	for name, ep := range cfg.Endpoints {
		copied := *ep
		if copied.Model == "" {
			copied.Model = name
		}
		if copied.Provider == "" {
			copied.Provider = "xai"
		}
		endpoints[name] = &copied
	}

	return NewRegistry(tiers, endpoints), nil
}

// ToConfig converts a Registry to its serialisable form.
func (r *Registry) ToConfig() RegistryConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg := RegistryConfig{
		Tiers:     make(map[string]string, len(r.tiers)),
		Endpoints: make(map[string]*EndpointConfig, len(r.endpoints)),
	}
	for t, tc := range r.tiers {
		cfg.Tiers[string(t)] = tc.Model
	}
	for name, ep := range r.endpoints {
		copied := *ep
		cfg.Endpoints[name] = &copied
	}
	return cfg
}
