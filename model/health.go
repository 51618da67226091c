package model

import (
	"sync"
	"time"
)

// EndpointHealth is a snapshot of one endpoint's circuit breaker.
type EndpointHealth struct {
	Available       bool      `json:"available"`
	LastSuccess     time.Time `json:"last_success,omitempty"`
	LastFailure     time.Time `json:"last_failure,omitempty"`
	FailureCount    int       `json:"failure_count"`
	CircuitOpen     bool      `json:"circuit_open"`
	CircuitOpenedAt time.Time `json:"circuit_opened_at,omitempty"`
}

// HealthConfig configures the circuit breaker.
type HealthConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long an open circuit rejects calls before letting one through.
	RecoveryTimeout time.Duration
}

// DefaultHealthConfig returns the default circuit breaker settings.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

type healthState struct {
	mu       sync.Mutex
	config   HealthConfig
	statuses map[string]*EndpointHealth
	now      func() time.Time
}

func newHealthState(cfg HealthConfig) *healthState {
	return &healthState{
		config:   cfg,
		statuses: make(map[string]*EndpointHealth),
		now:      time.Now,
	}
}

// status returns the entry for name, creating it. Caller holds h.mu.
func (h *healthState) status(name string) *EndpointHealth {
	s, ok := h.statuses[name]
	if !ok {
		s = &EndpointHealth{Available: true}
		h.statuses[name] = s
	}
	return s
}

// SetHealthConfig replaces the circuit breaker settings.
func (r *Registry) SetHealthConfig(cfg HealthConfig) {
	r.health.mu.Lock()
	defer r.health.mu.Unlock()
	r.health.config = cfg
}

// MarkEndpointSuccess closes the circuit for an endpoint.
func (r *Registry) MarkEndpointSuccess(name string) {
	h := r.health
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.status(name)
	s.LastSuccess = h.now()
	s.FailureCount = 0
	s.Available = true
	s.CircuitOpen = false
}

// MarkEndpointFailure records a transient failure and opens the circuit once the
// threshold is reached.
func (r *Registry) MarkEndpointFailure(name string) {
	h := r.health
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.status(name)
	s.LastFailure = h.now()
	s.FailureCount++
	if s.FailureCount >= h.config.FailureThreshold && !s.CircuitOpen {
		s.CircuitOpen = true
		s.CircuitOpenedAt = h.now()
		s.Available = false
	}
}

// IsEndpointAvailable reports whether calls may be sent to an endpoint.
// An open circuit lets a probe through once the recovery timeout has passed.
func (r *Registry) IsEndpointAvailable(name string) bool {
	h := r.health
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.statuses[name]
	if !ok || !s.CircuitOpen {
		return true
	}
	return h.now().Sub(s.CircuitOpenedAt) > h.config.RecoveryTimeout
}

// GetEndpointHealth returns a copy of the endpoint's health, or nil if no call has
// been recorded for it yet.
func (r *Registry) GetEndpointHealth(name string) *EndpointHealth {
	h := r.health
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.statuses[name]
	if !ok {
		return nil
	}
	snapshot := *s
	return &snapshot
}
