package model

import (
	"context"
	"log/slog"

	"github.com/c360studio/buildforge/metrics"
)

// Auditor receives routing decisions. Implementations must not block.
type Auditor interface {
	Record(ctx context.Context, action, userID string, metadata map[string]any)
}

// RouteRequest carries the inputs of one routing decision.
type RouteRequest struct {
	Agent      Agent
	Plan       Plan
	Complexity Complexity

	// ForceModel is used verbatim when it names a configured model.
	ForceModel string

	// UserID and ProjectID only annotate the audit record.
	UserID    string
	ProjectID string
}

// Decision is the outcome of routing one agent call.
type Decision struct {
	Agent      Agent      `json:"agent_type"`
	Plan       Plan       `json:"user_tier"`
	Complexity Complexity `json:"task_complexity"`
	Tier       Tier       `json:"tier"`
	Model      string     `json:"selected_model"`
	Profile    Profile    `json:"profile"`
	Forced     bool       `json:"forced,omitempty"`
}

// Router applies the routing policy against a Registry.
type Router struct {
	registry *Registry
	auditor  Auditor
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithAuditor sets the sink that receives every decision.
func WithAuditor(a Auditor) RouterOption {
	return func(r *Router) {
		r.auditor = a
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) RouterOption {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// NewRouter creates a router over the given registry.
func NewRouter(registry *Registry, opts ...RouterOption) *Router {
	r := &Router{
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the registry the router resolves against.
func (r *Router) Registry() *Registry {
	return r.registry
}

// SelectTier applies the tier rules, without the forced-model escape hatch:
// agent default, top-plan escalation, high-complexity escalation, and finally the
// starter downgrade, which always wins.
func SelectTier(agent Agent, plan Plan, complexity Complexity) Tier {
	tier := TierForAgent(agent)

	if plan.IsTopTier() && (complexity == ComplexityMedium || complexity == ComplexityHigh) {
		tier = TierDeep
	}

	if complexity == ComplexityHigh {
		tier = TierDeep
	}

	if plan == PlanStarter && tier == TierDeep {
		tier = TierFastNonReasoning
	}

	return tier
}

// Route picks the model and generation profile for an agent call.
// The audit record is emitted after the decision is made and its outcome is ignored.
func (r *Router) Route(ctx context.Context, req RouteRequest) Decision {
	d := Decision{
		Agent:      req.Agent,
		Plan:       req.Plan,
		Complexity: req.Complexity,
		Profile:    ProfileForAgent(req.Agent),
	}

	if req.ForceModel != "" && r.registry.IsKnownModel(req.ForceModel) {
		d.Model = req.ForceModel
		d.Tier = r.tierOf(req.ForceModel)
		d.Forced = true
	} else {
		d.Tier = SelectTier(req.Agent, req.Plan, req.Complexity)
		d.Model = r.registry.ModelFor(d.Tier)
	}

	r.logger.Debug("Routed agent",
		"agent", d.Agent,
		"plan", d.Plan,
		"complexity", d.Complexity,
		"tier", d.Tier,
		"model", d.Model)

	r.metrics.ObserveRoute(string(d.Agent), string(d.Tier))

	if r.auditor != nil {
		r.auditor.Record(ctx, "model_routed", req.UserID, map[string]any{
			"project_id":      req.ProjectID,
			"agent_type":      string(d.Agent),
			"user_tier":       string(d.Plan),
			"task_complexity": string(d.Complexity),
			"selected_model":  d.Model,
			"reason":          string(d.Tier),
			"forced":          d.Forced,
		})
	}

	return d
}

func (r *Router) tierOf(modelName string) Tier {
	r.registry.mu.RLock()
	defer r.registry.mu.RUnlock()

	for _, t := range AllTiers() {
		if cfg, ok := r.registry.tiers[t]; ok && cfg.Model == modelName {
			return t
		}
	}
	return ""
}
