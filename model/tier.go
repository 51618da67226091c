// Package model selects the backend model for each pipeline agent.
// Agents never name a model directly; the Router maps an agent, the user's plan and the
// task complexity to a reasoning tier, and the Registry resolves the tier to a concrete model.
package model

import "strings"

// Tier is a named model capability class.
type Tier string

const (
	// TierDeep is the deepest reasoning tier, used for planning-heavy work.
	TierDeep Tier = "deep"

	// TierFastReasoning is a fast reasoning tier with tool support.
	TierFastReasoning Tier = "fast_reasoning"

	// TierFastNonReasoning is the cheapest, highest-throughput tier.
	TierFastNonReasoning Tier = "fast_non_reasoning"
)

// IsValid reports whether t is a known tier.
func (t Tier) IsValid() bool {
	switch t {
	case TierDeep, TierFastReasoning, TierFastNonReasoning:
		return true
	}
	return false
}

// String returns the string representation of the tier.
func (t Tier) String() string {
	return string(t)
}

// AllTiers returns every tier from deepest to cheapest.
func AllTiers() []Tier {
	return []Tier{TierDeep, TierFastReasoning, TierFastNonReasoning}
}

// Plan is the user's subscription plan.
type Plan string

const (
	PlanStarter  Plan = "starter"
	PlanStandard Plan = "standard"
	PlanPro      Plan = "pro"
	PlanPremier  Plan = "premier"
	PlanUltra    Plan = "ultra"
)

// IsValid reports whether p is a known plan.
func (p Plan) IsValid() bool {
	switch p {
	case PlanStarter, PlanStandard, PlanPro, PlanPremier, PlanUltra:
		return true
	}
	return false
}

// IsTopTier reports whether p is one of the two highest paid plans.
func (p Plan) IsTopTier() bool {
	return p == PlanPremier || p == PlanUltra
}

// ParsePlan converts a string to a Plan. Unknown values map to PlanStarter,
// the most restrictive plan.
func ParsePlan(s string) Plan {
	p := Plan(strings.ToLower(strings.TrimSpace(s)))
	if p.IsValid() {
		return p
	}
	return PlanStarter
}

// Complexity is the estimated difficulty of a task.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// IsValid reports whether c is a known complexity.
func (c Complexity) IsValid() bool {
	switch c {
	case ComplexityLow, ComplexityMedium, ComplexityHigh:
		return true
	}
	return false
}

// ParseComplexity converts a string to a Complexity, defaulting to medium.
func ParseComplexity(s string) Complexity {
	c := Complexity(strings.ToLower(strings.TrimSpace(s)))
	if c.IsValid() {
		return c
	}
	return ComplexityMedium
}

// Agent identifies the specialist an LLM call is made for.
type Agent string

const (
	AgentArchitect Agent = "architect"
	AgentProduct   Agent = "product"
	AgentFrontend  Agent = "frontend"
	AgentBackend   Agent = "backend"
	AgentSecurity  Agent = "security"
	AgentQA        Agent = "qa"
	AgentDevOps    Agent = "devops"
)

// agentTiers is the static agent to tier preference.
var agentTiers = map[Agent]Tier{
	AgentArchitect: TierDeep,
	AgentProduct:   TierDeep,
	AgentFrontend:  TierFastReasoning,
	AgentBackend:   TierFastReasoning,
	AgentSecurity:  TierFastReasoning,
	AgentQA:        TierFastNonReasoning,
	AgentDevOps:    TierFastNonReasoning,
}

// TierForAgent returns the default tier for an agent.
// Unknown agents get the cheapest tier.
func TierForAgent(a Agent) Tier {
	if t, ok := agentTiers[a]; ok {
		return t
	}
	return TierFastNonReasoning
}
