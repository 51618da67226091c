package model

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedAudit struct {
	action   string
	userID   string
	metadata map[string]any
}

type fakeAuditor struct {
	mu      sync.Mutex
	records []recordedAudit
}

func (f *fakeAuditor) Record(_ context.Context, action, userID string, metadata map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, recordedAudit{action: action, userID: userID, metadata: metadata})
}

func TestSelectTier(t *testing.T) {
	tests := []struct {
		name       string
		agent      Agent
		plan       Plan
		complexity Complexity
		want       Tier
	}{
		{"architect standard medium keeps deep", AgentArchitect, PlanStandard, ComplexityMedium, TierDeep},
		{"product pro low keeps deep", AgentProduct, PlanPro, ComplexityLow, TierDeep},
		{"frontend standard medium", AgentFrontend, PlanStandard, ComplexityMedium, TierFastReasoning},
		{"backend pro low", AgentBackend, PlanPro, ComplexityLow, TierFastReasoning},
		{"security standard low", AgentSecurity, PlanStandard, ComplexityLow, TierFastReasoning},
		{"qa standard medium", AgentQA, PlanStandard, ComplexityMedium, TierFastNonReasoning},
		{"devops pro low", AgentDevOps, PlanPro, ComplexityLow, TierFastNonReasoning},
		{"unknown agent", Agent("designer"), PlanPro, ComplexityLow, TierFastNonReasoning},
		{"premier high qa escalates", AgentQA, PlanPremier, ComplexityHigh, TierDeep},
		{"ultra medium devops escalates", AgentDevOps, PlanUltra, ComplexityMedium, TierDeep},
		{"premier low qa stays", AgentQA, PlanPremier, ComplexityLow, TierFastNonReasoning},
		{"pro high frontend escalates", AgentFrontend, PlanPro, ComplexityHigh, TierDeep},
		{"starter high architect downgrades", AgentArchitect, PlanStarter, ComplexityHigh, TierFastNonReasoning},
		{"starter medium architect downgrades", AgentArchitect, PlanStarter, ComplexityMedium, TierFastNonReasoning},
		{"starter high qa downgrades after escalation", AgentQA, PlanStarter, ComplexityHigh, TierFastNonReasoning},
		{"starter low frontend untouched", AgentFrontend, PlanStarter, ComplexityLow, TierFastReasoning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectTier(tt.agent, tt.plan, tt.complexity)
			if got != tt.want {
				t.Errorf("SelectTier(%s, %s, %s) = %s, want %s", tt.agent, tt.plan, tt.complexity, got, tt.want)
			}
		})
	}
}

func TestRouter_PremierHighQASelectsDeepModel(t *testing.T) {
	r := NewRouter(NewDefaultRegistry())

	d := r.Route(context.Background(), RouteRequest{
		Agent:      AgentQA,
		Plan:       PlanPremier,
		Complexity: ComplexityHigh,
	})

	assert.Equal(t, TierDeep, d.Tier)
	assert.Equal(t, DefaultDeepModel, d.Model)
	assert.Equal(t, defaultProfile, d.Profile)
}

func TestRouter_StarterHighArchitectSelectsFastNonReasoning(t *testing.T) {
	r := NewRouter(NewDefaultRegistry())

	d := r.Route(context.Background(), RouteRequest{
		Agent:      AgentArchitect,
		Plan:       PlanStarter,
		Complexity: ComplexityHigh,
	})

	assert.Equal(t, TierFastNonReasoning, d.Tier)
	assert.Equal(t, DefaultFastNonReasoningModel, d.Model)
	assert.Equal(t, planningProfile, d.Profile)
}

func TestRouter_ForceModel(t *testing.T) {
	r := NewRouter(NewDefaultRegistry())

	t.Run("known model used verbatim", func(t *testing.T) {
		d := r.Route(context.Background(), RouteRequest{
			Agent:      AgentArchitect,
			Plan:       PlanStarter,
			Complexity: ComplexityHigh,
			ForceModel: DefaultDeepModel,
		})
		assert.True(t, d.Forced)
		assert.Equal(t, DefaultDeepModel, d.Model)
		assert.Equal(t, TierDeep, d.Tier)
	})

	t.Run("unknown model ignored", func(t *testing.T) {
		d := r.Route(context.Background(), RouteRequest{
			Agent:      AgentFrontend,
			Plan:       PlanStandard,
			Complexity: ComplexityLow,
			ForceModel: "gpt-unknown",
		})
		assert.False(t, d.Forced)
		assert.Equal(t, DefaultFastReasoningModel, d.Model)
	})
}

func TestRouter_EmitsAuditRecord(t *testing.T) {
	auditor := &fakeAuditor{}
	r := NewRouter(NewDefaultRegistry(), WithAuditor(auditor))

	d := r.Route(context.Background(), RouteRequest{
		Agent:      AgentBackend,
		Plan:       PlanPro,
		Complexity: ComplexityMedium,
		UserID:     "user-1",
		ProjectID:  "proj-1",
	})

	require.Len(t, auditor.records, 1)
	rec := auditor.records[0]
	assert.Equal(t, "model_routed", rec.action)
	assert.Equal(t, "user-1", rec.userID)
	assert.Equal(t, d.Model, rec.metadata["selected_model"])
	assert.Equal(t, "fast_reasoning", rec.metadata["reason"])
	assert.Equal(t, "proj-1", rec.metadata["project_id"])
}

func TestProfileForAgent(t *testing.T) {
	assert.Equal(t, 0.2, ProfileForAgent(AgentArchitect).Temperature)
	assert.Equal(t, 12288, ProfileForAgent(AgentSecurity).MaxTokens)
	assert.Equal(t, 12288, ProfileForAgent(AgentProduct).MaxTokens)
	assert.Equal(t, 0.5, ProfileForAgent(AgentFrontend).Temperature)
	assert.Equal(t, 8192, ProfileForAgent(AgentBackend).MaxTokens)
	assert.Equal(t, 4096, ProfileForAgent(AgentQA).MaxTokens)
	assert.Equal(t, 0.7, ProfileForAgent(AgentDevOps).Temperature)
}

func TestParsePlanAndComplexity(t *testing.T) {
	assert.Equal(t, PlanPremier, ParsePlan(" Premier "))
	assert.Equal(t, PlanStarter, ParsePlan("enterprise"))
	assert.True(t, PlanUltra.IsTopTier())
	assert.False(t, PlanPro.IsTopTier())

	assert.Equal(t, ComplexityHigh, ParseComplexity("HIGH"))
	assert.Equal(t, ComplexityMedium, ParseComplexity(""))
}
