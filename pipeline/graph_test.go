package pipeline

import (
	"testing"

	"github.com/c360studio/buildforge/llm"
)

func TestNext(t *testing.T) {
	tests := []struct {
		from   Stage
		d      Decision
		want   Stage
		wantOK bool
	}{
		{StageRetrieval, DecideNext, StageArchitect, true},
		{StageArchitect, DecideNext, StageBuild, true},
		{StageArchitect, DecideTools, StageArchitect, true},
		{StageBuild, DecideNext, StageSecurity, true},
		{StageSecurity, DecideNext, StageQA, true},
		{StageQA, DecideTools, StageQA, true},
		{StageQA, DecideNext, StageDevOps, true},
		{StageDevOps, DecideNext, StageDone, true},
		{StageDevOps, DecideTools, StageDone, true},
		{StageSecurity, DecideError, StageErrorHandler, true},
		{StageBuild, DecideError, StageErrorHandler, true},
		{StageErrorHandler, DecideNext, StageFailed, true},
		{StageErrorHandler, DecideError, StageFailed, true},
		{StageFrontend, DecideNext, "", false},
		{StageDone, DecideNext, "", false},
	}

	for _, tt := range tests {
		got, ok := Next(tt.from, tt.d)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("Next(%s, %s) = %s, %v; want %s, %v", tt.from, tt.d, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestDecide(t *testing.T) {
	withCall := llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "1", Name: "x"}}}
	plain := llm.Message{Role: llm.RoleAssistant, Content: "{}"}

	tests := []struct {
		name string
		st   *State
		want Decision
	}{
		{"empty", &State{}, DecideNext},
		{"plain reply", &State{Messages: []llm.Message{plain}}, DecideNext},
		{"tool call", &State{Messages: []llm.Message{withCall}}, DecideTools},
		{"tool call answered", &State{Messages: []llm.Message{withCall, {Role: llm.RoleTool}}}, DecideNext},
		{"errors win over tools", &State{Messages: []llm.Message{withCall}, Errors: []StageError{{Stage: StageQA, Message: "x"}}}, DecideError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.st); got != tt.want {
				t.Errorf("Decide() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestHasToolLoop(t *testing.T) {
	for _, s := range []Stage{StageArchitect, StageFrontend, StageBackend, StageSecurity, StageQA} {
		if !hasToolLoop(s) {
			t.Errorf("%s should loop through tools", s)
		}
	}
	for _, s := range []Stage{StageDevOps, StageRetrieval, StageBuild, StageErrorHandler} {
		if hasToolLoop(s) {
			t.Errorf("%s should not loop through tools", s)
		}
	}
}

func TestOutputKey(t *testing.T) {
	want := map[Stage]string{
		StageArchitect: "architecture",
		StageFrontend:  "frontend_code",
		StageBackend:   "backend_code",
		StageSecurity:  "security",
		StageQA:        "tests",
		StageDevOps:    "devops",
	}
	for stage, key := range want {
		if got := OutputKey(stage); got != key {
			t.Errorf("OutputKey(%s) = %s, want %s", stage, got, key)
		}
		if !IsAgentStage(stage) {
			t.Errorf("%s should be an agent stage", stage)
		}
	}
	if IsAgentStage(StageBuild) {
		t.Error("build is not an agent stage")
	}
}
