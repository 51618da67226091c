// Package pipeline is the orchestration engine: the run state, the stage graph,
// the agent and tool nodes, and the batch and streaming drivers that walk them.
package pipeline

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"

	"github.com/c360studio/buildforge/billing"
	"github.com/c360studio/buildforge/llm"
	"github.com/c360studio/buildforge/model"
	"github.com/c360studio/buildforge/retrieval"
)

// Output is a stage's result: parsed JSON when the reply decoded, raw text otherwise.
type Output struct {
	Structured any    `json:"structured,omitempty"`
	Raw        string `json:"raw,omitempty"`
}

// IsStructured reports whether the reply decoded as JSON.
func (o Output) IsStructured() bool {
	return o.Structured != nil
}

// String renders the output for inclusion in a later stage's prompt.
func (o Output) String() string {
	if !o.IsStructured() {
		return o.Raw
	}
	data, err := json.MarshalIndent(o.Structured, "", "  ")
	if err != nil {
		return o.Raw
	}
	return string(data)
}

// StageError is a stage failure recorded in the run state.
type StageError struct {
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`
}

func (e StageError) String() string {
	return string(e.Stage) + ": " + e.Message
}

// State is one run's state. The driver owns it; nodes read it and return Updates.
type State struct {
	RunID      string           `json:"run_id"`
	ProjectID  string           `json:"project_id"`
	UserID     string           `json:"user_id"`
	OrgID      string           `json:"org_id"`
	Prompt     string           `json:"prompt"`
	Tier       model.Plan       `json:"tier"`
	Complexity model.Complexity `json:"complexity"`

	// ForceModel pins every stage to one configured model.
	ForceModel string `json:"force_model,omitempty"`

	Messages        []llm.Message        `json:"messages"`
	StageOutputs    map[string]Output    `json:"stage_outputs"`
	Memory          []retrieval.Artifact `json:"memory"`
	Errors          []StageError         `json:"errors"`
	TotalTokensUsed int                  `json:"total_tokens_used"`

	// EstimatedTokens is the part of TotalTokensUsed that came from the length
	// estimate because the provider reported no usage.
	EstimatedTokens int `json:"estimated_tokens"`

	CurrentStage Stage               `json:"current_stage"`
	Reservation  billing.Reservation `json:"reservation"`
}

// NewState returns a state with empty collections, positioned at the entry stage.
func NewState(runID, projectID, userID, orgID, prompt string, tier model.Plan, complexity model.Complexity) *State {
	return &State{
		RunID:        runID,
		ProjectID:    projectID,
		UserID:       userID,
		OrgID:        orgID,
		Prompt:       prompt,
		Tier:         tier,
		Complexity:   complexity,
		Messages:     []llm.Message{},
		StageOutputs: map[string]Output{},
		Memory:       []retrieval.Artifact{},
		Errors:       []StageError{},
		CurrentStage: StageRetrieval,
	}
}

// Update is the partial state a node returns.
type Update struct {
	Messages  []llm.Message
	Tokens    int
	Estimated bool

	// OutputKey and Output are set when the stage produced its final reply.
	OutputKey string
	Output    *Output
}

// Apply merges an update. Messages are appended in order, tokens only grow, and
// an output key that is already set is never overwritten.
func (s *State) Apply(u Update) {
	s.Messages = append(s.Messages, u.Messages...)
	if u.Tokens > 0 {
		s.TotalTokensUsed += u.Tokens
		if u.Estimated {
			s.EstimatedTokens += u.Tokens
		}
	}
	if u.Output != nil && u.OutputKey != "" {
		if s.StageOutputs == nil {
			s.StageOutputs = map[string]Output{}
		}
		if _, exists := s.StageOutputs[u.OutputKey]; !exists {
			s.StageOutputs[u.OutputKey] = *u.Output
		}
	}
}

// AddError records a stage failure.
func (s *State) AddError(stage Stage, err error) {
	s.Errors = append(s.Errors, StageError{Stage: stage, Message: err.Error()})
}

// Failed reports whether any stage failed.
func (s *State) Failed() bool {
	return len(s.Errors) > 0
}

// ErrorText joins the recorded failures.
func (s *State) ErrorText() string {
	parts := make([]string, len(s.Errors))
	for i, e := range s.Errors {
		parts[i] = e.String()
	}
	return strings.Join(parts, "; ")
}

// Status is the externally visible run status.
func (s *State) Status() string {
	switch s.CurrentStage {
	case StageDone:
		return "completed"
	case StageFailed:
		return "failed"
	default:
		return "running"
	}
}

// fork copies the state for a parallel branch. Collections are cloned so the
// branch never writes through to the parent.
func (s *State) fork() *State {
	cp := *s
	cp.Messages = slices.Clone(s.Messages)
	cp.StageOutputs = maps.Clone(s.StageOutputs)
	cp.Errors = slices.Clone(s.Errors)
	return &cp
}

// join merges parallel branches forked from s, in the order given.
func (s *State) join(branches ...*State) {
	baseMessages := len(s.Messages)
	baseErrors := len(s.Errors)
	baseTokens := s.TotalTokensUsed
	baseEstimated := s.EstimatedTokens

	var messages []llm.Message
	var errs []StageError
	tokens, estimated := 0, 0
	for _, b := range branches {
		messages = append(messages, b.Messages[baseMessages:]...)
		errs = append(errs, b.Errors[baseErrors:]...)
		tokens += b.TotalTokensUsed - baseTokens
		estimated += b.EstimatedTokens - baseEstimated
		for k, v := range b.StageOutputs {
			if _, exists := s.StageOutputs[k]; !exists {
				s.StageOutputs[k] = v
			}
		}
	}
	s.Messages = append(s.Messages, messages...)
	s.Errors = append(s.Errors, errs...)
	s.TotalTokensUsed += tokens
	s.EstimatedTokens += estimated
}

func (s *State) outputStrings() map[string]string {
	out := make(map[string]string, len(s.StageOutputs))
	for k, v := range s.StageOutputs {
		out[k] = v.String()
	}
	return out
}
