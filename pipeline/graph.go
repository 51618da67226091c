package pipeline

import "github.com/c360studio/buildforge/model"

// Stage is a node of the orchestration graph.
type Stage string

const (
	StageRetrieval    Stage = "retrieval"
	StageArchitect    Stage = "architect"
	StageBuild        Stage = "build"
	StageFrontend     Stage = "frontend"
	StageBackend      Stage = "backend"
	StageSecurity     Stage = "security"
	StageQA           Stage = "qa"
	StageDevOps       Stage = "devops"
	StageErrorHandler Stage = "error_handler"
	StageDone         Stage = "done"
	StageFailed       Stage = "failed"
)

// IsTerminal reports whether the walk stops at s.
func (s Stage) IsTerminal() bool {
	return s == StageDone || s == StageFailed
}

// Agent returns the model agent that runs the stage.
func (s Stage) Agent() model.Agent {
	return model.Agent(s)
}

// buildBranches run between architect and security, in merge order.
var buildBranches = []Stage{StageFrontend, StageBackend}

// outputKeys maps agent stages to their stage_outputs key.
var outputKeys = map[Stage]string{
	StageArchitect: "architecture",
	StageFrontend:  "frontend_code",
	StageBackend:   "backend_code",
	StageSecurity:  "security",
	StageQA:        "tests",
	StageDevOps:    "devops",
}

// OutputKey returns the stage_outputs key a stage writes.
func OutputKey(s Stage) string {
	if k, ok := outputKeys[s]; ok {
		return k
	}
	return string(s)
}

// IsAgentStage reports whether s runs an agent node.
func IsAgentStage(s Stage) bool {
	_, ok := outputKeys[s]
	return ok
}

// Decision is the conditional router's verdict after a node.
type Decision string

const (
	DecideNext  Decision = "next"
	DecideTools Decision = "tools"
	DecideError Decision = "error_handler"
)

// Decide routes on the state alone: any error diverts to the error handler, a
// trailing assistant message with tool calls loops through the tool node, and
// anything else advances.
func Decide(s *State) Decision {
	if len(s.Errors) > 0 {
		return DecideError
	}
	if n := len(s.Messages); n > 0 && s.Messages[n-1].HasToolCalls() {
		return DecideTools
	}
	return DecideNext
}

type edge struct {
	from     Stage
	decision Decision
}

// transitions is the graph. A tools edge back to the same stage is a loop through
// the tool node.
var transitions = map[edge]Stage{
	{StageRetrieval, DecideNext}:  StageArchitect,
	{StageRetrieval, DecideError}: StageErrorHandler,

	{StageArchitect, DecideNext}:  StageBuild,
	{StageArchitect, DecideTools}: StageArchitect,
	{StageArchitect, DecideError}: StageErrorHandler,

	{StageBuild, DecideNext}:  StageSecurity,
	{StageBuild, DecideError}: StageErrorHandler,

	{StageFrontend, DecideTools}: StageFrontend,
	{StageBackend, DecideTools}:  StageBackend,

	{StageSecurity, DecideNext}:  StageQA,
	{StageSecurity, DecideTools}: StageSecurity,
	{StageSecurity, DecideError}: StageErrorHandler,

	{StageQA, DecideNext}:  StageDevOps,
	{StageQA, DecideTools}: StageQA,
	{StageQA, DecideError}: StageErrorHandler,

	{StageDevOps, DecideNext}:  StageDone,
	{StageDevOps, DecideError}: StageErrorHandler,

	{StageErrorHandler, DecideNext}:  StageFailed,
	{StageErrorHandler, DecideError}: StageFailed,
}

// Next returns the stage after from for a decision. A stage without a tools edge
// (devops) advances instead.
func Next(from Stage, d Decision) (Stage, bool) {
	if to, ok := transitions[edge{from, d}]; ok {
		return to, true
	}
	if d == DecideTools {
		return Next(from, DecideNext)
	}
	return "", false
}

// hasToolLoop reports whether the graph loops s through the tool node.
func hasToolLoop(s Stage) bool {
	to, ok := transitions[edge{s, DecideTools}]
	return ok && to == s
}
