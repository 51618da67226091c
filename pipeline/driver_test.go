package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/buildforge/audit"
	"github.com/c360studio/buildforge/billing"
	"github.com/c360studio/buildforge/llm"
	"github.com/c360studio/buildforge/model"
	"github.com/c360studio/buildforge/project"
	"github.com/c360studio/buildforge/retrieval"
	"github.com/c360studio/buildforge/tools/catalog"
)

var errUpstream = errors.New("upstream 503")

func TestExecute_CompletesAllStages(t *testing.T) {
	h := newHarness(t, perStage(nil))
	st := h.newState(t)

	got, err := h.driver.Execute(context.Background(), st)
	require.NoError(t, err)

	assert.Equal(t, StageDone, got.CurrentStage)
	assert.Equal(t, "completed", got.Status())
	assert.Empty(t, got.Errors)
	assert.Equal(t, 600, got.TotalTokensUsed)
	assert.Zero(t, got.EstimatedTokens)

	for _, key := range []string{"architecture", "frontend_code", "backend_code", "security", "tests", "devops"} {
		out, ok := got.StageOutputs[key]
		require.True(t, ok, "missing output %s", key)
		assert.True(t, out.IsStructured(), "output %s should be structured", key)
	}

	assert.Equal(t, startBalance-billing.DefaultCost, h.balance(t))
	assert.Equal(t, project.StatusCompleted, h.status(t))

	successes, failures := h.notifier.counts()
	assert.Equal(t, 1, successes)
	assert.Zero(t, failures)

	usage := h.sink.Usage()
	require.Len(t, usage, 6)
	for _, u := range usage {
		assert.Equal(t, 100, u.Tokens)
		assert.False(t, u.Estimated)
	}

	completed := h.sink.Events(audit.ActionProjectCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, 600, completed[0].Metadata["tokens"])
	assert.Empty(t, h.sink.Events(audit.ActionProjectFailed))

	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.Runs.WithLabelValues("batch", "completed")))
}

func TestExecute_StarterTierTodoApp(t *testing.T) {
	gw := perStage(nil)
	h := newHarness(t, gw)
	st := h.newState(t)
	st.Tier = model.PlanStarter

	got, err := h.driver.Execute(context.Background(), st)
	require.NoError(t, err)

	var architect []llm.Request
	for _, req := range gw.Requests() {
		if stageOf(req) == StageArchitect {
			architect = append(architect, req)
		}
	}
	require.Len(t, architect, 1)
	assert.Equal(t, "grok-4-1-fast-non-reasoning", architect[0].Model)

	assert.Len(t, got.StageOutputs, 6)
	for _, key := range []string{"architecture", "frontend_code", "backend_code", "security", "tests", "devops"} {
		assert.Contains(t, got.StageOutputs, key)
	}
	assert.Empty(t, got.Errors)
	assert.Equal(t, "completed", got.Status())
}

func TestExecute_SeedsPromptAsFirstMessage(t *testing.T) {
	h := newHarness(t, perStage(nil))
	got, err := h.driver.Execute(context.Background(), h.newState(t))
	require.NoError(t, err)

	require.NotEmpty(t, got.Messages)
	assert.Equal(t, llm.RoleUser, got.Messages[0].Role)
	assert.Equal(t, "Build a todo app", got.Messages[0].Content)

	// One user message plus one assistant reply per agent stage.
	assert.Len(t, got.Messages, 7)
}

func TestExecute_LaterStagesSeeEarlierOutputs(t *testing.T) {
	var frontendPrompt atomic.Value
	gw := perStage(func(stage Stage, req llm.Request) (*llm.Response, error) {
		if stage == StageArchitect {
			return &llm.Response{Content: `{"stack": "Next.js + FastAPI"}`}, nil
		}
		if stage == StageFrontend {
			frontendPrompt.Store(req.System)
		}
		return nil, nil
	})
	h := newHarness(t, gw)

	_, err := h.driver.Execute(context.Background(), h.newState(t))
	require.NoError(t, err)

	prompt, _ := frontendPrompt.Load().(string)
	assert.Contains(t, prompt, "Next.js + FastAPI")
}

func TestExecute_RetriesTransientFailures(t *testing.T) {
	var architectCalls atomic.Int32
	gw := perStage(func(stage Stage, _ llm.Request) (*llm.Response, error) {
		if stage == StageArchitect && architectCalls.Add(1) <= 2 {
			return nil, errUpstream
		}
		return nil, nil
	})
	h := newHarness(t, gw)

	got, err := h.driver.Execute(context.Background(), h.newState(t))
	require.NoError(t, err)

	assert.Equal(t, StageDone, got.CurrentStage)
	assert.Equal(t, 3, callsFor(gw, StageArchitect))
	assert.Equal(t, 2.0, promtest.ToFloat64(h.metrics.StageRetries.WithLabelValues("architect")))
	// Failed attempts leave nothing behind.
	assert.Equal(t, 600, got.TotalTokensUsed)
}

func TestExecute_StageFailureRefundsAndStops(t *testing.T) {
	gw := perStage(func(stage Stage, _ llm.Request) (*llm.Response, error) {
		if stage == StageSecurity {
			return nil, errUpstream
		}
		return nil, nil
	})
	h := newHarness(t, gw)

	got, err := h.driver.Execute(context.Background(), h.newState(t))
	require.NoError(t, err)

	assert.Equal(t, StageFailed, got.CurrentStage)
	assert.Equal(t, "failed", got.Status())
	require.Len(t, got.Errors, 1)
	assert.Equal(t, StageSecurity, got.Errors[0].Stage)
	assert.Contains(t, got.Errors[0].Message, "upstream 503")

	assert.Equal(t, 4, callsFor(gw, StageSecurity))
	assert.Zero(t, callsFor(gw, StageQA))
	assert.Zero(t, callsFor(gw, StageDevOps))

	last := got.Messages[len(got.Messages)-1]
	assert.Equal(t, llm.RoleAssistant, last.Role)
	assert.Equal(t, FailureMessage, last.Content)

	assert.Equal(t, startBalance, h.balance(t))
	assert.Equal(t, project.StatusFailed, h.status(t))

	successes, failures := h.notifier.counts()
	assert.Zero(t, successes)
	require.Equal(t, 1, failures)
	assert.Contains(t, h.notifier.failures[0], "security")

	assert.Len(t, h.sink.Events(audit.ActionCreditsRefunded), 1)
	assert.Len(t, h.sink.Events(audit.ActionProjectFailed), 1)
	assert.Empty(t, h.sink.Events(audit.ActionProjectCompleted))
}

func TestExecute_FailedBranchSkipsSecurity(t *testing.T) {
	gw := perStage(func(stage Stage, _ llm.Request) (*llm.Response, error) {
		if stage == StageFrontend {
			return nil, errUpstream
		}
		return nil, nil
	})
	h := newHarness(t, gw)

	got, err := h.driver.Execute(context.Background(), h.newState(t))
	require.NoError(t, err)

	assert.Equal(t, StageFailed, got.CurrentStage)
	assert.Zero(t, callsFor(gw, StageSecurity))
	_, hasFrontend := got.StageOutputs["frontend_code"]
	assert.False(t, hasFrontend)
	assert.Equal(t, startBalance, h.balance(t))
}

func TestExecute_ToolLoop(t *testing.T) {
	gw := perStage(func(stage Stage, req llm.Request) (*llm.Response, error) {
		if stage != StageArchitect || lastIsTool(req) {
			return nil, nil
		}
		return &llm.Response{
			ToolCalls: []llm.ToolCall{{
				ID:        "call-1",
				Name:      catalog.ToolStackTrends,
				Arguments: `{"technology": "Go"}`,
			}},
			Usage:         llm.TokenUsage{TotalTokens: 20},
			UsageReported: true,
		}, nil
	})
	h := newHarness(t, gw)

	got, err := h.driver.Execute(context.Background(), h.newState(t))
	require.NoError(t, err)

	assert.Equal(t, StageDone, got.CurrentStage)
	assert.Equal(t, 2, callsFor(gw, StageArchitect))
	assert.Equal(t, 620, got.TotalTokensUsed)

	// user, assistant(tool call), tool result, assistant(architecture), ...
	require.GreaterOrEqual(t, len(got.Messages), 4)
	assert.True(t, got.Messages[1].HasToolCalls())
	toolMsg := got.Messages[2]
	assert.Equal(t, llm.RoleTool, toolMsg.Role)
	assert.Equal(t, "call-1", toolMsg.ToolCallID)
	assert.Contains(t, toolMsg.Content, "1.25")

	out := got.StageOutputs["architecture"]
	assert.True(t, out.IsStructured())

	for _, req := range gw.Requests() {
		if stageOf(req) == StageArchitect {
			names := make([]string, 0, len(req.Tools))
			for _, def := range req.Tools {
				names = append(names, def.Name)
			}
			assert.Contains(t, names, catalog.ToolStackTrends)
		}
		if stageOf(req) == StageDevOps {
			assert.Empty(t, req.Tools)
		}
	}
}

func TestExecute_UnknownToolFeedsErrorBack(t *testing.T) {
	gw := perStage(func(stage Stage, req llm.Request) (*llm.Response, error) {
		if stage != StageSecurity || lastIsTool(req) {
			return nil, nil
		}
		return &llm.Response{ToolCalls: []llm.ToolCall{{ID: "c9", Name: "delete_everything", Arguments: `{}`}}}, nil
	})
	h := newHarness(t, gw)

	got, err := h.driver.Execute(context.Background(), h.newState(t))
	require.NoError(t, err)
	assert.Equal(t, StageDone, got.CurrentStage)

	var toolMsg *llm.Message
	for i := range got.Messages {
		if got.Messages[i].Role == llm.RoleTool {
			toolMsg = &got.Messages[i]
		}
	}
	require.NotNil(t, toolMsg)
	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(toolMsg.Content), &payload))
	assert.Contains(t, payload["error"], "unknown tool")
}

func TestExecute_ToolLoopLimit(t *testing.T) {
	gw := perStage(func(stage Stage, _ llm.Request) (*llm.Response, error) {
		if stage != StageArchitect {
			return nil, nil
		}
		return &llm.Response{ToolCalls: []llm.ToolCall{{
			ID:        "loop",
			Name:      catalog.ToolStackTrends,
			Arguments: `{"technology": "go"}`,
		}}}, nil
	})
	cfg := fastConfig()
	cfg.ToolLoopLimit = 2
	h := newHarness(t, gw, WithConfig(cfg))

	got, err := h.driver.Execute(context.Background(), h.newState(t))
	require.NoError(t, err)

	assert.Equal(t, StageFailed, got.CurrentStage)
	assert.Equal(t, 3, callsFor(gw, StageArchitect))
	require.Len(t, got.Errors, 1)
	assert.Contains(t, got.Errors[0].Message, ErrToolLoopLimit.Error())
	assert.Equal(t, startBalance, h.balance(t))
}

func TestExecute_DevOpsToolCallsAdvance(t *testing.T) {
	gw := perStage(func(stage Stage, _ llm.Request) (*llm.Response, error) {
		if stage != StageDevOps {
			return nil, nil
		}
		return &llm.Response{
			Content:   "deploying",
			ToolCalls: []llm.ToolCall{{ID: "d1", Name: catalog.ToolCICD, Arguments: `{}`}},
		}, nil
	})
	h := newHarness(t, gw)

	got, err := h.driver.Execute(context.Background(), h.newState(t))
	require.NoError(t, err)

	assert.Equal(t, StageDone, got.CurrentStage)
	assert.Equal(t, 1, callsFor(gw, StageDevOps))
	_, ok := got.StageOutputs["devops"]
	assert.False(t, ok)
}

func TestExecute_EstimatesMissingUsage(t *testing.T) {
	content := strings.Repeat("x", 399)
	gw := perStage(func(stage Stage, _ llm.Request) (*llm.Response, error) {
		if stage == StageQA {
			return &llm.Response{Content: content}, nil
		}
		return nil, nil
	})
	h := newHarness(t, gw)

	got, err := h.driver.Execute(context.Background(), h.newState(t))
	require.NoError(t, err)

	est := llm.EstimateTokens(content)
	assert.Equal(t, 100, est)
	assert.Equal(t, 500+est, got.TotalTokensUsed)
	assert.Equal(t, est, got.EstimatedTokens)

	out := got.StageOutputs["tests"]
	assert.False(t, out.IsStructured())
	assert.Equal(t, content, out.Raw)

	var estimated int
	for _, u := range h.sink.Usage() {
		if u.Estimated {
			estimated++
			assert.Equal(t, "qa", u.Stage)
		}
	}
	assert.Equal(t, 1, estimated)
}

func TestExecute_ParallelBuildMergesFrontendFirst(t *testing.T) {
	release := make(chan struct{})
	gw := perStage(func(stage Stage, _ llm.Request) (*llm.Response, error) {
		switch stage {
		case StageFrontend:
			// Finish after backend so merge order cannot follow completion order.
			<-release
			return &llm.Response{Content: "frontend done"}, nil
		case StageBackend:
			defer close(release)
			return &llm.Response{Content: "backend done"}, nil
		}
		return nil, nil
	})
	h := newHarness(t, gw)

	got, err := h.driver.Execute(context.Background(), h.newState(t))
	require.NoError(t, err)

	var order []string
	for _, m := range got.Messages {
		if strings.HasSuffix(m.Content, " done") {
			order = append(order, m.Content)
		}
	}
	assert.Equal(t, []string{"frontend done", "backend done"}, order)
	assert.Equal(t, "frontend done", got.StageOutputs["frontend_code"].Raw)
	assert.Equal(t, "backend done", got.StageOutputs["backend_code"].Raw)
}

func TestExecute_FailedBranchStopsSiblingRetries(t *testing.T) {
	var frontendCalls atomic.Int32
	gw := perStage(func(stage Stage, _ llm.Request) (*llm.Response, error) {
		switch stage {
		case StageFrontend:
			frontendCalls.Add(1)
			return nil, errUpstream
		case StageBackend:
			// Fail once, and only after frontend has used every attempt.
			for frontendCalls.Load() < 4 {
				time.Sleep(time.Millisecond)
			}
			time.Sleep(50 * time.Millisecond)
			return nil, errUpstream
		}
		return nil, nil
	})
	h := newHarness(t, gw)

	got, err := h.driver.Execute(context.Background(), h.newState(t))
	require.NoError(t, err)

	assert.Equal(t, "failed", got.Status())
	assert.Equal(t, 4, callsFor(gw, StageFrontend))
	assert.Equal(t, 1, callsFor(gw, StageBackend))
	require.Len(t, got.Errors, 1)
	assert.Equal(t, StageFrontend, got.Errors[0].Stage)
	assert.Zero(t, callsFor(gw, StageSecurity))
}

func TestExecute_FailedBranchStopsSiblingToolRounds(t *testing.T) {
	var frontendCalls atomic.Int32
	gw := perStage(func(stage Stage, _ llm.Request) (*llm.Response, error) {
		switch stage {
		case StageFrontend:
			frontendCalls.Add(1)
			return nil, errUpstream
		case StageBackend:
			for frontendCalls.Load() < 4 {
				time.Sleep(time.Millisecond)
			}
			time.Sleep(50 * time.Millisecond)
			return &llm.Response{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "execute_code_snippet", Arguments: `{"code": "print(1)"}`}}}, nil
		}
		return nil, nil
	})
	h := newHarness(t, gw)

	got, err := h.driver.Execute(context.Background(), h.newState(t))
	require.NoError(t, err)

	assert.Equal(t, "failed", got.Status())
	assert.Equal(t, 1, callsFor(gw, StageBackend))
	require.Len(t, got.Errors, 1)
	assert.Equal(t, StageFrontend, got.Errors[0].Stage)
}

func TestExecute_SequentialBuild(t *testing.T) {
	cfg := fastConfig()
	cfg.SequentialBuild = true
	gw := perStage(nil)
	h := newHarness(t, gw, WithConfig(cfg))

	got, err := h.driver.Execute(context.Background(), h.newState(t))
	require.NoError(t, err)
	assert.Equal(t, StageDone, got.CurrentStage)

	var stages []Stage
	for _, req := range gw.Requests() {
		stages = append(stages, stageOf(req))
	}
	assert.Equal(t, []Stage{StageArchitect, StageFrontend, StageBackend, StageSecurity, StageQA, StageDevOps}, stages)
}

func TestExecute_RetrievalMemoryReachesPrompt(t *testing.T) {
	var architectPrompt atomic.Value
	gw := perStage(func(stage Stage, req llm.Request) (*llm.Response, error) {
		if stage == StageArchitect {
			architectPrompt.Store(req.System)
		}
		return nil, nil
	})
	memory := retrieval.Static{{Content: "Past project used Supabase auth"}}
	h := newHarness(t, gw, WithRetriever(memory))

	got, err := h.driver.Execute(context.Background(), h.newState(t))
	require.NoError(t, err)

	require.Len(t, got.Memory, 1)
	prompt, _ := architectPrompt.Load().(string)
	assert.Contains(t, prompt, "Supabase auth")
}

func TestExecute_CancelledContextSkipsFailurePath(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gw := perStage(func(stage Stage, _ llm.Request) (*llm.Response, error) {
		if stage == StageSecurity {
			cancel()
			return nil, context.Canceled
		}
		return nil, nil
	})
	h := newHarness(t, gw)

	got, err := h.driver.Execute(ctx, h.newState(t))
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, StageSecurity, got.CurrentStage)
	assert.Empty(t, got.Errors)
	assert.Equal(t, 1, callsFor(gw, StageSecurity))
	assert.Equal(t, startBalance-billing.DefaultCost, h.balance(t))
	assert.Equal(t, project.StatusBuilding, h.status(t))
	_, failures := h.notifier.counts()
	assert.Zero(t, failures)
}

func TestResume_ContinuesFromCheckpoint(t *testing.T) {
	gw := perStage(nil)
	h := newHarness(t, gw)
	st := h.newState(t)
	st.CurrentStage = StageSecurity
	st.StageOutputs["architecture"] = Output{Raw: "arch"}
	st.StageOutputs["frontend_code"] = Output{Raw: "fe"}
	st.StageOutputs["backend_code"] = Output{Raw: "be"}
	st.Messages = append(st.Messages, llm.Message{Role: llm.RoleUser, Content: st.Prompt})
	st.TotalTokensUsed = 300

	data, err := json.Marshal(st)
	require.NoError(t, err)
	require.NoError(t, h.checkpoints.Save(context.Background(), testProject, data))

	got, err := h.driver.Resume(context.Background(), testProject)
	require.NoError(t, err)

	assert.Equal(t, StageDone, got.CurrentStage)
	assert.Equal(t, 600, got.TotalTokensUsed)
	assert.Zero(t, callsFor(gw, StageArchitect))
	assert.Zero(t, callsFor(gw, StageFrontend))
	assert.Zero(t, callsFor(gw, StageBackend))
	assert.Equal(t, 3, gw.CallCount())
	assert.Equal(t, "arch", got.StageOutputs["architecture"].Raw)
}

func TestResume_TerminalStateIsReturnedAsIs(t *testing.T) {
	gw := perStage(nil)
	h := newHarness(t, gw)

	got, err := h.driver.Execute(context.Background(), h.newState(t))
	require.NoError(t, err)
	calls := gw.CallCount()

	again, err := h.driver.Resume(context.Background(), testProject)
	require.NoError(t, err)
	assert.Equal(t, StageDone, again.CurrentStage)
	assert.Equal(t, got.TotalTokensUsed, again.TotalTokensUsed)
	assert.Equal(t, calls, gw.CallCount())

	successes, _ := h.notifier.counts()
	assert.Equal(t, 1, successes)
}

func TestResume_MissingCheckpoint(t *testing.T) {
	h := newHarness(t, perStage(nil))
	_, err := h.driver.Resume(context.Background(), "nope")
	require.Error(t, err)
}

func collect(t *testing.T, ch <-chan string) []string {
	t.Helper()
	var out []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, s)
		case <-timeout:
			t.Fatal("stream did not close")
			return out
		}
	}
}

func TestStream_EmitsMarkersInStageOrder(t *testing.T) {
	gw := perStage(nil)
	h := newHarness(t, gw)
	st := h.newState(t)

	fragments := collect(t, h.driver.Stream(context.Background(), st))
	require.NotEmpty(t, fragments)
	assert.Equal(t, MarkerStart+"architect", fragments[0])
	assert.Equal(t, MarkerComplete, fragments[len(fragments)-1])

	var starts []string
	text := map[string]string{}
	var current string
	for _, f := range fragments {
		switch {
		case strings.HasPrefix(f, MarkerStart):
			current = strings.TrimPrefix(f, MarkerStart)
			starts = append(starts, current)
		case f == MarkerEnd || f == MarkerComplete:
			current = ""
		default:
			text[current] += f
		}
	}
	assert.Equal(t, []string{"architect", "frontend", "backend", "security", "qa", "devops"}, starts)
	assert.Equal(t, stageReply(StageBackend, 0).Content, text["backend"])

	assert.Equal(t, StageDone, st.CurrentStage)
	assert.Equal(t, project.StatusCompleted, h.status(t))
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.Runs.WithLabelValues("stream", "completed")))
}

func TestStream_FailureEmitsErrorAfterRefund(t *testing.T) {
	gw := perStage(func(stage Stage, _ llm.Request) (*llm.Response, error) {
		if stage == StageQA {
			return nil, errUpstream
		}
		return nil, nil
	})
	h := newHarness(t, gw)
	st := h.newState(t)

	fragments := collect(t, h.driver.Stream(context.Background(), st))
	last := fragments[len(fragments)-1]
	assert.True(t, strings.HasPrefix(last, MarkerError), "last fragment %q", last)
	assert.Contains(t, last, "upstream 503")
	assert.NotContains(t, fragments, MarkerComplete)

	assert.Equal(t, StageFailed, st.CurrentStage)
	assert.Equal(t, startBalance, h.balance(t))
	assert.Zero(t, callsFor(gw, StageDevOps))
}

func TestStream_NoRetryAfterPartialOutput(t *testing.T) {
	gw := perStage(func(stage Stage, _ llm.Request) (*llm.Response, error) {
		if stage == StageArchitect {
			return &llm.Response{Content: "half of an answer"}, errUpstream
		}
		return nil, nil
	})
	h := newHarness(t, gw)
	st := h.newState(t)

	fragments := collect(t, h.driver.Stream(context.Background(), st))

	assert.Equal(t, 1, callsFor(gw, StageArchitect))
	assert.Equal(t, "half of an answer", strings.Join(fragments[1:len(fragments)-1], ""))
	assert.True(t, strings.HasPrefix(fragments[len(fragments)-1], MarkerError))
	assert.Equal(t, StageFailed, st.CurrentStage)
}

func TestStream_RetriesBeforeAnyOutput(t *testing.T) {
	var calls atomic.Int32
	gw := perStage(func(stage Stage, _ llm.Request) (*llm.Response, error) {
		if stage == StageArchitect && calls.Add(1) == 1 {
			return nil, errUpstream
		}
		return nil, nil
	})
	h := newHarness(t, gw)
	st := h.newState(t)

	fragments := collect(t, h.driver.Stream(context.Background(), st))
	assert.Equal(t, MarkerComplete, fragments[len(fragments)-1])
	assert.Equal(t, 2, callsFor(gw, StageArchitect))
}

func TestStream_CancelClosesWithoutFailurePath(t *testing.T) {
	cfg := fastConfig()
	cfg.StreamBuffer = 1
	h := newHarness(t, perStage(nil), WithConfig(cfg))
	st := h.newState(t)

	ctx, cancel := context.WithCancel(context.Background())
	ch := h.driver.Stream(ctx, st)

	first := <-ch
	assert.Equal(t, MarkerStart+"architect", first)
	cancel()

	rest := collect(t, ch)
	assert.NotContains(t, rest, MarkerComplete)
	for _, f := range rest {
		assert.False(t, strings.HasPrefix(f, MarkerError))
	}

	assert.NotEqual(t, StageFailed, st.CurrentStage)
	assert.Equal(t, startBalance-billing.DefaultCost, h.balance(t))
	_, failures := h.notifier.counts()
	assert.Zero(t, failures)
}
