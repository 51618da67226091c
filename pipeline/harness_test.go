package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/buildforge/audit"
	"github.com/c360studio/buildforge/billing"
	"github.com/c360studio/buildforge/checkpoint"
	"github.com/c360studio/buildforge/llm"
	"github.com/c360studio/buildforge/llm/testutil"
	"github.com/c360studio/buildforge/metrics"
	"github.com/c360studio/buildforge/model"
	"github.com/c360studio/buildforge/project"
	"github.com/c360studio/buildforge/prompts"
	"github.com/c360studio/buildforge/tools/builtin"
)

const (
	testUser     = "user-1"
	testProject  = "proj-1"
	startBalance = 50
)

type fakeNotifier struct {
	mu        sync.Mutex
	successes []int
	failures  []string
}

func (n *fakeNotifier) NotifySuccess(_ context.Context, _, _ string, tokens int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.successes = append(n.successes, tokens)
	return nil
}

func (n *fakeNotifier) NotifyFailure(_ context.Context, _, _ string, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, message)
	return nil
}

func (n *fakeNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.successes), len(n.failures)
}

type harness struct {
	gw          *testutil.MockGateway
	ledger      *billing.MemoryLedger
	gate        *billing.Gate
	projects    *project.MemoryStore
	sink        *audit.MemorySink
	notifier    *fakeNotifier
	checkpoints *checkpoint.MemoryStore
	metrics     *metrics.Metrics
	driver      *Driver
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = llm.RetryConfig{
		MaxAttempts:       4,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        5 * time.Millisecond,
	}
	return cfg
}

func newHarness(t *testing.T, gw *testutil.MockGateway, opts ...DriverOption) *harness {
	t.Helper()

	h := &harness{
		gw:          gw,
		ledger:      billing.NewMemoryLedger(map[string]int{testUser: startBalance}),
		projects:    project.NewMemoryStore(),
		sink:        &audit.MemorySink{},
		notifier:    &fakeNotifier{},
		checkpoints: checkpoint.NewMemoryStore(),
		metrics:     metrics.New(prometheus.NewRegistry()),
	}
	recorder := audit.NewRecorder(audit.WithSink(h.sink), audit.WithUsageSink(h.sink))
	h.gate = billing.NewGate(h.ledger, billing.WithAuditor(recorder))

	registry, err := builtin.NewRegistry(builtin.Config{})
	require.NoError(t, err)
	set, err := prompts.New()
	require.NoError(t, err)

	agent := NewAgentNode(
		model.NewRouter(model.NewDefaultRegistry()),
		llm.NewFactory(gw),
		registry,
		set,
		WithAgentAuditor(recorder),
		WithAgentMetrics(h.metrics),
	)

	base := []DriverOption{
		WithConfig(fastConfig()),
		WithRefunder(h.gate),
		WithProjects(h.projects),
		WithNotifier(h.notifier),
		WithAuditor(recorder),
		WithCheckpoints(h.checkpoints),
		WithMetrics(h.metrics),
	}
	h.driver = NewDriver(agent, append(base, opts...)...)
	return h
}

// newState creates the project, reserves credits and returns a fresh run state.
func (h *harness) newState(t *testing.T) *State {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.projects.Create(ctx, &project.Project{ID: testProject, UserID: testUser, Prompt: "Build a todo app"}))
	require.NoError(t, h.projects.MarkBuilding(ctx, testProject))

	res, err := h.gate.Reserve(ctx, testUser, "Project build")
	require.NoError(t, err)

	st := NewState("run-1", testProject, testUser, "org-1", "Build a todo app", model.PlanPro, model.ComplexityMedium)
	st.Reservation = res
	return st
}

func (h *harness) balance(t *testing.T) int {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), testUser)
	require.NoError(t, err)
	return b
}

func (h *harness) status(t *testing.T) project.Status {
	t.Helper()
	p, err := h.projects.Get(context.Background(), testProject)
	require.NoError(t, err)
	return p.Status
}

var stageHeadlines = map[Stage]string{
	StageArchitect: "You are the Architect Agent.",
	StageFrontend:  "You are the Frontend Agent.",
	StageBackend:   "You are the Backend Agent.",
	StageSecurity:  "You are the Security Agent.",
	StageQA:        "You are the QA Agent.",
	StageDevOps:    "You are the DevOps Agent.",
}

// stageOf identifies the calling stage from its system prompt.
func stageOf(req llm.Request) Stage {
	for stage, headline := range stageHeadlines {
		if strings.HasPrefix(req.System, headline) {
			return stage
		}
	}
	return ""
}

// stageReply is a structured reply naming the stage, with reported usage.
func stageReply(stage Stage, tokens int) *llm.Response {
	return &llm.Response{
		Content:       `{"stage": "` + string(stage) + `", "ok": true}`,
		Usage:         llm.TokenUsage{TotalTokens: tokens},
		UsageReported: true,
		FinishReason:  "stop",
	}
}

// perStage answers each stage with stageReply unless override returns a
// response or an error.
func perStage(override func(stage Stage, req llm.Request) (*llm.Response, error)) *testutil.MockGateway {
	return &testutil.MockGateway{
		Handler: func(req llm.Request, _ int) (*llm.Response, error) {
			stage := stageOf(req)
			if override != nil {
				if resp, err := override(stage, req); resp != nil || err != nil {
					return resp, err
				}
			}
			return stageReply(stage, 100), nil
		},
	}
}

func callsFor(gw *testutil.MockGateway, stage Stage) int {
	n := 0
	for _, req := range gw.Requests() {
		if stageOf(req) == stage {
			n++
		}
	}
	return n
}

func lastIsTool(req llm.Request) bool {
	n := len(req.Messages)
	return n > 0 && req.Messages[n-1].Role == llm.RoleTool
}
