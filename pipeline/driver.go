package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c360studio/buildforge/audit"
	"github.com/c360studio/buildforge/checkpoint"
	"github.com/c360studio/buildforge/llm"
	"github.com/c360studio/buildforge/metrics"
	"github.com/c360studio/buildforge/notify"
	"github.com/c360studio/buildforge/retrieval"
	"golang.org/x/sync/errgroup"
)

// Stream markers.
const (
	MarkerStart    = "AGENT_START:"
	MarkerEnd      = "AGENT_END"
	MarkerComplete = "COMPLETE"
	MarkerError    = "ERROR:"
)

// DefaultToolLoopLimit bounds tool round trips per stage.
const DefaultToolLoopLimit = 8

// Config tunes the driver.
type Config struct {
	Retry         llm.RetryConfig `yaml:"retry"`
	ToolLoopLimit int             `yaml:"tool_loop_limit"`

	// SequentialBuild runs frontend then backend in batch mode too.
	SequentialBuild bool `yaml:"sequential_build"`

	// StreamBuffer is the stream channel capacity.
	StreamBuffer int `yaml:"stream_buffer"`
}

// DefaultConfig returns the agent retry policy and a tool loop limit of 8.
func DefaultConfig() Config {
	return Config{
		Retry:         llm.DefaultRetryConfig(),
		ToolLoopLimit: DefaultToolLoopLimit,
		StreamBuffer:  64,
	}
}

// Driver walks the graph for one run at a time per call; a Driver itself is shared
// across runs and holds no run state.
type Driver struct {
	agent       *AgentNode
	tools       *ToolNode
	retriever   retrieval.Retriever
	refunder    Refunder
	projects    ProjectStore
	notifier    notify.Notifier
	auditor     Auditor
	checkpoints checkpoint.Store
	cfg         Config
	metrics     *metrics.Metrics
	logger      *slog.Logger
	errors      *ErrorHandler
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithConfig sets the driver configuration.
func WithConfig(cfg Config) DriverOption {
	return func(d *Driver) {
		d.cfg = cfg
	}
}

// WithRetriever sets the memory lookup used by the retrieval stage.
func WithRetriever(r retrieval.Retriever) DriverOption {
	return func(d *Driver) {
		d.retriever = r
	}
}

// WithRefunder sets the credit gate used by the error handler.
func WithRefunder(r Refunder) DriverOption {
	return func(d *Driver) {
		d.refunder = r
	}
}

// WithProjects sets the project status store.
func WithProjects(p ProjectStore) DriverOption {
	return func(d *Driver) {
		d.projects = p
	}
}

// WithNotifier sets the outcome notifier.
func WithNotifier(n notify.Notifier) DriverOption {
	return func(d *Driver) {
		d.notifier = n
	}
}

// WithAuditor sets the audit sink.
func WithAuditor(a Auditor) DriverOption {
	return func(d *Driver) {
		d.auditor = a
	}
}

// WithCheckpoints saves the state after every transition.
func WithCheckpoints(s checkpoint.Store) DriverOption {
	return func(d *Driver) {
		d.checkpoints = s
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) DriverOption {
	return func(d *Driver) {
		d.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) DriverOption {
	return func(d *Driver) {
		d.logger = logger
	}
}

// NewDriver creates a driver around an agent node.
func NewDriver(agent *AgentNode, opts ...DriverOption) *Driver {
	d := &Driver{
		agent:     agent,
		tools:     NewToolNode(agent),
		retriever: retrieval.Nop{},
		cfg:       DefaultConfig(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.cfg.ToolLoopLimit <= 0 {
		d.cfg.ToolLoopLimit = DefaultToolLoopLimit
	}
	if d.cfg.StreamBuffer <= 0 {
		d.cfg.StreamBuffer = 64
	}
	d.errors = NewErrorHandler(d.refunder, d.projects, d.notifier, d.auditor, d.logger)
	return d
}

// emitFunc forwards a stream fragment; it fails once the consumer is gone.
type emitFunc func(string) error

// Execute runs st to a terminal stage. Stage failures end in the failed stage and
// are not returned; the error is non-nil only when ctx ended the run early, in
// which case the last checkpoint can be resumed.
func (d *Driver) Execute(ctx context.Context, st *State) (*State, error) {
	if st == nil {
		return nil, errors.New("nil state")
	}
	if st.CurrentStage.IsTerminal() {
		return st, nil
	}

	if err := d.walk(ctx, st, nil); err != nil {
		d.metrics.IncRun("batch", "cancelled")
		d.logger.Warn("Run interrupted", "project_id", st.ProjectID, "stage", st.CurrentStage, "error", err)
		return st, err
	}
	d.finish(ctx, st, "batch")
	return st, nil
}

// Resume loads the checkpoint for a project and continues the run in batch mode.
func (d *Driver) Resume(ctx context.Context, projectID string) (*State, error) {
	if d.checkpoints == nil {
		return nil, errors.New("no checkpoint store configured")
	}
	data, err := d.checkpoints.Load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", projectID, err)
	}
	d.logger.Info("Resuming run", "project_id", projectID, "stage", st.CurrentStage)
	return d.Execute(ctx, &st)
}

// Stream runs st and returns its fragments: per stage AGENT_START:<stage>, the
// model's text, AGENT_END, then COMPLETE or ERROR:<text>. Frontend and backend run
// one after the other. Cancelling ctx abandons the run without the failure path
// and closes the channel.
func (d *Driver) Stream(ctx context.Context, st *State) <-chan string {
	ch := make(chan string, d.cfg.StreamBuffer)

	go func() {
		defer close(ch)

		emit := func(s string) error {
			select {
			case ch <- s:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := d.walk(ctx, st, emit); err != nil {
			d.metrics.IncRun("stream", "cancelled")
			d.logger.Info("Stream abandoned", "project_id", st.ProjectID, "stage", st.CurrentStage, "error", err)
			return
		}
		d.finish(ctx, st, "stream")

		if st.CurrentStage == StageDone {
			_ = emit(MarkerComplete)
		} else {
			_ = emit(MarkerError + st.ErrorText())
		}
	}()

	return ch
}

// walk advances st until a terminal stage. It returns an error only when ctx ends.
func (d *Driver) walk(ctx context.Context, st *State, emit emitFunc) error {
	if st.CurrentStage == "" {
		st.CurrentStage = StageRetrieval
	}

	for !st.CurrentStage.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return err
		}

		stage := st.CurrentStage
		switch {
		case stage == StageRetrieval:
			st.Memory = d.retriever.Lookup(ctx, st.Prompt, st.OrgID)
			if st.Memory == nil {
				st.Memory = []retrieval.Artifact{}
			}

		case stage == StageBuild:
			if err := d.runBuild(ctx, st, emit); err != nil {
				return err
			}

		case stage == StageErrorHandler:
			st.Messages = append(st.Messages, d.errors.Handle(ctx, st))

		case IsAgentStage(stage):
			if err := d.runStage(ctx, st, stage, emit, nil); err != nil {
				return err
			}

		default:
			st.AddError(stage, fmt.Errorf("unknown stage %q", stage))
		}

		decision := Decide(st)
		if stage == StageErrorHandler {
			decision = DecideNext
		}
		next, ok := Next(stage, decision)
		if !ok {
			st.AddError(stage, fmt.Errorf("no transition from %s on %s", stage, decision))
			next = StageErrorHandler
		}

		d.logger.Debug("Transition", "project_id", st.ProjectID, "from", stage, "decision", decision, "to", next)
		st.CurrentStage = next
		d.saveCheckpoint(ctx, st)
	}
	return nil
}

// runBuild runs the frontend and backend branches and merges them frontend first.
func (d *Driver) runBuild(ctx context.Context, st *State, emit emitFunc) error {
	if emit != nil || d.cfg.SequentialBuild {
		for _, stage := range buildBranches {
			if err := d.runStage(ctx, st, stage, emit, nil); err != nil {
				return err
			}
			if st.Failed() {
				return nil
			}
		}
		return nil
	}

	// A failed branch stops its sibling at the next attempt or tool round.
	var failed atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	branches := make([]*State, len(buildBranches))
	for i, stage := range buildBranches {
		branch := st.fork()
		branches[i] = branch
		g.Go(func() error {
			return d.runStage(gctx, branch, stage, nil, &failed)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	st.join(branches...)
	return nil
}

// runStage runs an agent stage and its tool loop. Failures are recorded in st;
// the returned error is only ever a context error. With abort set, a failure
// raises it, and a raised abort ends the stage before its next attempt or tool
// round without recording an error.
func (d *Driver) runStage(ctx context.Context, st *State, stage Stage, emit emitFunc, abort *atomic.Bool) error {
	start := time.Now()
	if emit != nil {
		if err := emit(MarkerStart + string(stage)); err != nil {
			return err
		}
	}

	rounds := 0
	for {
		if err := d.runAgent(ctx, st, stage, emit, abort); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, errBranchAborted) {
				d.abandon(st, stage, start)
				return nil
			}
			raise(abort)
			st.AddError(stage, err)
			d.metrics.ObserveStage(string(stage), "failed", time.Since(start))
			d.logger.Warn("Stage failed", "project_id", st.ProjectID, "stage", stage, "error", err)
			return nil
		}

		if Decide(st) != DecideTools || !hasToolLoop(stage) {
			break
		}

		rounds++
		if rounds > d.cfg.ToolLoopLimit {
			raise(abort)
			st.AddError(stage, fmt.Errorf("%w after %d rounds", ErrToolLoopLimit, d.cfg.ToolLoopLimit))
			d.metrics.ObserveStage(string(stage), "failed", time.Since(start))
			return nil
		}
		if aborted(abort) {
			d.abandon(st, stage, start)
			return nil
		}
		st.Apply(d.tools.Run(ctx, st, stage))
	}

	d.metrics.ObserveStage(string(stage), "ok", time.Since(start))
	d.logger.Info("Stage completed",
		"project_id", st.ProjectID,
		"stage", stage,
		"tokens", st.TotalTokensUsed,
		"tool_rounds", rounds)

	if emit != nil {
		return emit(MarkerEnd)
	}
	return nil
}

// errBranchAborted ends a build branch whose sibling has failed.
var errBranchAborted = errors.New("sibling build branch failed")

func raise(abort *atomic.Bool) {
	if abort != nil {
		abort.Store(true)
	}
}

func aborted(abort *atomic.Bool) bool {
	return abort != nil && abort.Load()
}

func (d *Driver) abandon(st *State, stage Stage, start time.Time) {
	d.metrics.ObserveStage(string(stage), "abandoned", time.Since(start))
	d.logger.Info("Stage abandoned after sibling failure", "project_id", st.ProjectID, "stage", stage)
}

// streamedError marks a failure after text reached the consumer.
type streamedError struct {
	err error
}

func (e *streamedError) Error() string { return e.err.Error() }
func (e *streamedError) Unwrap() []error {
	return []error{e.err, ErrAttemptEmitted}
}

// runAgent runs one model call with retries and applies the successful attempt's
// update. Failed attempts leave no trace in st.
func (d *Driver) runAgent(ctx context.Context, st *State, stage Stage, emit emitFunc, abort *atomic.Bool) error {
	var update Update
	err := Retry(ctx, d.cfg.Retry, func(int) error {
		if aborted(abort) {
			return errBranchAborted
		}
		var onChunk llm.ChunkHandler
		emitted := false
		if emit != nil {
			onChunk = func(chunk string) error {
				emitted = true
				return emit(chunk)
			}
		}

		u, err := d.agent.Run(ctx, st, stage, onChunk)
		if err != nil {
			if emitted {
				return &streamedError{err: err}
			}
			return err
		}
		update = u
		return nil
	}, func(attempt int, err error) {
		d.metrics.IncStageRetry(string(stage))
		d.logger.Warn("Stage attempt failed, retrying",
			"project_id", st.ProjectID,
			"stage", stage,
			"attempt", attempt,
			"error", err)
	})
	if err != nil {
		return err
	}
	st.Apply(update)
	return nil
}

// finish runs the success bookkeeping and counts the outcome.
func (d *Driver) finish(ctx context.Context, st *State, mode string) {
	if st.CurrentStage != StageDone {
		d.metrics.IncRun(mode, "failed")
		return
	}
	d.metrics.IncRun(mode, "completed")

	ctx = context.WithoutCancel(ctx)
	if d.projects != nil {
		if err := d.projects.MarkCompleted(ctx, st.ProjectID); err != nil {
			d.logger.Error("Failed to mark project completed", "project_id", st.ProjectID, "error", err)
		}
	}
	if d.notifier != nil {
		if err := d.notifier.NotifySuccess(ctx, st.ProjectID, st.UserID, st.TotalTokensUsed); err != nil {
			d.logger.Warn("Success notification failed", "project_id", st.ProjectID, "error", err)
		}
	}
	if d.auditor != nil {
		d.auditor.Record(ctx, audit.ActionProjectCompleted, st.UserID, map[string]any{
			"project_id":       st.ProjectID,
			"tokens":           st.TotalTokensUsed,
			"estimated_tokens": st.EstimatedTokens,
			"estimated":        st.EstimatedTokens > 0,
		})
	}
	d.logger.Info("Project completed",
		"project_id", st.ProjectID,
		"tokens", st.TotalTokensUsed,
		"estimated_tokens", st.EstimatedTokens)
}

func (d *Driver) saveCheckpoint(ctx context.Context, st *State) {
	if d.checkpoints == nil {
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		d.logger.Warn("Failed to encode checkpoint", "project_id", st.ProjectID, "error", err)
		return
	}
	if err := d.checkpoints.Save(context.WithoutCancel(ctx), st.ProjectID, data); err != nil {
		d.logger.Warn("Failed to save checkpoint", "project_id", st.ProjectID, "error", err)
	}
}
