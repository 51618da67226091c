package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/buildforge/billing"
	"github.com/c360studio/buildforge/bus"
	"github.com/c360studio/buildforge/pipeline"
)

// Run outcomes reported by the worker.
const (
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
	StatusRejected    = "rejected"
)

// DefaultQueueGroup shares run requests between worker instances.
const DefaultQueueGroup = "buildforge-workers"

// Result is the worker's reply to a run request.
type Result struct {
	ProjectID       string `json:"project_id"`
	RunID           string `json:"run_id,omitempty"`
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
	Tokens          int    `json:"tokens"`
	EstimatedTokens int    `json:"estimated_tokens"`
	Fragments       int    `json:"fragments,omitempty"`
}

// Subscriber creates queue subscriptions. *bus.Client satisfies it.
type Subscriber interface {
	QueueSubscribe(subject, queue string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// Worker serves run requests from NATS.
type Worker struct {
	svc         *Service
	sub         Subscriber
	pub         bus.Publisher
	queue       string
	concurrency int
	logger      *slog.Logger
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithQueueGroup sets the NATS queue group.
func WithQueueGroup(name string) WorkerOption {
	return func(w *Worker) {
		w.queue = name
	}
}

// WithConcurrency bounds the runs served at once.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		w.concurrency = n
	}
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// NewWorker creates a worker. Stream fragments are published through pub.
func NewWorker(svc *Service, sub Subscriber, pub bus.Publisher, opts ...WorkerOption) *Worker {
	w := &Worker{
		svc:         svc,
		sub:         sub,
		pub:         pub,
		queue:       DefaultQueueGroup,
		concurrency: 4,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	return w
}

// Run subscribes to run requests and serves them until ctx is done. In-flight runs
// see the cancellation and stop at their last checkpoint.
func (w *Worker) Run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(w.concurrency)

	sub, err := w.sub.QueueSubscribe(bus.RunsStart, w.queue, func(msg *nats.Msg) {
		runCtx := withRequestTrace(ctx, msg)
		// Blocks the subscription while every slot is busy.
		g.Go(func() error {
			result := w.Handle(runCtx, msg.Data)
			w.reply(msg, result)
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.RunsStart, err)
	}
	w.logger.Info("Worker listening", "subject", bus.RunsStart, "queue", w.queue, "concurrency", w.concurrency)

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil {
		w.logger.Warn("Unsubscribe failed", "error", err)
	}
	_ = g.Wait()
	w.logger.Info("Worker stopped")
	return nil
}

// Handle serves one encoded RunRequest.
func (w *Worker) Handle(ctx context.Context, data []byte) Result {
	var req RunRequest
	if err := json.Unmarshal(data, &req); err != nil {
		w.logger.Warn("Invalid run request", "error", err)
		return Result{Status: StatusRejected, Error: fmt.Sprintf("decode request: %v", err)}
	}

	if req.Stream {
		return w.stream(ctx, req)
	}

	st, err := w.svc.Start(ctx, req)
	if st == nil {
		return rejected(req, err)
	}
	result := resultFrom(st)
	if err != nil {
		result.Status = StatusInterrupted
		result.Error = err.Error()
	}
	return result
}

func (w *Worker) stream(ctx context.Context, req RunRequest) Result {
	fragments, err := w.svc.StartStream(ctx, req)
	if err != nil {
		return rejected(req, err)
	}

	subject := bus.StreamSubject(req.ProjectID)
	result := Result{ProjectID: req.ProjectID, Status: StatusInterrupted}
	for fragment := range fragments {
		result.Fragments++
		if err := w.pub.Publish(ctx, subject, []byte(fragment)); err != nil {
			w.logger.Warn("Failed to publish fragment", "project_id", req.ProjectID, "error", err)
		}
		switch {
		case fragment == pipeline.MarkerComplete:
			result.Status = StatusCompleted
		case strings.HasPrefix(fragment, pipeline.MarkerError):
			result.Status = StatusFailed
			result.Error = strings.TrimPrefix(fragment, pipeline.MarkerError)
		}
	}
	return result
}

func (w *Worker) reply(msg *nats.Msg, result Result) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		w.logger.Error("Failed to encode run result", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		w.logger.Warn("Failed to reply to run request", "project_id", result.ProjectID, "error", err)
	}
}

// withRequestTrace continues the requester's trace as a child span, or starts a
// new trace, so every message published for the run shares one trace id.
func withRequestTrace(ctx context.Context, msg *nats.Msg) context.Context {
	if tc := natsclient.ExtractTrace(msg); tc != nil {
		return natsclient.ContextWithTrace(ctx, tc.NewSpan())
	}
	return natsclient.ContextWithTrace(ctx, natsclient.NewTraceContext())
}

func rejected(req RunRequest, err error) Result {
	msg := "rejected"
	if err != nil {
		msg = err.Error()
	}
	if errors.Is(err, billing.ErrInsufficientCredits) {
		msg = "insufficient credits"
	}
	return Result{ProjectID: req.ProjectID, Status: StatusRejected, Error: msg}
}

func resultFrom(st *pipeline.State) Result {
	r := Result{
		ProjectID:       st.ProjectID,
		RunID:           st.RunID,
		Status:          st.Status(),
		Tokens:          st.TotalTokensUsed,
		EstimatedTokens: st.EstimatedTokens,
	}
	if st.Failed() {
		r.Error = st.ErrorText()
	}
	return r
}
