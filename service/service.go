// Package service is the entry point for runs: it reserves credits, prepares the
// run state and hands it to the pipeline driver, either in-process or from NATS.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/c360studio/buildforge/billing"
	"github.com/c360studio/buildforge/model"
	"github.com/c360studio/buildforge/pipeline"
	"github.com/c360studio/buildforge/project"
)

// ErrInvalidRequest is returned for requests missing required fields.
var ErrInvalidRequest = errors.New("invalid run request")

// RunRequest starts one run.
type RunRequest struct {
	ProjectID  string `json:"project_id"`
	Prompt     string `json:"prompt"`
	UserID     string `json:"user_id"`
	OrgID      string `json:"org_id,omitempty"`
	Tier       string `json:"tier,omitempty"`
	Complexity string `json:"complexity,omitempty"`
	ForceModel string `json:"force_model,omitempty"`
	Stream     bool   `json:"stream,omitempty"`
}

func (r RunRequest) validate() error {
	switch {
	case r.ProjectID == "":
		return fmt.Errorf("%w: project_id is required", ErrInvalidRequest)
	case r.UserID == "":
		return fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	case r.Prompt == "":
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	return nil
}

// Runner is the part of the driver the service uses. *pipeline.Driver satisfies it.
type Runner interface {
	Execute(ctx context.Context, st *pipeline.State) (*pipeline.State, error)
	Stream(ctx context.Context, st *pipeline.State) <-chan string
	Resume(ctx context.Context, projectID string) (*pipeline.State, error)
}

// Reserver reserves and refunds run credits. *billing.Gate satisfies it.
type Reserver interface {
	Reserve(ctx context.Context, userID, reason string) (billing.Reservation, error)
	Refund(ctx context.Context, r billing.Reservation, reason string) error
}

// CreditAlerter is told when a run is rejected for lack of credits.
// *notify.Async satisfies it.
type CreditAlerter interface {
	NotifyInsufficientCredits(ctx context.Context, projectID, userID string, remaining int) error
}

// balanceReader is implemented by reservers that can report a balance.
type balanceReader interface {
	Balance(ctx context.Context, userID string) (int, error)
}

// Service starts runs.
type Service struct {
	runner     Runner
	gate       Reserver
	alerter    CreditAlerter
	projects   project.Store
	complexity model.Complexity
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithProjects creates missing projects and marks them building before a run.
func WithProjects(p project.Store) Option {
	return func(s *Service) {
		s.projects = p
	}
}

// WithAlerter sets who is alerted when a reservation is rejected.
func WithAlerter(a CreditAlerter) Option {
	return func(s *Service) {
		s.alerter = a
	}
}

// WithDefaultComplexity sets the complexity used when a request names none.
func WithDefaultComplexity(c model.Complexity) Option {
	return func(s *Service) {
		s.complexity = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New creates a service.
func New(runner Runner, gate Reserver, opts ...Option) *Service {
	s := &Service{
		runner:     runner,
		gate:       gate,
		complexity: model.ComplexityMedium,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start reserves credits and runs the pipeline to completion. When the balance is
// too low it returns billing.ErrInsufficientCredits and no state.
func (s *Service) Start(ctx context.Context, req RunRequest) (*pipeline.State, error) {
	st, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.runner.Execute(ctx, st)
}

// StartStream reserves credits and streams the run. Rejections are returned before
// any fragment is produced.
func (s *Service) StartStream(ctx context.Context, req RunRequest) (<-chan string, error) {
	st, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.runner.Stream(ctx, st), nil
}

// Resume continues an interrupted run from its checkpoint.
func (s *Service) Resume(ctx context.Context, projectID string) (*pipeline.State, error) {
	return s.runner.Resume(ctx, projectID)
}

func (s *Service) prepare(ctx context.Context, req RunRequest) (*pipeline.State, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	reservation, err := s.gate.Reserve(ctx, req.UserID, "Project build")
	if err != nil {
		if errors.Is(err, billing.ErrInsufficientCredits) {
			s.alertInsufficientCredits(ctx, req)
		}
		return nil, err
	}

	if err := s.markBuilding(ctx, req); err != nil {
		if refundErr := s.gate.Refund(context.WithoutCancel(ctx), reservation, "Project setup failed"); refundErr != nil {
			s.logger.Error("Refund failed", "project_id", req.ProjectID, "error", refundErr)
		}
		return nil, err
	}

	complexity := s.complexity
	if req.Complexity != "" {
		complexity = model.ParseComplexity(req.Complexity)
	}

	st := pipeline.NewState(
		uuid.New().String(),
		req.ProjectID,
		req.UserID,
		req.OrgID,
		req.Prompt,
		model.ParsePlan(req.Tier),
		complexity,
	)
	st.ForceModel = req.ForceModel
	st.Reservation = reservation

	s.logger.Info("Run started",
		"project_id", req.ProjectID,
		"run_id", st.RunID,
		"user_id", req.UserID,
		"tier", st.Tier,
		"complexity", st.Complexity,
		"stream", req.Stream)
	return st, nil
}

func (s *Service) alertInsufficientCredits(ctx context.Context, req RunRequest) {
	if s.alerter == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	remaining := 0
	if br, ok := s.gate.(balanceReader); ok {
		if b, err := br.Balance(ctx, req.UserID); err == nil {
			remaining = b
		}
	}
	if err := s.alerter.NotifyInsufficientCredits(ctx, req.ProjectID, req.UserID, remaining); err != nil {
		s.logger.Warn("Insufficient credits alert failed", "project_id", req.ProjectID, "user_id", req.UserID, "error", err)
	}
}

func (s *Service) markBuilding(ctx context.Context, req RunRequest) error {
	if s.projects == nil {
		return nil
	}

	_, err := s.projects.Get(ctx, req.ProjectID)
	if errors.Is(err, project.ErrNotFound) {
		err = s.projects.Create(ctx, &project.Project{ID: req.ProjectID, UserID: req.UserID, Prompt: req.Prompt})
	}
	if err != nil {
		return fmt.Errorf("prepare project %s: %w", req.ProjectID, err)
	}
	if err := s.projects.MarkBuilding(ctx, req.ProjectID); err != nil {
		return fmt.Errorf("mark project %s building: %w", req.ProjectID, err)
	}
	return nil
}
