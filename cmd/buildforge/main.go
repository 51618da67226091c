// Package main provides the buildforge binary entry point.
// buildforge runs a multi-agent software delivery pipeline: an architect, frontend
// and backend builders, a security reviewer, QA and DevOps, each routed to a model
// tier by plan and complexity, with credit reservation, audit and streaming.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"slices"
	"strings"
	"syscall"

	// Register LLM providers via init()
	_ "github.com/c360studio/buildforge/llm/providers"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/buildforge/config"
	"github.com/c360studio/buildforge/llm"
	"github.com/c360studio/buildforge/model"
	"github.com/c360studio/buildforge/pipeline"
	"github.com/c360studio/buildforge/service"
	"github.com/c360studio/buildforge/tools"
	"github.com/c360studio/buildforge/tools/builtin"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "buildforge"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	logLevel   string
	logger     *slog.Logger
}

func (g *globals) load() (*config.Config, error) {
	cfg, err := config.NewLoader(g.logger).Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func rootCmd() *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Multi-agent software delivery pipeline",
		Long: `buildforge turns a product prompt into architecture, frontend and backend code,
a security review, tests and deployment files by running a pipeline of model-backed
agents.

Each stage is routed to a model tier by the user's plan and the project's
complexity. Runs reserve credits up front and refund them on failure.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			g.logger = newLogger(cmd.ErrOrStderr(), g.logLevel)
			slog.SetDefault(g.logger)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		runCmd(g),
		resumeCmd(g),
		workerCmd(g),
		routeCmd(g),
		toolsCmd(g),
		configCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)
	return cmd
}

func newLogger(w io.Writer, logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// runSummary is what `run` prints in batch mode.
type runSummary struct {
	ProjectID       string                     `json:"project_id"`
	RunID           string                     `json:"run_id"`
	Status          string                     `json:"status"`
	Errors          string                     `json:"errors,omitempty"`
	Tokens          int                        `json:"tokens"`
	EstimatedTokens int                        `json:"estimated_tokens"`
	Outputs         map[string]pipeline.Output `json:"outputs"`
	Balance         *int                       `json:"balance,omitempty"`
}

func summarize(st *pipeline.State) runSummary {
	return runSummary{
		ProjectID:       st.ProjectID,
		RunID:           st.RunID,
		Status:          st.Status(),
		Errors:          st.ErrorText(),
		Tokens:          st.TotalTokensUsed,
		EstimatedTokens: st.EstimatedTokens,
		Outputs:         st.StageOutputs,
	}
}

func runCmd(g *globals) *cobra.Command {
	var (
		req          service.RunRequest
		credits      int
		embeddedNATS bool
	)

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run the pipeline for a prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			req.Prompt = strings.Join(args, " ")
			if req.ProjectID == "" {
				req.ProjectID = uuid.New().String()
			}
			if cfg.Billing.Ledger == config.LedgerMemory && credits > 0 {
				if cfg.Billing.SeedBalances == nil {
					cfg.Billing.SeedBalances = map[string]int{}
				}
				cfg.Billing.SeedBalances[req.UserID] = credits
			}

			ctx := cmd.Context()
			app, err := NewApp(ctx, cfg, g.logger, AppOptions{EmbeddedNATS: embeddedNATS})
			if err != nil {
				return err
			}
			defer app.Close()
			app.ServeMetrics(ctx)
			app.WatchPrompts(ctx)

			out := cmd.OutOrStdout()
			if req.Stream {
				fragments, err := app.Service.StartStream(ctx, req)
				if err != nil {
					return err
				}
				return printStream(out, fragments)
			}

			st, err := app.Service.Start(ctx, req)
			if err != nil && st == nil {
				return err
			}
			summary := summarize(st)
			if balance, balErr := app.Gate.Balance(ctx, req.UserID); balErr == nil {
				summary.Balance = &balance
			}
			if encErr := writeJSON(out, summary); encErr != nil {
				return encErr
			}
			if err != nil {
				return fmt.Errorf("run interrupted at %s: %w", st.CurrentStage, err)
			}
			if st.Failed() {
				return errors.New("run failed")
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.ProjectID, "project", "", "Project ID (default: random)")
	f.StringVar(&req.UserID, "user", "local", "User ID to bill")
	f.StringVar(&req.OrgID, "org", "", "Organisation ID for memory retrieval")
	f.StringVar(&req.Tier, "tier", string(model.PlanStarter), "Plan tier (starter, standard, pro, premier, ultra)")
	f.StringVar(&req.Complexity, "complexity", "", "Project complexity (low, medium, high)")
	f.StringVar(&req.ForceModel, "force-model", "", "Use this model for every stage")
	f.BoolVar(&req.Stream, "stream", false, "Stream stage output as it is generated")
	f.IntVar(&credits, "credits", 100, "Credits to seed for the user with the memory ledger")
	f.BoolVar(&embeddedNATS, "embedded-nats", false, "Start an in-process NATS server when nats.url is empty")
	return cmd
}

// printStream writes markers on their own lines and model text as it arrives.
func printStream(w io.Writer, fragments <-chan string) error {
	failed := false
	for fragment := range fragments {
		switch {
		case strings.HasPrefix(fragment, pipeline.MarkerStart):
			fmt.Fprintf(w, "\n== %s ==\n", strings.TrimPrefix(fragment, pipeline.MarkerStart))
		case fragment == pipeline.MarkerEnd:
			fmt.Fprintln(w)
		case fragment == pipeline.MarkerComplete:
			fmt.Fprintln(w, "\nCOMPLETE")
		case strings.HasPrefix(fragment, pipeline.MarkerError):
			failed = true
			fmt.Fprintf(w, "\nERROR: %s\n", strings.TrimPrefix(fragment, pipeline.MarkerError))
		default:
			fmt.Fprint(w, fragment)
		}
	}
	if failed {
		return errors.New("run failed")
	}
	return nil
}

func resumeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <project-id>",
		Short: "Continue an interrupted run from its checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := NewApp(ctx, cfg, g.logger, AppOptions{})
			if err != nil {
				return err
			}
			defer app.Close()

			st, err := app.Service.Resume(ctx, args[0])
			if err != nil && st == nil {
				return err
			}
			if encErr := writeJSON(cmd.OutOrStdout(), summarize(st)); encErr != nil {
				return encErr
			}
			return err
		},
	}
}

func workerCmd(g *globals) *cobra.Command {
	var (
		queue        string
		concurrency  int
		embeddedNATS bool
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Serve run requests from NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := NewApp(ctx, cfg, g.logger, AppOptions{EmbeddedNATS: embeddedNATS})
			if err != nil {
				return err
			}
			defer app.Close()

			nc := app.NATS()
			if nc == nil {
				return errors.New("worker requires nats.url or --embedded-nats")
			}
			app.ServeMetrics(ctx)
			app.WatchPrompts(ctx)

			g.logger.Info("buildforge worker ready", "version", Version)
			worker := service.NewWorker(app.Service, nc, nc,
				service.WithQueueGroup(queue),
				service.WithConcurrency(concurrency),
				service.WithWorkerLogger(g.logger))
			return worker.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&queue, "queue", service.DefaultQueueGroup, "NATS queue group")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "Runs served at once")
	cmd.Flags().BoolVar(&embeddedNATS, "embedded-nats", false, "Start an in-process NATS server when nats.url is empty")
	return cmd
}

func routeCmd(g *globals) *cobra.Command {
	var req struct {
		agent, plan, complexity, force string
	}

	cmd := &cobra.Command{
		Use:   "route",
		Short: "Show which model a stage would use",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			registry, err := model.NewRegistryFromConfig(cfg.Models.RegistryConfig)
			if err != nil {
				return err
			}
			router := model.NewRouter(registry, model.WithLogger(g.logger))

			d := router.Route(cmd.Context(), model.RouteRequest{
				Agent:      model.Agent(req.agent),
				Plan:       model.ParsePlan(req.plan),
				Complexity: model.ParseComplexity(req.complexity),
				ForceModel: req.force,
			})
			return writeJSON(cmd.OutOrStdout(), d)
		},
	}

	cmd.Flags().StringVar(&req.agent, "agent", string(model.AgentArchitect), "Agent (architect, frontend, backend, security, qa, devops)")
	cmd.Flags().StringVar(&req.plan, "tier", string(model.PlanStarter), "Plan tier")
	cmd.Flags().StringVar(&req.complexity, "complexity", string(model.ComplexityMedium), "Project complexity")
	cmd.Flags().StringVar(&req.force, "force-model", "", "Force a configured model")
	return cmd
}

func toolsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and call the agent tools",
	}

	registry := func() (*tools.Registry, error) {
		cfg, err := g.load()
		if err != nil {
			return nil, err
		}
		return builtin.NewRegistry(builtin.Config{
			DocsAllowlist: cfg.Tools.DocsAllowlist,
			DocsMaxChars:  cfg.Tools.DocsMaxChars,
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tools and the agents they are bound to",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := registry()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, def := range r.ListTools() {
				fmt.Fprintf(out, "%-34s %s\n", def.Name, def.Description)
				if agents := boundAgents(def.Name); len(agents) > 0 {
					fmt.Fprintf(out, "%-34s agents: %s\n", "", strings.Join(agents, ", "))
				}
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "call <name> [json-args]",
		Short: "Call a tool directly",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := registry()
			if err != nil {
				return err
			}
			call := llm.ToolCall{ID: "cli-" + uuid.New().String()[:8], Name: args[0], Arguments: "{}"}
			if len(args) == 2 {
				call.Arguments = args[1]
			}
			result := r.Call(cmd.Context(), call)
			if result.Error != "" {
				return fmt.Errorf("%s: %s", call.Name, result.Error)
			}
			fmt.Fprintln(cmd.OutOrStdout(), result.Content)
			return nil
		},
	})
	return cmd
}

func configCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default user config if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.NewLoader(g.logger).EnsureUserConfig()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	})
	return cmd
}

// boundAgents lists the agents a tool is bound to, in pipeline order.
func boundAgents(name string) []string {
	var agents []string
	for _, agent := range []model.Agent{
		model.AgentArchitect, model.AgentFrontend, model.AgentBackend,
		model.AgentSecurity, model.AgentQA, model.AgentDevOps,
	} {
		if slices.Contains(builtin.StageTools[agent], name) {
			agents = append(agents, string(agent))
		}
	}
	return agents
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
