package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/gtdcoach/coach/agent/model/openai"
	"github.com/gtdcoach/coach/agent/state"
	"github.com/gtdcoach/coach/config"
	"github.com/gtdcoach/coach/memory"
	meminmem "github.com/gtdcoach/coach/memory/inmem"
	memredis "github.com/gtdcoach/coach/memory/redis"
	"github.com/gtdcoach/coach/patterns"
	"github.com/gtdcoach/coach/prompts"
	"github.com/gtdcoach/coach/runner"
	"github.com/gtdcoach/coach/telemetry"
)

var (
	useAgent   bool
	skipTiming bool

	agentMode      string
	accountability string
	resumeID       string
	userID         string
	testMode       bool

	resumeLast bool
)

var weeklyCmd = &cobra.Command{
	Use:   "weekly",
	Short: "Run a 30-minute weekly review",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if useAgent {
			cfg.UseAgent = true
		}
		if skipTiming {
			cfg.DisableTiming = true
		}
		return runSession(cmd.Context(), cfg, state.WorkflowWeeklyReview, "")
	},
}

var dailyCmd = &cobra.Command{
	Use:   "daily",
	Short: "Run a daily capture and clarify session",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if agentMode != "" {
			cfg.AgentMode = agentMode
		}
		if accountability != "" {
			cfg.Accountability = accountability
		}
		if testMode {
			cfg.Checkpoint.Backend = "inmem"
			cfg.DisableMemory = true
		}
		if resumeID != "" {
			return restoreSession(cmd.Context(), cfg, state.WorkflowDailyClarify, resumeID)
		}
		return runSession(cmd.Context(), cfg, state.WorkflowDailyClarify, "")
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the most recent incomplete session",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !resumeLast {
			return fmt.Errorf("resume requires --last")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return restoreSession(cmd.Context(), cfg, state.WorkflowWeeklyReview, "")
	},
}

func init() {
	weeklyCmd.Flags().BoolVar(&useAgent, "use-agent", false, "run with the agent runtime")
	weeklyCmd.Flags().BoolVar(&skipTiming, "skip-timing", false, "skip the time-tracking integration")

	dailyCmd.Flags().StringVar(&agentMode, "agent-mode", "", "execution mode: workflow, agent, or hybrid")
	dailyCmd.Flags().StringVar(&accountability, "accountability", "", "coaching tone: gentle, firm, or adaptive")
	dailyCmd.Flags().StringVar(&resumeID, "resume", "", "resume the given session id")
	dailyCmd.Flags().StringVar(&userID, "user-id", "", "user id owning the session")
	dailyCmd.Flags().BoolVar(&testMode, "test-mode", false, "in-memory backends, no external writes")

	resumeCmd.Flags().BoolVar(&resumeLast, "last", false, "resume the most recent incomplete session")
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, confErr(err)
	}
	return cfg, nil
}

// env bundles the per-session infrastructure and its teardown.
type env struct {
	opts     runner.Options
	closeFns []func()
}

func (e *env) close() {
	for i := len(e.closeFns) - 1; i >= 0; i-- {
		e.closeFns[i]()
	}
}

func runSession(ctx context.Context, cfg config.Config, workflow state.Workflow, sessionID string) error {
	e, err := buildEnv(ctx, cfg, workflow, sessionID)
	if err != nil {
		return err
	}
	defer e.close()

	s, err := runner.New(e.opts)
	if err != nil {
		return confErr(err)
	}
	fmt.Printf("Starting %s session %s\n", workflow, s.ID())
	return mapSessionErr(s.Run(ctx))
}

func restoreSession(ctx context.Context, cfg config.Config, workflow state.Workflow, sessionID string) error {
	e, err := buildEnv(ctx, cfg, workflow, sessionID)
	if err != nil {
		return err
	}
	defer e.close()

	e.opts.SessionID = sessionID
	s, err := runner.Restore(ctx, e.opts)
	if err != nil {
		return err
	}
	fmt.Printf("Resuming session %s\n", s.ID())
	return mapSessionErr(s.Run(ctx))
}

// buildEnv opens every external dependency from the configuration. Setup
// failures here are configuration errors (exit code 2); anything after the
// session starts is a runtime error.
func buildEnv(ctx context.Context, cfg config.Config, workflow state.Workflow, sessionID string) (*env, error) {
	e := &env{}
	if sessionID == "" {
		sessionID = time.Now().Format("20060102_150405")
	}

	client, err := openai.New(openai.Options{
		BaseURL: cfg.LLM.URL,
		Model:   cfg.LLM.Model,
	})
	if err != nil {
		return nil, confErr(err)
	}

	ckpt, meta, err := runner.OpenStores(ctx, cfg.Checkpoint.Backend, cfg.Checkpoint.DSN)
	if err != nil {
		return nil, confErr(err)
	}
	e.closeFns = append(e.closeFns, func() { ckpt.Close() })

	user := userID
	if user == "" {
		user = "default"
	}

	mem, err := openMemory(ctx, cfg, sessionID, user)
	if err != nil {
		return nil, confErr(err)
	}

	tone := resolveTone(cfg)
	activateTracer(cfg, sessionID, user, workflow)

	e.opts = runner.Options{
		Config:      cfg,
		Workflow:    workflow,
		SessionID:   sessionID,
		UserID:      user,
		Tone:        tone,
		Client:      client,
		Checkpoints: ckpt,
		Metadata:    meta,
		Memory:      mem,
		Prompts:     promptChain(),
		Logger:      telemetry.NewClueLogger(),
	}
	return e, nil
}

// openMemory wires the episodic memory layer: the configured Redis sink when
// a URI is set, an in-process sink otherwise, both with the local file
// backup. Disabled memory means nil; the tools skip it.
func openMemory(ctx context.Context, cfg config.Config, sessionID, user string) (*memory.BatchingMemory, error) {
	if cfg.DisableMemory {
		return nil, nil
	}
	var sink memory.Sink
	if cfg.Memory.URI != "" {
		s, err := memredis.New(ctx, memredis.Options{
			Addr:     cfg.Memory.URI,
			Password: cfg.Memory.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("memory sink: %w", err)
		}
		sink = s
	} else {
		sink = meminmem.New()
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	backup, err := memory.NewBackup(filepath.Join(home, "gtd-coach", "data", "memory_backup"))
	if err != nil {
		return nil, err
	}

	return memory.NewBatching(memory.Options{
		Sink:           sink,
		Backup:         backup,
		SessionID:      sessionID,
		GroupID:        user,
		SkipTrivial:    true,
		BatchThreshold: cfg.Memory.BatchThreshold,
		DecayRate:      cfg.Memory.DecayRate,
		Logger:         telemetry.NewClueLogger(),
	}), nil
}

// resolveTone maps the accountability setting to a prompt tone, consulting
// recurring patterns when adaptive.
func resolveTone(cfg config.Config) string {
	mode := prompts.Mode(cfg.Accountability)
	var recurring []patterns.RecurringPattern
	if mode == prompts.ModeAdaptive {
		if store, err := patterns.NewStore(patternsDir()); err == nil {
			recurring, _ = store.LoadRecurring(4)
		}
	}
	return prompts.ResolveTone(mode, recurring)
}

func patternsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".gtd_coach", "patterns", "sessions")
}

// activateTracer installs the session tracer: clue/OTEL-backed when tracer
// keys are configured, no-op otherwise.
func activateTracer(cfg config.Config, sessionID, user string, workflow state.Workflow) {
	info := telemetry.SessionInfo{
		SessionID:    sessionID,
		UserID:       user,
		WorkflowType: string(workflow),
		AgentType:    cfg.AgentMode,
		Model:        cfg.LLM.Model,
	}
	if cfg.Tracer.PublicKey == "" || cfg.Tracer.Host == "" {
		telemetry.SetActive(telemetry.NewSessionTracer(info, nil, nil, nil))
		return
	}
	telemetry.SetActive(telemetry.NewSessionTracer(
		info,
		telemetry.NewClueTracer(),
		telemetry.NewClueMetrics(),
		telemetry.NewClueLogger(),
	))
}

// promptChain prefers local prompt overrides under the coach home, then the
// built-ins.
func promptChain() *prompts.Chain {
	logger := telemetry.NewClueLogger()
	local := prompts.NewLocal(filepath.Join(config.Dir(), "prompts"))
	return prompts.NewChain(logger, local, prompts.NewBuiltIn())
}
