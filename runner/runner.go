// Package runner hosts a coaching session: it wires the agent core to the
// terminal, drives the interrupt loop until the session completes, and
// handles resume, cancellation, and end-of-session accounting.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gtdcoach/coach/agent"
	"github.com/gtdcoach/coach/agent/interrupt"
	"github.com/gtdcoach/coach/agent/model"
	"github.com/gtdcoach/coach/agent/phase"
	"github.com/gtdcoach/coach/agent/state"
	"github.com/gtdcoach/coach/agent/stream"
	"github.com/gtdcoach/coach/agent/tools"
	"github.com/gtdcoach/coach/agent/tools/builtin"
	"github.com/gtdcoach/coach/checkpoint"
	ckptinmem "github.com/gtdcoach/coach/checkpoint/inmem"
	ckptredis "github.com/gtdcoach/coach/checkpoint/redis"
	ckptsqlite "github.com/gtdcoach/coach/checkpoint/sqlite"
	"github.com/gtdcoach/coach/config"
	"github.com/gtdcoach/coach/memory"
	"github.com/gtdcoach/coach/prompts"
	"github.com/gtdcoach/coach/telemetry"
)

// ErrUserCancel reports a keyboard interrupt. State is checkpointed before
// the session unwinds; the CLI maps this to exit code 1.
var ErrUserCancel = errors.New("runner: session cancelled by user")

// ErrNothingToResume reports that no incomplete session exists within the
// resumable window.
var ErrNothingToResume = errors.New("runner: no resumable session")

// NoResponse is the reply synthesized when the user's input timeout expires.
const NoResponse = "[no response]"

type (
	// Options wires a Session.
	Options struct {
		Config   config.Config
		Workflow state.Workflow
		// SessionID defaults to a timestamp-derived id; ThreadID defaults
		// to the session id.
		SessionID string
		ThreadID  string
		UserID    string
		// Tone is the resolved accountability tone.
		Tone   string
		Client model.Client
		// Checkpoints and Metadata are required; Memory may be nil when the
		// sink is disabled.
		Checkpoints checkpoint.Checkpointer
		Metadata    checkpoint.MetadataStore
		Memory      *memory.BatchingMemory
		Prompts     *prompts.Chain
		Notifier    phase.Notifier
		In          io.Reader
		Out         io.Writer
		Logger      telemetry.Logger
		Clock       func() time.Time
		// Mode selects stream verbosity for the first leg.
		Mode stream.Mode
	}

	// Session is one live coaching run.
	Session struct {
		opts  Options
		core  *agent.Core
		sched *phase.Scheduler
		ctrl  *interrupt.Controller
		mgr   *state.Manager
		cfg   agent.Config
		facts *memory.FactsCache

		lines    chan string
		readOnce bool
	}
)

// New builds a fresh session and enters the workflow's first phase.
func New(opts Options) (*Session, error) {
	if err := normalize(&opts); err != nil {
		return nil, err
	}
	st := state.New(opts.SessionID, opts.UserID, opts.Workflow, opts.Clock())
	mgr := state.NewManager(st, opts.Clock)
	mgr.AppendMessage(model.Message{Role: model.RoleUser, Content: openingLine(opts.Workflow)})
	s, err := assemble(opts, mgr)
	if err != nil {
		return nil, err
	}
	s.prefetchFacts()
	s.sched.Start(context.Background())
	return s, nil
}

// prefetchFacts warms the user-facts cache on a background goroutine so the
// first model call does not wait on the sink. Results land in the session's
// user context when they arrive; a miss is silent.
func (s *Session) prefetchFacts() {
	if s.facts == nil {
		return
	}
	query := "preferences and context for " + s.opts.UserID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		hits, err := s.facts.Get(ctx, query, 10)
		if err != nil || len(hits) == 0 {
			return
		}
		known := make([]string, len(hits))
		for i, h := range hits {
			known[i] = h.Fact
		}
		s.mgr.Update(func(st *state.State) {
			st.UserContext["known_facts"] = known
		})
	}()
}

// Restore rebuilds a session from its latest checkpoint: the one named by
// opts.SessionID, or the most recent incomplete session when unset. The
// saved reply history replays; no prompt is shown twice.
func Restore(ctx context.Context, opts Options) (*Session, error) {
	wantID := opts.SessionID
	opts.SessionID = ""
	if err := normalize(&opts); err != nil {
		return nil, err
	}
	var meta checkpoint.SessionMeta
	var err error
	if wantID != "" {
		meta, err = opts.Metadata.Get(ctx, wantID)
	} else {
		meta, err = opts.Metadata.GetResumable(ctx, opts.Clock())
	}
	if errors.Is(err, checkpoint.ErrSessionNotFound) {
		return nil, ErrNothingToResume
	}
	if err != nil {
		return nil, fmt.Errorf("runner: find resumable session: %w", err)
	}
	cp, err := opts.Checkpoints.Get(ctx, checkpoint.Config{ThreadID: meta.ThreadID})
	if err != nil {
		return nil, fmt.Errorf("runner: load checkpoint: %w", err)
	}
	if cp == nil {
		return nil, ErrNothingToResume
	}
	raw, ok := cp.ChannelValues["state"]
	if !ok {
		return nil, fmt.Errorf("runner: checkpoint %s has no state channel", cp.ID)
	}
	var st state.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("runner: decode state: %w", err)
	}
	st.Validate(opts.Clock())

	opts.SessionID = meta.SessionID
	opts.ThreadID = meta.ThreadID
	opts.UserID = meta.UserID
	opts.Workflow = st.Workflow

	mgr := state.NewManager(&st, opts.Clock)
	s, err := assemble(opts, mgr)
	if err != nil {
		return nil, err
	}
	s.core.RestoreStep(cp.Metadata.Step, cp.ID)
	return s, nil
}

func normalize(opts *Options) error {
	if opts.Client == nil {
		return errors.New("runner: model client is required")
	}
	if opts.Checkpoints == nil || opts.Metadata == nil {
		return errors.New("runner: checkpoint stores are required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.SessionID == "" {
		opts.SessionID = opts.Clock().Format("20060102_150405")
	}
	if opts.ThreadID == "" {
		opts.ThreadID = opts.SessionID
	}
	if opts.UserID == "" {
		opts.UserID = "default"
	}
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Prompts == nil {
		opts.Prompts = prompts.NewChain(opts.Logger, prompts.NewBuiltIn())
	}
	if opts.Mode == "" {
		opts.Mode = stream.ModeValues
	}
	return nil
}

func assemble(opts Options, mgr *state.Manager) (*Session, error) {
	sched := phase.NewScheduler(mgr, opts.Notifier, opts.Logger)
	ctrl := interrupt.New(opts.ThreadID, 0, opts.Logger)

	core := agent.New(agent.Options{
		Client:      opts.Client,
		Manager:     mgr,
		Interrupts:  ctrl,
		Checkpoints: opts.Checkpoints,
		Metadata:    opts.Metadata,
		Prompts:     opts.Prompts,
		Tone:        opts.Tone,
		Logger:      opts.Logger,
	})

	reg := tools.NewRegistry(opts.Logger, nil)
	if err := builtin.Register(reg, builtin.Deps{
		Manager:    mgr,
		Scheduler:  sched,
		Interrupts: ctrl,
		Memory:     opts.Memory,
	}); err != nil {
		return nil, fmt.Errorf("runner: register tools: %w", err)
	}
	core.SetTools(reg)

	cfg := agent.DefaultConfig(opts.ThreadID)
	cfg.Model = opts.Config.LLM.Model
	cfg.Temperature = opts.Config.LLM.Temperature
	cfg.Mode = opts.Mode

	var facts *memory.FactsCache
	if opts.Memory != nil {
		ttl := time.Duration(opts.Config.Memory.FactsCacheTTLHours) * time.Hour
		facts = memory.NewFactsCache(opts.Memory.Search, ttl)
	}

	return &Session{
		opts:  opts,
		core:  core,
		sched: sched,
		ctrl:  ctrl,
		mgr:   mgr,
		cfg:   cfg,
		facts: facts,
		lines: make(chan string, 1),
	}, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.opts.SessionID }

// Manager exposes the session's state manager.
func (s *Session) Manager() *state.Manager { return s.mgr }

// Run drives the session: one streamed leg, then resume legs while tools
// keep suspending for input. Returns ErrUserCancel on context cancellation.
func (s *Session) Run(ctx context.Context) (err error) {
	defer s.finish(ctx, &err)

	suspended, err := s.streamLeg(ctx)
	if err != nil {
		return err
	}
	for suspended != nil {
		reply, err := s.readReply(ctx, fmt.Sprint(suspended.Value))
		if err != nil {
			return err
		}
		res, err := s.core.Resume(ctx, s.cfg, reply)
		if err != nil {
			if ctx.Err() != nil {
				return ErrUserCancel
			}
			return err
		}
		suspended = res.Interrupt
	}
	return nil
}

// streamLeg runs the first invocation in streaming mode, echoing text deltas
// to the terminal, and returns the suspension if the leg ended in one.
func (s *Session) streamLeg(ctx context.Context) (*stream.Interrupt, error) {
	var suspended *stream.Interrupt
	for chunk := range s.core.Stream(ctx, s.cfg) {
		if chunk.Text != "" {
			fmt.Fprint(s.opts.Out, chunk.Text)
		}
		if !chunk.Final {
			continue
		}
		if chunk.Update != nil {
			if msg, ok := chunk.Update["error"]; ok {
				if ctx.Err() != nil {
					return nil, ErrUserCancel
				}
				return nil, fmt.Errorf("runner: %v", msg)
			}
		}
		suspended = chunk.Interrupt
	}
	if ctx.Err() != nil {
		return nil, ErrUserCancel
	}
	return suspended, nil
}

// readReply shows the prompt and waits for one input line. When the state
// carries an input timeout and it expires, a no-response reply is
// synthesized so the session keeps moving.
func (s *Session) readReply(ctx context.Context, prompt string) (string, error) {
	fmt.Fprintf(s.opts.Out, "\n%s\n> ", strings.TrimSpace(prompt))
	s.startReader()

	var timeout <-chan time.Time
	if t := s.mgr.Snapshot().InputTimeout; t != nil && *t > 0 {
		timeout = time.After(time.Duration(*t * float64(time.Second)))
	}
	select {
	case line, ok := <-s.lines:
		if !ok {
			return NoResponse, nil
		}
		return line, nil
	case <-timeout:
		fmt.Fprintln(s.opts.Out, NoResponse)
		return NoResponse, nil
	case <-ctx.Done():
		return "", ErrUserCancel
	}
}

// startReader begins the single goroutine feeding input lines. Started
// lazily so non-interactive sessions never touch stdin.
func (s *Session) startReader() {
	if s.readOnce {
		return
	}
	s.readOnce = true
	scanner := bufio.NewScanner(s.opts.In)
	go func() {
		defer close(s.lines)
		for scanner.Scan() {
			s.lines <- scanner.Text()
		}
	}()
}

// finish runs end-of-session accounting regardless of outcome: persist the
// last-session pointer, flush memory, record effectiveness, and mark the
// session complete when it finished cleanly.
func (s *Session) finish(ctx context.Context, errp *error) {
	// Use a fresh context so cancellation does not skip the accounting.
	ctx = context.WithoutCancel(ctx)

	if err := WriteLastSession(s.opts.SessionID); err != nil {
		s.opts.Logger.Warn(ctx, "last-session pointer not written", "error", err.Error())
	}
	if s.opts.Memory != nil {
		s.opts.Memory.Flush()
		s.opts.Memory.Close()
	}

	st := s.mgr.Snapshot()
	completed := *errp == nil
	telemetry.Active().SessionEffectiveness(ctx, telemetry.EffectivenessStats{
		Completed:         completed,
		DurationMinutes:   s.opts.Clock().Sub(st.StartedAt).Minutes(),
		TasksCaptured:     len(st.Captures),
		PrioritiesSet:     len(st.WeeklyPriorities),
		InterruptsHandled: s.ctrl.Count(),
	})

	if completed {
		if err := s.opts.Metadata.MarkComplete(ctx, s.opts.SessionID); err != nil {
			s.opts.Logger.Warn(ctx, "session not marked complete", "error", err.Error())
		}
	}
}

// WriteLastSession persists the session id for resume --last.
func WriteLastSession(sessionID string) error {
	dir := config.Dir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "last_session.txt"), []byte(sessionID+"\n"), 0o644)
}

// ReadLastSession returns the persisted last-session id, or empty.
func ReadLastSession() string {
	raw, err := os.ReadFile(filepath.Join(config.Dir(), "last_session.txt"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// OpenStores opens the configured checkpoint backend. Selection is strict:
// an unknown backend kind fails fast instead of silently running in memory.
func OpenStores(ctx context.Context, kind, dsn string) (checkpoint.Checkpointer, checkpoint.MetadataStore, error) {
	switch kind {
	case "sqlite":
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("runner: create data dir: %w", err)
			}
		}
		ckpt, meta, err := ckptsqlite.Open(dsn)
		if err != nil {
			return nil, nil, err
		}
		return ckpt, meta, nil
	case "redis":
		store, err := ckptredis.New(ctx, ckptredis.Options{Addr: dsn})
		if err != nil {
			return nil, nil, err
		}
		// Session metadata stays local; the redis backend only persists
		// checkpoints.
		return store, ckptinmem.NewMetadataStore(), nil
	case "inmem":
		return ckptinmem.NewCheckpointer(), ckptinmem.NewMetadataStore(), nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", checkpoint.ErrUnknownBackend, kind)
	}
}

func openingLine(w state.Workflow) string {
	if w == state.WorkflowDailyClarify {
		return "I'm ready to clarify my inbox."
	}
	return "I'm ready to start my weekly review."
}
