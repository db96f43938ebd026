package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gtdcoach/coach/agent/model"
	"github.com/gtdcoach/coach/agent/phase"
	"github.com/gtdcoach/coach/agent/state"
)

// Token budget defaults, tuned for a single user on a local model.
const (
	DefaultMaxInputTokens    = 6000
	DefaultMaxResponseTokens = 2000
	DefaultSummaryTokens     = 500
	// charsPerToken is the approximation used for budgeting. Local models
	// vary; 4 chars/token is close enough for trimming decisions.
	charsPerToken = 4
)

// estimateTokens approximates the token count of a message list.
func estimateTokens(msgs []model.Message) int {
	chars := 0
	for _, m := range msgs {
		chars += len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + len(tc.RawArguments)
		}
	}
	return chars / charsPerToken
}

// summarizePhase condenses the outgoing phase's messages into a short string
// bounded by the summary token budget. Deterministic: it keeps what the user
// said and what tools returned, drops assistant filler.
func summarizePhase(phaseName string, msgs []model.Message, summaryTokens int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] ", phaseName)
	for _, m := range msgs {
		switch m.Role {
		case model.RoleUser:
			b.WriteString("user: " + strings.TrimSpace(m.Content) + "; ")
		case model.RoleTool:
			content := strings.TrimSpace(m.Content)
			if content != "" && len(content) < 200 {
				b.WriteString("tool: " + content + "; ")
			}
		}
	}
	s := b.String()
	if max := summaryTokens * charsPerToken; len(s) > max {
		s = s[:max]
	}
	return s
}

// trimLastFit keeps the most recent messages within the token budget,
// dropping from the head. The kept window is aligned to start on a user
// message and end on a user or tool message; messages are never split.
// Returns the trimmed list and whether trimming occurred.
func trimLastFit(msgs []model.Message, maxTokens int) ([]model.Message, bool) {
	if estimateTokens(msgs) <= maxTokens {
		return msgs, false
	}
	start := 0
	for start < len(msgs)-1 && estimateTokens(msgs[start:]) > maxTokens {
		start++
	}
	// Align the window start to a user message so the model never sees an
	// orphaned tool result or a reply without its question.
	for start < len(msgs)-1 && msgs[start].Role != model.RoleUser {
		start++
	}
	// Align the end to a user or tool message.
	end := len(msgs)
	for end > start+1 {
		role := msgs[end-1].Role
		if role == model.RoleUser || role == model.RoleTool {
			break
		}
		end--
	}
	return msgs[start:end], true
}

// composeMessages builds the message list for one LLM call. It runs the
// deterministic pre-model hook: phase-change summarization, last-fit
// trimming, then the system prompt, time-context line, phase guidance, and
// phase summary tail. The persisted history is only mutated for the
// phase-change collapse; the composed list itself is never stored.
func (c *Core) composeMessages(ctx context.Context, cfg Config) []model.Message {
	now := c.mgr.Now()

	if c.mgr.Snapshot().PhaseChanged {
		c.mgr.Update(func(st *state.State) {
			outgoing := ""
			if n := len(st.CompletedPhases); n > 0 {
				outgoing = st.CompletedPhases[n-1]
			}
			summary := summarizePhase(outgoing, st.Messages, cfg.SummaryTokens)
			if st.PhaseSummary != "" {
				st.PhaseSummary += " "
			}
			st.PhaseSummary += summary
			if len(st.Messages) > 2 {
				st.Messages = append([]model.Message{}, st.Messages[len(st.Messages)-2:]...)
			}
			st.PhaseChanged = false
		})
	}

	st := c.mgr.Snapshot()
	msgs, trimmed := trimLastFit(st.Messages, cfg.MaxInputTokens)
	if trimmed {
		c.mgr.Update(func(st *state.State) { st.ContextOverflowCount++ })
	}

	composed := make([]model.Message, 0, len(msgs)+4)
	composed = append(composed, model.Message{Role: model.RoleSystem, Content: c.systemPrompt(ctx, st)})
	composed = append(composed, model.Message{Role: model.RoleSystem, Content: c.timeContext(st, now)})
	if guidance := phase.Guidance(st.Workflow, st.CurrentPhase); guidance != "" {
		composed = append(composed, model.Message{
			Role:    model.RoleSystem,
			Content: fmt.Sprintf("Phase %s: %s", st.CurrentPhase, guidance),
		})
	}
	if st.PhaseSummary != "" {
		tail := st.PhaseSummary
		if max := cfg.SummaryTokens * charsPerToken; len(tail) > max {
			tail = tail[len(tail)-max:]
		}
		composed = append(composed, model.Message{
			Role:    model.RoleSystem,
			Content: "Earlier phases: " + tail,
		})
	}
	return append(composed, msgs...)
}

// systemPrompt resolves the accountability-dependent system prompt.
func (c *Core) systemPrompt(ctx context.Context, st *state.State) string {
	name := systemPromptName(st.Workflow)
	p, err := c.prompts.Fetch(ctx, name)
	if err != nil {
		return "You are a GTD coach. Keep the user moving and respect the phase time budget."
	}
	return p.ForTone(c.tone)
}

// systemPromptName maps a workflow to its system prompt.
func systemPromptName(w state.Workflow) string {
	if w == state.WorkflowDailyClarify {
		return "daily_system"
	}
	return "weekly_system"
}

// timeContext renders the current time pressure and any due reminders as a
// single context line.
func (c *Core) timeContext(st *state.State, now time.Time) string {
	limit := time.Duration(st.PhaseLimitMin * float64(time.Minute))
	elapsed := now.Sub(st.PhaseStart)
	urgency := phase.Assess(elapsed, limit)
	line := fmt.Sprintf("Time check: %s. %.1f of %.0f minutes used in %s.",
		urgency, elapsed.Minutes(), st.PhaseLimitMin, st.CurrentPhase)
	var due []string
	for _, r := range st.Reminders {
		if !r.At.After(now) {
			due = append(due, r.Message)
		}
	}
	if len(due) > 0 {
		line += " Reminders due: " + strings.Join(due, "; ") + "."
	}
	return line
}
