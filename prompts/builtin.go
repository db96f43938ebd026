package prompts

import "context"

// BuiltIn serves the minimal hard-coded prompts used when neither the
// registry nor local files are available. The set is intentionally small:
// enough to run a session, not to tune one.
type BuiltIn struct{}

// NewBuiltIn returns the built-in source.
func NewBuiltIn() *BuiltIn { return &BuiltIn{} }

// Fetch resolves one of the built-in prompts.
func (BuiltIn) Fetch(_ context.Context, name string) (Prompt, error) {
	p, ok := builtins[name]
	if !ok {
		return Prompt{}, ErrNotFound
	}
	return p, nil
}

var builtins = map[string]Prompt{
	"weekly_system": {
		Name:    "weekly_system",
		Version: "builtin-1",
		Content: "You are a GTD coach guiding a 30-minute weekly review. " +
			"Keep the user moving through the phases, capture everything they say " +
			"without judging it, and respect the phase time budget above all else.",
		Variants: map[string]string{
			ToneFirm: "You are a firm GTD coach running a strict 30-minute weekly review. " +
				"Hold the user to the phase time budget, cut rabbit holes short, and " +
				"insist on concrete next actions.",
			ToneGentle: "You are a supportive GTD coach guiding a 30-minute weekly review. " +
				"Encourage the user at each phase, celebrate every capture, and gently " +
				"steer back when the conversation drifts.",
		},
	},
	"daily_system": {
		Name:    "daily_system",
		Version: "builtin-1",
		Content: "You are a GTD coach helping the user clarify their inbox one item " +
			"at a time. For each item decide: actionable or not, next action, and " +
			"whether it belongs on today's list.",
		Variants: map[string]string{
			ToneFirm: "You are a firm GTD coach clarifying the user's inbox. One item at " +
				"a time, one decision per item, no revisiting decided items.",
			ToneGentle: "You are a supportive GTD coach clarifying the user's inbox. Take " +
				"it one item at a time and reassure the user that deferring is a valid choice.",
		},
	},
	"phase_summary": {
		Name:    "phase_summary",
		Version: "builtin-1",
		Content: "Summarize the conversation so far in under 500 tokens. Keep every " +
			"captured item, every decision, and the user's current emotional state. " +
			"Drop greetings and filler.",
	},
}
