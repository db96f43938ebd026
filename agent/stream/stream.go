// Package stream defines the chunk types yielded by the agent loop's
// streaming mode. The terminal chunk may carry an interrupt descriptor,
// which is how a suspension surfaces to the host runner.
package stream

import "github.com/gtdcoach/coach/agent/state"

// Mode selects how much of the loop's progress is surfaced.
type Mode string

// Stream modes.
const (
	// ModeValues yields the full state snapshot after every loop step.
	ModeValues Mode = "values"
	// ModeUpdates yields only what changed in each step.
	ModeUpdates Mode = "updates"
	// ModeDebug yields updates plus internals (token estimates, latencies).
	ModeDebug Mode = "debug"
)

type (
	// Interrupt describes a suspension surfaced to the runner. Value is the
	// prompt to show the user.
	Interrupt struct {
		Value    any            `json:"value"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Chunk is one streamed slice of loop progress. Exactly the terminal
	// chunk has Final set; a terminal chunk with a non-nil Interrupt means
	// the session is suspended awaiting user input.
	Chunk struct {
		Mode Mode `json:"mode"`
		// Step is the loop iteration that produced the chunk.
		Step int `json:"step"`
		// State is the post-step snapshot (values mode).
		State *state.State `json:"state,omitempty"`
		// Update holds the step's changes (updates and debug modes).
		Update map[string]any `json:"update,omitempty"`
		// Text is the assistant text delta when the model streams tokens.
		Text string `json:"text,omitempty"`
		// Interrupt is set on a terminal chunk when a tool suspended.
		Interrupt *Interrupt `json:"__interrupt__,omitempty"`
		Final     bool       `json:"final"`
	}
)

// Suspended reports whether the chunk is a terminal interrupt chunk.
func (c Chunk) Suspended() bool { return c.Final && c.Interrupt != nil }
