// Package prompts resolves versioned prompt templates through a fallback
// chain: a remote registry when configured, local YAML files, and finally
// hard-coded minimal prompts. Prompt fetch failures never block a session.
package prompts

import (
	"context"
	"errors"
	"fmt"

	"github.com/gtdcoach/coach/patterns"
	"github.com/gtdcoach/coach/telemetry"
)

// ErrNotFound reports that a source has no prompt under the given name.
var ErrNotFound = errors.New("prompts: not found")

// Tones for accountability variants.
const (
	ToneFirm   = "firm"
	ToneGentle = "gentle"
)

// Mode selects how the coach addresses the user.
type Mode string

// Accountability modes. Adaptive picks firm or gentle from recurring
// patterns at session start.
const (
	ModeFirm     Mode = "firm"
	ModeGentle   Mode = "gentle"
	ModeAdaptive Mode = "adaptive"
)

type (
	// Prompt is one versioned template with optional tone variants.
	Prompt struct {
		Name     string            `yaml:"name" json:"name"`
		Version  string            `yaml:"version" json:"version"`
		Content  string            `yaml:"content" json:"content"`
		Variants map[string]string `yaml:"variants,omitempty" json:"variants,omitempty"`
	}

	// Source resolves prompts by name. Implementations return ErrNotFound
	// when the name is unknown to them.
	Source interface {
		Fetch(ctx context.Context, name string) (Prompt, error)
	}

	// Chain tries each source in order, falling through on any error.
	Chain struct {
		sources []Source
		logger  telemetry.Logger
	}
)

// ForTone returns the variant for the tone, or the base content when no
// variant exists.
func (p Prompt) ForTone(tone string) string {
	if v, ok := p.Variants[tone]; ok {
		return v
	}
	return p.Content
}

// NewChain builds a fallback chain. Nil sources are skipped.
func NewChain(logger telemetry.Logger, sources ...Source) *Chain {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	c := &Chain{logger: logger}
	for _, s := range sources {
		if s != nil {
			c.sources = append(c.sources, s)
		}
	}
	return c
}

// Fetch returns the first source's answer. Errors other than ErrNotFound
// are logged and treated as a miss so an unreachable registry degrades to
// local files.
func (c *Chain) Fetch(ctx context.Context, name string) (Prompt, error) {
	for _, s := range c.sources {
		p, err := s.Fetch(ctx, name)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			c.logger.Warn(ctx, "prompt source degraded", "prompt", name, "error", err.Error())
		}
	}
	return Prompt{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// ResolveTone maps an accountability mode to a concrete tone. Adaptive
// picks firm when recurring patterns include time_blindness at medium or
// worse severity, otherwise gentle.
func ResolveTone(mode Mode, recurring []patterns.RecurringPattern) string {
	switch mode {
	case ModeFirm:
		return ToneFirm
	case ModeGentle:
		return ToneGentle
	}
	for _, rp := range recurring {
		if rp.Type == "time_blindness" && rp.MaxSeverity.Level() >= patterns.SeverityMedium.Level() {
			return ToneFirm
		}
	}
	return ToneGentle
}
