package prompts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtdcoach/coach/patterns"
)

type failingSource struct{ err error }

func (s failingSource) Fetch(context.Context, string) (Prompt, error) {
	return Prompt{}, s.err
}

func TestChainFallsThroughToBuiltIn(t *testing.T) {
	chain := NewChain(nil,
		failingSource{err: errors.New("registry unreachable")},
		NewLocal(t.TempDir()),
		NewBuiltIn(),
	)

	p, err := chain.Fetch(context.Background(), "weekly_system")
	require.NoError(t, err)
	assert.Equal(t, "builtin-1", p.Version)
	assert.NotEmpty(t, p.ForTone(ToneFirm))
	assert.NotEqual(t, p.ForTone(ToneFirm), p.ForTone(ToneGentle))
}

func TestChainPrefersLocalFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "weekly_system.yaml")
	require.NoError(t, os.WriteFile(file, []byte(
		"version: \"3\"\ncontent: custom weekly prompt\nvariants:\n  firm: firm custom\n"), 0o644))

	chain := NewChain(nil, NewLocal(dir), NewBuiltIn())
	p, err := chain.Fetch(context.Background(), "weekly_system")
	require.NoError(t, err)
	assert.Equal(t, "3", p.Version)
	assert.Equal(t, "custom weekly prompt", p.Content)
	assert.Equal(t, "firm custom", p.ForTone(ToneFirm))
	// Missing variant falls back to base content.
	assert.Equal(t, "custom weekly prompt", p.ForTone(ToneGentle))
}

func TestChainUnknownPrompt(t *testing.T) {
	chain := NewChain(nil, NewBuiltIn())
	_, err := chain.Fetch(context.Background(), "no_such_prompt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveTone(t *testing.T) {
	blind := []patterns.RecurringPattern{{Type: "time_blindness", MaxSeverity: patterns.SeverityMedium}}
	mild := []patterns.RecurringPattern{{Type: "time_blindness", MaxSeverity: patterns.SeverityLow}}

	assert.Equal(t, ToneFirm, ResolveTone(ModeFirm, nil))
	assert.Equal(t, ToneGentle, ResolveTone(ModeGentle, blind))
	assert.Equal(t, ToneFirm, ResolveTone(ModeAdaptive, blind))
	assert.Equal(t, ToneGentle, ResolveTone(ModeAdaptive, mild))
	assert.Equal(t, ToneGentle, ResolveTone(ModeAdaptive, nil))
}
