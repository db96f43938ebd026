package runner_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtdcoach/coach/agent/model"
	"github.com/gtdcoach/coach/agent/state"
	"github.com/gtdcoach/coach/checkpoint"
	ckptinmem "github.com/gtdcoach/coach/checkpoint/inmem"
	"github.com/gtdcoach/coach/config"
	"github.com/gtdcoach/coach/runner"
)

type scriptedClient struct {
	responses []model.Response
	calls     int
}

func (c *scriptedClient) Complete(context.Context, model.Request) (model.Response, error) {
	if c.calls >= len(c.responses) {
		return model.Response{}, fmt.Errorf("scripted client exhausted after %d calls", c.calls)
	}
	resp := c.responses[c.calls]
	c.calls++
	return resp, nil
}

func (c *scriptedClient) Stream(context.Context, model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func (c *scriptedClient) Health(context.Context) error { return nil }

func text(s string) model.Response {
	return model.Response{Message: model.Message{Role: model.RoleAssistant, Content: s}}
}

func toolCall(id, name string, args map[string]any) model.Response {
	return model.Response{Message: model.Message{
		Role:      model.RoleAssistant,
		ToolCalls: []model.ToolCall{{ID: id, Name: name, Arguments: args}},
	}}
}

func baseOptions(t *testing.T, in io.Reader, responses ...model.Response) (runner.Options, *ckptinmem.MetadataStore) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	meta := ckptinmem.NewMetadataStore()
	if in == nil {
		in = strings.NewReader("")
	}
	return runner.Options{
		Config:      config.Default(),
		Workflow:    state.WorkflowWeeklyReview,
		SessionID:   "sess-1",
		UserID:      "user-1",
		Client:      &scriptedClient{responses: responses},
		Checkpoints: ckptinmem.NewCheckpointer(),
		Metadata:    meta,
		In:          in,
		Out:         &bytes.Buffer{},
		Clock:       func() time.Time { return now },
	}, meta
}

func TestRunCompletesAndMarksSession(t *testing.T) {
	opts, meta := baseOptions(t, nil, text("welcome, we are done"))
	s, err := runner.New(opts)
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))

	m, err := meta.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.True(t, m.Completed)
	assert.Equal(t, "sess-1", runner.ReadLastSession())
}

func TestRunInterruptRoundTrip(t *testing.T) {
	opts, _ := baseOptions(t,
		strings.NewReader("ship the report\n"),
		toolCall("c1", "check_in", map[string]any{"question": "What matters most this week?"}),
		text("noted, let's keep going"),
	)
	s, err := runner.New(opts)
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))

	var sawReply bool
	for _, m := range s.Manager().Snapshot().Messages {
		if m.Role == model.RoleTool && strings.Contains(m.Content, "ship the report") {
			sawReply = true
		}
	}
	assert.True(t, sawReply)
	out := opts.Out.(*bytes.Buffer).String()
	assert.Contains(t, out, "What matters most this week?")
}

func TestRunSynthesizesReplyOnInputTimeout(t *testing.T) {
	blocked, _ := io.Pipe() // never written: reads block forever
	opts, _ := baseOptions(t, blocked,
		toolCall("c1", "check_in", map[string]any{"question": "Still there?"}),
		text("wrapping up"),
	)
	s, err := runner.New(opts)
	require.NoError(t, err)
	timeout := 0.05
	s.Manager().Update(func(st *state.State) { st.InputTimeout = &timeout })

	require.NoError(t, s.Run(context.Background()))

	var sawSynth bool
	for _, m := range s.Manager().Snapshot().Messages {
		if m.Role == model.RoleTool && strings.Contains(m.Content, runner.NoResponse) {
			sawSynth = true
		}
	}
	assert.True(t, sawSynth)
}

func TestRunCancelledContextReturnsUserCancel(t *testing.T) {
	opts, meta := baseOptions(t, nil, text("never shown"))
	s, err := runner.New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Run(ctx)
	assert.ErrorIs(t, err, runner.ErrUserCancel)

	m, err := meta.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.False(t, m.Completed)
}

func TestRestoreReplaysFromCheckpoint(t *testing.T) {
	// The script ends mid-session, leaving an incomplete checkpointed run.
	opts, _ := baseOptions(t,
		strings.NewReader("my first reply\n"),
		toolCall("c1", "check_in", map[string]any{"question": "Ready?"}),
	)
	s, err := runner.New(opts)
	require.NoError(t, err)
	require.Error(t, s.Run(context.Background()))

	restoreOpts := opts
	restoreOpts.Client = &scriptedClient{responses: []model.Response{text("welcome back")}}
	restored, err := runner.Restore(context.Background(), restoreOpts)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", restored.ID())

	var sawReply bool
	for _, m := range restored.Manager().Snapshot().Messages {
		if m.Role == model.RoleTool && strings.Contains(m.Content, "my first reply") {
			sawReply = true
		}
	}
	assert.True(t, sawReply, "prior reply must survive the restart")

	require.NoError(t, restored.Run(context.Background()))
}

func TestRestoreWithNothingPending(t *testing.T) {
	opts, _ := baseOptions(t, nil)
	_, err := runner.Restore(context.Background(), opts)
	assert.ErrorIs(t, err, runner.ErrNothingToResume)
}

func TestOpenStoresStrictSelection(t *testing.T) {
	_, _, err := runner.OpenStores(context.Background(), "mongodb", "dsn")
	assert.ErrorIs(t, err, checkpoint.ErrUnknownBackend)

	ckpt, meta, err := runner.OpenStores(context.Background(), "inmem", "")
	require.NoError(t, err)
	assert.NotNil(t, ckpt)
	assert.NotNil(t, meta)
}

func TestOpenStoresSqliteBacksBothStores(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "agent_state.db")
	ckpt, meta, err := runner.OpenStores(ctx, "sqlite", path)
	require.NoError(t, err)
	defer ckpt.Close()

	now := time.Now().UTC()
	require.NoError(t, meta.Upsert(ctx, checkpoint.SessionMeta{
		SessionID: "s1", ThreadID: "t1",
		CreatedAt: now, UpdatedAt: now,
		Workflow: "weekly_review", UserID: "u1",
	}))
	require.NoError(t, ckpt.Put(ctx, checkpoint.Config{ThreadID: "t1"}, checkpoint.Checkpoint{
		ID: "c1", TS: now,
		ChannelValues: map[string]json.RawMessage{"state": json.RawMessage(`{}`)},
		Metadata:      checkpoint.Metadata{Source: "loop", Step: 1},
	}, nil))

	got, err := ckpt.Get(ctx, checkpoint.Config{ThreadID: "t1"})
	require.NoError(t, err)
	require.NotNil(t, got)
	sess, err := meta.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "t1", sess.ThreadID)
}
