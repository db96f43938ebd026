package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtdcoach/coach/memory"
	"github.com/gtdcoach/coach/memory/inmem"
	"github.com/gtdcoach/coach/retry"
)

func fastRetry() retry.Config {
	cfg := retry.SinkConfig()
	cfg.Jitter = 0
	cfg.Sleep = func(context.Context, time.Duration) error { return nil }
	return cfg
}

func newTestMemory(t *testing.T, sink *inmem.Sink) *memory.BatchingMemory {
	t.Helper()
	backup, err := memory.NewBackup(t.TempDir())
	require.NoError(t, err)
	m := memory.NewBatching(memory.Options{
		Sink:        sink,
		Backup:      backup,
		SessionID:   "sess-1",
		GroupID:     "user-1",
		SkipTrivial: true,
		Retry:       fastRetry(),
	})
	t.Cleanup(m.Close)
	return m
}

func interaction(content string) memory.Episode {
	return memory.Episode{Type: memory.TypeInteraction, Data: map[string]any{"content": content}}
}

func TestTrivialContentNeverReachesSink(t *testing.T) {
	sink := inmem.New()
	m := newTestMemory(t, sink)

	m.Add(interaction("ok"))
	m.Add(interaction("y"))
	m.Flush()

	assert.Zero(t, sink.Calls())
	metrics := m.ExtractionMetrics()
	assert.Equal(t, 2, metrics[memory.TypeInteraction].SkippedTrivial)
}

func TestSmallTypeFlushesAtThree(t *testing.T) {
	sink := inmem.New()
	m := newTestMemory(t, sink)

	m.Add(interaction("first substantive reply"))
	m.Add(interaction("second substantive reply"))
	assert.Empty(t, sink.Episodes())

	m.Add(interaction("third substantive reply"))
	m.Flush()
	assert.Len(t, sink.Episodes(), 3)
}

func TestSessionSummarySendsImmediately(t *testing.T) {
	sink := inmem.New()
	m := newTestMemory(t, sink)

	m.Add(memory.Episode{Type: memory.TypeSessionSummary, Data: map[string]any{"content": "wrapped up"}})
	m.Flush()

	eps := sink.Episodes()
	require.Len(t, eps, 1)
	assert.Equal(t, "sess-1", eps[0].SessionID)
	assert.Equal(t, "user-1", eps[0].GroupID)
	assert.False(t, eps[0].Timestamp.IsZero())
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	sink := inmem.New()
	sink.FailFirst = 2
	sink.FailErr = &retry.HTTPStatusError{StatusCode: 503, Message: "graph busy"}
	m := newTestMemory(t, sink)

	m.Add(memory.Episode{Type: memory.TypePriorities, Data: map[string]any{"content": "top three priorities"}})
	m.Flush()

	assert.Equal(t, 3, sink.Calls())
	assert.Len(t, sink.Episodes(), 1)
	assert.Zero(t, m.ExtractionMetrics()[memory.TypePriorities].Failed)
}

func TestExhaustedRetriesLandInBackup(t *testing.T) {
	sink := inmem.New()
	sink.FailFirst = 10
	sink.FailErr = &retry.HTTPStatusError{StatusCode: 503, Message: "graph down"}

	backup, err := memory.NewBackup(t.TempDir())
	require.NoError(t, err)
	m := memory.NewBatching(memory.Options{
		Sink:      sink,
		Backup:    backup,
		SessionID: "sess-fail",
		Retry:     fastRetry(),
	})
	t.Cleanup(m.Close)

	m.Add(memory.Episode{Type: memory.TypeSessionSummary, Data: map[string]any{"content": "must survive"}})
	m.Flush()

	// Three attempts, no acknowledgement, episode preserved on disk.
	assert.Equal(t, 3, sink.Calls())
	assert.Empty(t, sink.Episodes())
	assert.Equal(t, 1, m.ExtractionMetrics()[memory.TypeSessionSummary].Failed)

	eps, reasons, err := backup.Read("sess-fail")
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, "must survive", eps[0].Content())
	assert.Contains(t, reasons[0], "503")
}

func TestTerminalFailureSkipsRetry(t *testing.T) {
	sink := inmem.New()
	sink.FailFirst = 1
	sink.FailErr = &retry.HTTPStatusError{StatusCode: 400, Message: "bad episode"}

	backup, err := memory.NewBackup(t.TempDir())
	require.NoError(t, err)
	m := memory.NewBatching(memory.Options{
		Sink:      sink,
		Backup:    backup,
		SessionID: "sess-term",
		Retry:     fastRetry(),
	})
	t.Cleanup(m.Close)

	m.Add(memory.Episode{Type: memory.TypePriorities, Data: map[string]any{"content": "weekly priorities"}})
	m.Flush()

	assert.Equal(t, 1, sink.Calls())
	eps, _, err := backup.Read("sess-term")
	require.NoError(t, err)
	assert.Len(t, eps, 1)
}

func TestDormancyFlushesIdleQueue(t *testing.T) {
	sink := inmem.New()
	backup, err := memory.NewBackup(t.TempDir())
	require.NoError(t, err)
	m := memory.NewBatching(memory.Options{
		Sink:      sink,
		Backup:    backup,
		SessionID: "sess-idle",
		Dormancy:  20 * time.Millisecond,
		Retry:     fastRetry(),
	})
	t.Cleanup(m.Close)

	m.Add(interaction("single reply below threshold"))
	require.Eventually(t, func() bool {
		return len(sink.Episodes()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCloseRacesDormancyFlushWithoutPanic(t *testing.T) {
	sink := inmem.New()
	backup, err := memory.NewBackup(t.TempDir())
	require.NoError(t, err)
	m := memory.NewBatching(memory.Options{
		Sink:      sink,
		Backup:    backup,
		SessionID: "sess-race",
		Dormancy:  time.Millisecond,
		Retry:     fastRetry(),
	})

	m.Add(interaction("queued below the batch threshold"))

	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()
	m.Close()
	<-done

	// The episode is acknowledged or preserved, never lost.
	backed, _, err := backup.Read("sess-race")
	require.NoError(t, err)
	assert.Equal(t, 1, len(sink.Episodes())+len(backed))
}

// deadlineSink records each attempt's context deadline and fails the first
// two attempts with a retryable status.
type deadlineSink struct {
	mu        sync.Mutex
	deadlines []time.Time
	calls     int
}

func (s *deadlineSink) AddEpisode(ctx context.Context, _ memory.Episode, _ []string) (string, error) {
	s.mu.Lock()
	d, ok := ctx.Deadline()
	if !ok {
		s.mu.Unlock()
		return "", errors.New("no deadline")
	}
	s.deadlines = append(s.deadlines, d)
	s.calls++
	n := s.calls
	s.mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	if n <= 2 {
		return "", &retry.HTTPStatusError{StatusCode: 503, Message: "graph busy"}
	}
	return "ep-1", nil
}

func (s *deadlineSink) Search(context.Context, string, string, int) ([]memory.Hit, error) {
	return nil, nil
}

func (s *deadlineSink) Close() error { return nil }

func TestEachWriteAttemptGetsFreshTimeout(t *testing.T) {
	sink := &deadlineSink{}
	backup, err := memory.NewBackup(t.TempDir())
	require.NoError(t, err)
	m := memory.NewBatching(memory.Options{
		Sink:      sink,
		Backup:    backup,
		SessionID: "sess-deadline",
		Retry:     fastRetry(),
	})
	t.Cleanup(m.Close)

	m.Add(memory.Episode{Type: memory.TypeSessionSummary, Data: map[string]any{"content": "slow graph"}})
	m.Flush()

	sink.mu.Lock()
	deadlines := append([]time.Time(nil), sink.deadlines...)
	sink.mu.Unlock()
	require.Len(t, deadlines, 3)
	// Later attempts start after earlier ones slept, so a per-attempt
	// budget pushes each deadline strictly later.
	assert.True(t, deadlines[1].After(deadlines[0]))
	assert.True(t, deadlines[2].After(deadlines[1]))
	assert.Zero(t, m.ExtractionMetrics()[memory.TypeSessionSummary].Failed)
}

func TestPriorContextSkipsSearchBelowCaptureFloor(t *testing.T) {
	sink := inmem.New()
	m := newTestMemory(t, sink)

	hits := m.PriorContext(context.Background(), "dentist", 4)
	assert.Nil(t, hits)
	assert.Zero(t, sink.Calls())
}

func TestSearchAppliesDecay(t *testing.T) {
	sink := inmem.New()
	m := newTestMemory(t, sink)

	old := memory.Episode{
		Type:      memory.TypeMindsweep,
		Data:      map[string]any{"content": "renew passport before travel"},
		Timestamp: time.Now().AddDate(0, 0, -90),
		Critical:  true,
	}
	recent := memory.Episode{
		Type:     memory.TypeMindsweep,
		Data:     map[string]any{"content": "book passport photo appointment"},
		Critical: true,
	}
	m.Add(old)
	m.Add(recent)
	m.Flush()

	hits, err := m.Search(context.Background(), "passport", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "book passport photo appointment", hits[0].Fact)
	assert.Greater(t, hits[0].Decayed, hits[1].Decayed)
}

func TestFactsCacheServesFromCacheWithinTTL(t *testing.T) {
	calls := 0
	search := func(context.Context, string, int) ([]memory.Hit, error) {
		calls++
		return []memory.Hit{{Fact: "prefers morning sessions"}}, nil
	}
	cache := memory.NewFactsCache(search, time.Hour)

	for i := 0; i < 3; i++ {
		hits, err := cache.Get(context.Background(), "user facts", 5)
		require.NoError(t, err)
		require.Len(t, hits, 1)
	}
	assert.Equal(t, 1, calls)

	cache.Invalidate("")
	_, err := cache.Get(context.Background(), "user facts", 5)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
