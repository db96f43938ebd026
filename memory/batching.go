package memory

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gtdcoach/coach/retry"
	"github.com/gtdcoach/coach/telemetry"
)

// Default batching parameters.
const (
	// DefaultBatchThreshold flushes a type's queue at this size.
	DefaultBatchThreshold = 5
	// SmallTypeThreshold applies to high-frequency small episodes
	// (interactions, mindsweep captures).
	SmallTypeThreshold = 3
	// DefaultDormancy flushes all queues after this much quiet time.
	DefaultDormancy = 60 * time.Second
	// maxSubBatch bounds one sink submission to keep extraction overhead
	// per call low.
	maxSubBatch = 10
	// minCapturesForSearch gates tool augmentation: below this many prior
	// captures a search is skipped entirely (no network call).
	minCapturesForSearch = 5
	// writeTimeout bounds one sink write; readTimeout bounds searches.
	writeTimeout = 10 * time.Second
	readTimeout  = 3 * time.Second
)

// smallTypes queue fewer episodes before flushing.
var smallTypes = map[EpisodeType]bool{
	TypeInteraction: true,
	TypeMindsweep:   true,
}

type (
	// TypeMetrics counts episode outcomes for one episode type.
	TypeMetrics struct {
		Sent           int `json:"sent"`
		Batched        int `json:"batched"`
		SkippedTrivial int `json:"skipped_trivial"`
		Failed         int `json:"failed"`
	}

	// Options configures a BatchingMemory.
	Options struct {
		// Sink is the entity-graph backend. Required.
		Sink Sink
		// Backup receives episodes the sink never acknowledged. Required.
		Backup *Backup
		// SessionID and GroupID stamp outgoing episodes.
		SessionID string
		GroupID   string
		// SkipTrivial drops bare acknowledgements instead of batching them.
		SkipTrivial bool
		// BatchThreshold overrides DefaultBatchThreshold when > 0.
		BatchThreshold int
		// Dormancy overrides DefaultDormancy when > 0.
		Dormancy time.Duration
		// DecayRate overrides DefaultDecayRate when > 0.
		DecayRate float64
		// Retry overrides the sink retry policy (default retry.SinkConfig).
		Retry retry.Config
		// SinkRate paces sink submissions; zero means 20 episodes/sec.
		SinkRate rate.Limit
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
		// Clock overrides time.Now for tests.
		Clock func() time.Time
	}

	// BatchingMemory wraps a Sink with routing, batching, retry, temporal
	// decay, and backup. A single background worker serializes flushes per
	// session; Add never blocks on the network.
	BatchingMemory struct {
		opts    Options
		limiter *rate.Limiter

		mu       sync.Mutex
		pending  map[EpisodeType][]Episode
		counters map[EpisodeType]*TypeMetrics
		dormant  *time.Timer
		closed   bool

		jobs chan []Episode
		wg   sync.WaitGroup
		// senders tracks in-flight enqueues so Close never closes jobs
		// between a goroutine's closed-check and its send.
		senders   sync.WaitGroup
		closeOnce sync.Once
	}
)

// NewBatching builds a BatchingMemory and starts its flush worker.
func NewBatching(opts Options) *BatchingMemory {
	if opts.BatchThreshold <= 0 {
		opts.BatchThreshold = DefaultBatchThreshold
	}
	if opts.Dormancy <= 0 {
		opts.Dormancy = DefaultDormancy
	}
	if opts.DecayRate <= 0 {
		opts.DecayRate = DefaultDecayRate
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.SinkConfig()
	}
	if opts.SinkRate <= 0 {
		opts.SinkRate = 20
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	m := &BatchingMemory{
		opts:     opts,
		limiter:  rate.NewLimiter(opts.SinkRate, maxSubBatch),
		pending:  make(map[EpisodeType][]Episode),
		counters: make(map[EpisodeType]*TypeMetrics),
		jobs:     make(chan []Episode, 64),
	}
	m.wg.Add(1)
	go m.worker()
	return m
}

// Add routes one episode: immediate types and critical episodes go straight
// to the flush worker, trivial content is dropped when configured, and
// everything else queues until its type hits the batch threshold.
func (m *BatchingMemory) Add(ep Episode) {
	ep.SessionID = m.opts.SessionID
	ep.GroupID = m.opts.GroupID
	if ep.Timestamp.IsZero() {
		ep.Timestamp = m.opts.Clock()
	}

	switch Route(ep, m.opts.SkipTrivial) {
	case DispositionSend:
		m.mu.Lock()
		m.count(ep.Type).Sent++
		m.mu.Unlock()
		m.enqueue([]Episode{ep})
	case DispositionSkip:
		m.mu.Lock()
		m.count(ep.Type).SkippedTrivial++
		m.mu.Unlock()
		m.opts.Metrics.IncCounter("coach_memory_skipped_trivial_total", 1, "type", string(ep.Type))
	case DispositionBatch:
		m.batch(ep)
	}
}

func (m *BatchingMemory) batch(ep Episode) {
	m.mu.Lock()
	m.pending[ep.Type] = append(m.pending[ep.Type], ep)
	m.count(ep.Type).Batched++
	size := len(m.pending[ep.Type])
	ready := size >= m.thresholdFor(ep.Type)
	var flush []Episode
	if ready {
		flush = m.pending[ep.Type]
		delete(m.pending, ep.Type)
	}
	m.resetDormancyLocked()
	m.mu.Unlock()

	if ready {
		m.enqueue(flush)
	}
}

func (m *BatchingMemory) thresholdFor(t EpisodeType) int {
	if smallTypes[t] && m.opts.BatchThreshold == DefaultBatchThreshold {
		return SmallTypeThreshold
	}
	return m.opts.BatchThreshold
}

// Flush submits every pending episode and blocks until the worker drains
// them. Called at session end.
func (m *BatchingMemory) Flush() {
	m.mu.Lock()
	var all [][]Episode
	for t, eps := range m.pending {
		all = append(all, eps)
		delete(m.pending, t)
	}
	m.mu.Unlock()
	for _, eps := range all {
		m.enqueue(eps)
	}
	m.drain()
}

// Close flushes pending episodes and stops the worker. Safe to call more
// than once; later Adds go straight to backup.
func (m *BatchingMemory) Close() {
	m.closeOnce.Do(func() {
		m.Flush()
		m.mu.Lock()
		m.closed = true
		if m.dormant != nil {
			m.dormant.Stop()
		}
		m.mu.Unlock()
		// Let every enqueue that passed its closed-check finish sending
		// before the channel closes.
		m.senders.Wait()
		close(m.jobs)
		m.wg.Wait()
	})
}

// drain waits for the worker to catch up with everything enqueued so far.
func (m *BatchingMemory) drain() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.senders.Add(1)
	m.mu.Unlock()
	done := make(chan struct{})
	m.jobs <- []Episode{{Type: drainMarker, Data: map[string]any{"done": done}}}
	m.senders.Done()
	<-done
}

const drainMarker EpisodeType = "__drain__"

func (m *BatchingMemory) enqueue(eps []Episode) {
	if len(eps) == 0 {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		for _, ep := range eps {
			m.backup(ep, "memory closed")
		}
		return
	}
	m.senders.Add(1)
	m.mu.Unlock()
	defer m.senders.Done()
	// Submit in sub-batches to bound extraction overhead per sink call.
	for start := 0; start < len(eps); start += maxSubBatch {
		end := start + maxSubBatch
		if end > len(eps) {
			end = len(eps)
		}
		m.jobs <- eps[start:end]
	}
}

func (m *BatchingMemory) worker() {
	defer m.wg.Done()
	for batch := range m.jobs {
		if len(batch) == 1 && batch[0].Type == drainMarker {
			if done, ok := batch[0].Data["done"].(chan struct{}); ok {
				close(done)
			}
			continue
		}
		for _, ep := range batch {
			m.submit(ep)
		}
	}
}

// submit writes one episode with retry; on terminal failure the episode is
// preserved in the local backup with the failure reason.
func (m *BatchingMemory) submit(ep Episode) {
	waitCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	err := m.limiter.Wait(waitCtx)
	cancel()
	if err != nil {
		m.backup(ep, err.Error())
		return
	}
	// The write budget is per attempt; backoff between attempts runs
	// outside it.
	err = retry.Do(context.Background(), m.opts.Retry, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		_, addErr := m.opts.Sink.AddEpisode(attemptCtx, ep, ExcludedEntities(ep.Type))
		return addErr
	})
	if err != nil {
		m.backup(ep, err.Error())
		return
	}
	m.opts.Metrics.IncCounter("coach_memory_sent_total", 1, "type", string(ep.Type))
}

func (m *BatchingMemory) backup(ep Episode, reason string) {
	m.mu.Lock()
	m.count(ep.Type).Failed++
	m.mu.Unlock()
	m.opts.Metrics.IncCounter("coach_memory_failed_total", 1, "type", string(ep.Type))
	if err := m.opts.Backup.Append(ep, reason); err != nil {
		m.opts.Logger.Error(context.Background(), "memory backup write failed",
			"session_id", ep.SessionID, "error", err.Error())
	}
}

// count lazily allocates the per-type counter. Callers must hold mu.
func (m *BatchingMemory) count(t EpisodeType) *TypeMetrics {
	c, ok := m.counters[t]
	if !ok {
		c = &TypeMetrics{}
		m.counters[t] = c
	}
	return c
}

// ExtractionMetrics returns a copy of the per-type counters.
func (m *BatchingMemory) ExtractionMetrics() map[EpisodeType]TypeMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[EpisodeType]TypeMetrics, len(m.counters))
	for t, c := range m.counters {
		out[t] = *c
	}
	return out
}

// Search queries the sink and applies temporal decay, returning the top
// limit hits by decayed score.
func (m *BatchingMemory) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 5
	}
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	hits, err := m.opts.Sink.Search(ctx, query, m.opts.GroupID, limit*2)
	if err != nil {
		return nil, err
	}
	decayed := ApplyDecay(hits, m.opts.Clock(), m.opts.DecayRate)
	if len(decayed) > limit {
		decayed = decayed[:limit]
	}
	return decayed, nil
}

// PriorContext returns decayed memory hits for a tool's current inputs.
// When fewer than five prior captures exist the search is skipped for
// performance and nil is returned without any network call.
func (m *BatchingMemory) PriorContext(ctx context.Context, query string, captureCount int) []Hit {
	if captureCount < minCapturesForSearch {
		return nil
	}
	hits, err := m.Search(ctx, query, 5)
	if err != nil {
		m.opts.Logger.Warn(ctx, "memory search degraded", "error", err.Error())
		return nil
	}
	return hits
}

func (m *BatchingMemory) resetDormancyLocked() {
	if m.dormant != nil {
		m.dormant.Stop()
	}
	m.dormant = time.AfterFunc(m.opts.Dormancy, func() {
		m.mu.Lock()
		var all [][]Episode
		for t, eps := range m.pending {
			all = append(all, eps)
			delete(m.pending, t)
		}
		m.mu.Unlock()
		// enqueue routes to backup if the memory closed in the meantime.
		for _, eps := range all {
			m.enqueue(eps)
		}
	})
}
