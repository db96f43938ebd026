package state

import (
	"sync"
	"time"

	"github.com/gtdcoach/coach/agent/model"
)

// Manager serializes access to the live session state. Tools hold a Manager
// rather than the state itself, so every mutation bumps a version number the
// checkpointer uses for its linear version chain.
type Manager struct {
	mu      sync.Mutex
	st      *State
	version int
	clock   func() time.Time
}

// NewManager wraps a validated state. A nil clock uses time.Now.
func NewManager(st *State, clock func() time.Time) *Manager {
	if clock == nil {
		clock = time.Now
	}
	st.Validate(clock())
	return &Manager{st: st, clock: clock}
}

// Snapshot returns a deep copy of the current state.
func (m *Manager) Snapshot() *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Clone()
}

// Version returns the current mutation count.
func (m *Manager) Version() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// Now returns the manager's clock reading. Tools use this instead of
// time.Now so tests can freeze time.
func (m *Manager) Now() time.Time {
	return m.clock()
}

// Update applies fn to the live state under the lock and returns the new
// version. fn must not retain the state pointer.
func (m *Manager) Update(fn func(*State)) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.st)
	m.version++
	return m.version
}

// AppendMessage appends a message to the conversation in call order.
func (m *Manager) AppendMessage(msg model.Message) int {
	return m.Update(func(st *State) {
		st.Messages = append(st.Messages, msg)
	})
}

// RecordToolCall appends a tool invocation to the history and updates the
// rolling per-tool latency.
func (m *Manager) RecordToolCall(name string, duration time.Duration, callErr error) {
	m.Update(func(st *State) {
		inv := ToolInvocation{Name: name, At: m.clock(), DurationMs: duration.Milliseconds()}
		if callErr != nil {
			inv.Error = callErr.Error()
		}
		st.ToolHistory = append(st.ToolHistory, inv)
		st.ToolLatencies[name] = float64(duration.Milliseconds())
	})
}
