package memory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Backup appends episodes that could not reach the sink to a per-session
// JSON file, one object per line. The backup is local-disk only and must be
// writable even when the sink is entirely unavailable.
type Backup struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// backupRecord is the line format of the backup file.
type backupRecord struct {
	Episode
	FailureReason string    `json:"failure_reason"`
	BackedUpAt    time.Time `json:"backed_up_at"`
}

// NewBackup creates the backup root directory if needed.
func NewBackup(dir string) (*Backup, error) {
	if dir == "" {
		return nil, fmt.Errorf("memory: backup dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("memory: create backup dir: %w", err)
	}
	return &Backup{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// Append writes the episode with its failure reason to the session's backup
// file. Appends are serialized per session file so concurrent flush workers
// never interleave partial lines.
func (b *Backup) Append(ep Episode, reason string) error {
	path := b.Path(ep.SessionID)
	lock := b.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("memory: open backup %s: %w", path, err)
	}
	defer f.Close()

	line, err := json.Marshal(backupRecord{Episode: ep, FailureReason: reason, BackedUpAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("memory: marshal backup record: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("memory: append backup: %w", err)
	}
	return nil
}

// Path returns the backup file path for a session.
func (b *Backup) Path(sessionID string) string {
	if sessionID == "" {
		sessionID = "unknown"
	}
	return filepath.Join(b.dir, sessionID+".json")
}

// Read returns all backed-up episodes for a session. Missing files yield an
// empty slice.
func (b *Backup) Read(sessionID string) ([]Episode, []string, error) {
	path := b.Path(sessionID)
	lock := b.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("memory: read backup %s: %w", path, err)
	}
	var episodes []Episode
	var reasons []string
	dec := json.NewDecoder(bytes.NewReader(raw))
	for dec.More() {
		var rec backupRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, nil, fmt.Errorf("memory: decode backup line: %w", err)
		}
		episodes = append(episodes, rec.Episode)
		reasons = append(reasons, rec.FailureReason)
	}
	return episodes, reasons, nil
}

func (b *Backup) lockFor(path string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	lock, ok := b.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		b.locks[path] = lock
	}
	return lock
}
