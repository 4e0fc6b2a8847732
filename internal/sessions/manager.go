// Package sessions tracks the per-chat conversation session with the
// external agent: working directory, resumable agent session id, and last
// activity. Sessions survive restarts through a per-bot JSON file.
package sessions

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// sessionTTL is how long an idle session stays resumable.
	sessionTTL = 24 * time.Hour

	// sweepInterval is how often expired sessions are dropped.
	sweepInterval = time.Hour
)

// Session is one chat's conversation context with the agent.
type Session struct {
	ChatID     string    `json:"-"`
	SessionID  string    `json:"sessionId,omitempty"`
	WorkingDir string    `json:"workingDirectory"`
	LastUsed   time.Time `json:"lastUsed"`
}

// Manager owns the session map for one bot and its persistence file.
// Safe for concurrent use. In-memory state is authoritative; disk writes
// are best effort.
type Manager struct {
	defaultDir string
	storePath  string

	mu       sync.Mutex
	sessions map[string]*Session

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewManager creates a Manager persisting to storePath. Existing sessions
// are loaded immediately; entries idle past the TTL are dropped. The hourly
// sweep starts on creation and runs until Close.
func NewManager(defaultWorkingDir, storePath string) *Manager {
	m := &Manager{
		defaultDir: defaultWorkingDir,
		storePath:  storePath,
		sessions:   make(map[string]*Session),
		stopSweep:  make(chan struct{}),
	}
	m.load()
	go m.sweepLoop()
	return m
}

// Get returns the session for chatID, creating it with the default working
// directory on first use. LastUsed is bumped either way.
func (m *Manager) Get(chatID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[chatID]
	if !ok {
		s = &Session{ChatID: chatID, WorkingDir: m.defaultDir}
		m.sessions[chatID] = s
	}
	s.LastUsed = time.Now()
	// Return a copy so callers never mutate shared state directly.
	cp := *s
	return &cp
}

// SetSessionID records the agent's session id for the chat and persists.
func (m *Manager) SetSessionID(chatID, sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[chatID]
	if !ok {
		s = &Session{ChatID: chatID, WorkingDir: m.defaultDir}
		m.sessions[chatID] = s
	}
	s.SessionID = sessionID
	s.LastUsed = time.Now()
	m.persistLocked()
	m.mu.Unlock()
}

// Reset clears the session id but keeps the working directory, so the next
// message starts a fresh agent conversation in the same place.
func (m *Manager) Reset(chatID string) {
	m.mu.Lock()
	if s, ok := m.sessions[chatID]; ok {
		s.SessionID = ""
		s.LastUsed = time.Now()
	}
	m.persistLocked()
	m.mu.Unlock()
}

// SetWorkingDir overrides the chat's working directory.
func (m *Manager) SetWorkingDir(chatID, dir string) {
	m.mu.Lock()
	s, ok := m.sessions[chatID]
	if !ok {
		s = &Session{ChatID: chatID}
		m.sessions[chatID] = s
	}
	s.WorkingDir = dir
	s.LastUsed = time.Now()
	m.persistLocked()
	m.mu.Unlock()
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops the sweep goroutine.
func (m *Manager) Close() {
	m.sweepOnce.Do(func() { close(m.stopSweep) })
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	cutoff := time.Now().Add(-sessionTTL)
	m.mu.Lock()
	removed := 0
	for id, s := range m.sessions {
		if s.LastUsed.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		m.persistLocked()
	}
	m.mu.Unlock()

	if removed > 0 {
		slog.Info("swept expired sessions", "removed", removed)
	}
}

// load reads the persistence file, dropping expired entries.
func (m *Manager) load() {
	data, err := os.ReadFile(m.storePath)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("session store read failed", "path", m.storePath, "error", err)
		}
		return
	}

	var stored map[string]*Session
	if err := json.Unmarshal(data, &stored); err != nil {
		slog.Warn("session store parse failed", "path", m.storePath, "error", err)
		return
	}

	cutoff := time.Now().Add(-sessionTTL)
	for chatID, s := range stored {
		if s.LastUsed.Before(cutoff) {
			continue
		}
		s.ChatID = chatID
		if s.WorkingDir == "" {
			s.WorkingDir = m.defaultDir
		}
		m.sessions[chatID] = s
	}
	slog.Info("sessions loaded", "path", m.storePath, "count", len(m.sessions))
}

// persistLocked writes sessions with a set session id to disk using a
// temp-file-plus-rename so a crash mid-write never corrupts the store.
// Caller holds m.mu.
func (m *Manager) persistLocked() {
	out := make(map[string]*Session, len(m.sessions))
	for chatID, s := range m.sessions {
		if s.SessionID == "" {
			continue
		}
		out[chatID] = s
	}

	if err := writeJSONAtomic(m.storePath, out); err != nil {
		slog.Warn("session store write failed", "path", m.storePath, "error", err)
	}
}

// writeJSONAtomic marshals v and writes it via a temp file and rename.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
