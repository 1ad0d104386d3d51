// Package sessions persists conversation snapshots and serializes turns per
// session.
//
// Stores copy sessions on the way in and out, so a caller mutating its
// working copy never changes what is persisted until it calls Save.
package sessions

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/dxtr/internal/faults"
	"github.com/agentoven/dxtr/pkg/models"
)

const snapshotFile = "sessions.json"

// MemoryStore keeps sessions in a map. When a data directory is given,
// sessions are also persisted to a JSON snapshot, written at most once per
// debounce interval and flushed on Close.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session // key: SessionKey.ID

	snapshotPath string
	debounce     time.Duration
	saveMu       sync.Mutex
	saveCh       chan struct{}
	doneCh       chan struct{}
	wg           sync.WaitGroup
	closeOnce    sync.Once
}

// NewMemoryStore creates a memory store. An empty dataDir disables
// persistence.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		sessions: make(map[string]*models.Session),
		debounce: 500 * time.Millisecond,
		saveCh:   make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
	}

	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
		} else {
			m.snapshotPath = filepath.Join(dataDir, snapshotFile)
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		m.wg.Add(1)
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Int("sessions", len(m.sessions)).Msg("Memory session store configured")
	return m
}

func (m *MemoryStore) Load(_ context.Context, key models.SessionKey) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[key.ID()]
	if !ok {
		return nil, faults.New(faults.NotFound, "load", "session %s", key)
	}
	return sess.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, sess *models.Session) error {
	if err := sess.State.Validate(); err != nil {
		return faults.Wrap(faults.Internal, "save", err)
	}
	m.mu.Lock()
	m.sessions[sess.Key.ID()] = sess.Clone()
	m.mu.Unlock()

	m.requestSave()
	return nil
}

func (m *MemoryStore) Reset(_ context.Context, key models.SessionKey) error {
	m.mu.Lock()
	_, ok := m.sessions[key.ID()]
	delete(m.sessions, key.ID())
	m.mu.Unlock()

	if !ok {
		return faults.New(faults.NotFound, "reset", "session %s", key)
	}
	m.requestSave()
	return nil
}

func (m *MemoryStore) List(_ context.Context, userID string) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Session
	for _, sess := range m.sessions {
		if sess.Key.UserID == userID {
			out = append(out, sess.Clone())
		}
	}
	sortByRecency(out)
	return out, nil
}

// Close stops the save loop and forces a final snapshot write. Safe to call
// more than once.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		m.wg.Wait()
		if m.snapshotPath != "" {
			m.saveSnapshot()
		}
		log.Info().Msg("Memory session store closed")
	})
	return nil
}

// ── Persistence ─────────────────────────────────────────────

// requestSave coalesces rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

func (m *MemoryStore) saveLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			select {
			case <-time.After(m.debounce):
			case <-m.doneCh:
				return
			}
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	data, err := json.MarshalIndent(m.sessions, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal session snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write session snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename session snapshot")
		return
	}
	log.Debug().Str("path", m.snapshotPath).Msg("Session snapshot saved")
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No session snapshot found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read session snapshot")
		return
	}

	var snap map[string]*models.Session
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse session snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, sess := range snap {
		if sess == nil || sess.State.Validate() != nil {
			log.Warn().Str("session", k).Msg("Dropping invalid session from snapshot")
			continue
		}
		// Re-keyed from the session itself; older snapshots used a
		// different encoding.
		m.sessions[sess.Key.ID()] = sess
	}
	log.Info().Int("sessions", len(m.sessions)).Str("path", m.snapshotPath).Msg("Session snapshot loaded")
}

func sortByRecency(list []*models.Session) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		}
		return list[i].Key.SessionID < list[j].Key.SessionID
	})
}
