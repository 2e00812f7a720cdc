package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

const (
	stateFileName        = "node-state.json"
	saveDebounceDuration = 100 * time.Millisecond
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NodeStateProvider supplies and restores the persisted fields.
type NodeStateProvider interface {
	PeerID() string
	Network() string
	PeerRecords() []PeerRecord
	Watermarks() map[uint32]uint64
	RestoreState(state *PersistentState) error
}

type StateManager struct {
	dataDir  string
	provider NodeStateProvider
	logger   *zap.Logger

	dirty atomic.Bool
	mu    sync.Mutex

	saveCh chan struct{}
	doneCh chan struct{}
	wg     sync.WaitGroup
}

func NewStateManager(dataDir string, logger *zap.Logger) (*StateManager, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &StateManager{
		dataDir: dataDir,
		logger:  logger.Named("state"),
		saveCh:  make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}

	m.wg.Add(1)
	go m.saveLoop()

	return m, nil
}

func (m *StateManager) SetProvider(provider NodeStateProvider) {
	m.provider = provider
}

func (m *StateManager) saveLoop() {
	defer m.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-m.saveCh:
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(saveDebounceDuration)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			timer = nil
			if m.dirty.Load() && m.provider != nil {
				if err := m.save(); err != nil {
					m.logger.Warn("State save failed", zap.Error(err))
				}
			}

		case <-m.doneCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// MarkDirty schedules a debounced save.
func (m *StateManager) MarkDirty() {
	if m.dirty.CompareAndSwap(false, true) {
		select {
		case m.saveCh <- struct{}{}:
		default:
		}
	}
}

// Load restores the saved state into the provider. A missing file is not
// an error.
func (m *StateManager) Load() error {
	if m.provider == nil {
		return fmt.Errorf("provider not set")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	path := filepath.Join(m.dataDir, stateFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	var state PersistentState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("unmarshal state: %w", err)
	}

	if state.Version != CurrentStateVersion {
		return fmt.Errorf("unsupported state version: %d", state.Version)
	}
	if network := m.provider.Network(); state.Network != "" && state.Network != network {
		return fmt.Errorf("state file is for network %s, node runs %s", state.Network, network)
	}

	m.logger.Info("Restoring node state",
		zap.Int("peers", len(state.Peers)),
		zap.Int("chains", len(state.Watermarks)))
	return m.provider.RestoreState(&state)
}

func (m *StateManager) save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := PersistentState{
		Version:    CurrentStateVersion,
		PeerID:     m.provider.PeerID(),
		Network:    m.provider.Network(),
		Peers:      m.provider.PeerRecords(),
		Watermarks: m.provider.Watermarks(),
		SavedAt:    time.Now().Unix(),
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	path := filepath.Join(m.dataDir, stateFileName)
	tempPath := path + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	f, err := os.OpenFile(tempPath, os.O_RDONLY, 0)
	if err == nil {
		_ = f.Sync()
		_ = f.Close()
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename state file: %w", err)
	}

	m.dirty.Store(false)
	return nil
}

func (m *StateManager) Save() error {
	if m.provider == nil {
		return fmt.Errorf("provider not set")
	}
	return m.save()
}

func (m *StateManager) Close() error {
	close(m.doneCh)
	m.wg.Wait()

	if m.dirty.Load() && m.provider != nil {
		return m.save()
	}
	return nil
}

func (m *StateManager) FilePath() string {
	return filepath.Join(m.dataDir, stateFileName)
}
