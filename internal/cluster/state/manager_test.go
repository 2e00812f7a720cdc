package state

import (
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"
)

type mockProvider struct {
	mu         sync.RWMutex
	peerID     string
	network    string
	peers      []PeerRecord
	watermarks map[uint32]uint64
	restored   *PersistentState
}

func (m *mockProvider) PeerID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peerID
}

func (m *mockProvider) Network() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.network
}

func (m *mockProvider) PeerRecords() []PeerRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.peers)
}

func (m *mockProvider) Watermarks() map[uint32]uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.watermarks)
}

func (m *mockProvider) RestoreState(state *PersistentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restored = state
	m.peers = state.Peers
	m.watermarks = state.Watermarks
	return nil
}

func TestStateManager_NewStateManager(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")

	mgr, err := NewStateManager(dir, nil)
	if err != nil {
		t.Fatalf("NewStateManager failed: %v", err)
	}
	defer mgr.Close()

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		t.Fatal("data directory not created")
	}
}

func TestStateManager_SaveLoad(t *testing.T) {
	dir := t.TempDir()

	mgr, err := NewStateManager(dir, nil)
	if err != nil {
		t.Fatalf("NewStateManager failed: %v", err)
	}

	provider := &mockProvider{
		peerID:  "02abcd",
		network: "devnet",
		peers: []PeerRecord{
			{PeerID: "02aa", GossipAddress: "127.0.0.1:3382", Shards: []uint32{0, 1}},
			{PeerID: "03bb", GossipAddress: "127.0.0.1:3383"},
		},
		watermarks: map[uint32]uint64{10: 123456, 8453: 99},
	}
	mgr.SetProvider(provider)

	if err := mgr.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	mgr.Close()

	mgr2, err := NewStateManager(dir, nil)
	if err != nil {
		t.Fatalf("NewStateManager2 failed: %v", err)
	}
	defer mgr2.Close()

	provider2 := &mockProvider{network: "devnet"}
	mgr2.SetProvider(provider2)

	if err := mgr2.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if provider2.restored == nil || provider2.restored.PeerID != "02abcd" {
		t.Fatalf("restored = %+v", provider2.restored)
	}
	if len(provider2.peers) != 2 || provider2.peers[0].GossipAddress != "127.0.0.1:3382" {
		t.Errorf("peers mismatch: %+v", provider2.peers)
	}
	if !slices.Equal(provider2.peers[0].Shards, []uint32{0, 1}) {
		t.Errorf("shards mismatch: %v", provider2.peers[0].Shards)
	}
	if provider2.watermarks[10] != 123456 || provider2.watermarks[8453] != 99 {
		t.Errorf("watermarks mismatch: %v", provider2.watermarks)
	}
}

func TestStateManager_AtomicWrite(t *testing.T) {
	dir := t.TempDir()

	mgr, err := NewStateManager(dir, nil)
	if err != nil {
		t.Fatalf("NewStateManager failed: %v", err)
	}
	defer mgr.Close()

	mgr.SetProvider(&mockProvider{peerID: "02ff", network: "testnet"})

	if err := mgr.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	tempPath := filepath.Join(dir, stateFileName+".tmp")
	if _, err := os.Stat(tempPath); !os.IsNotExist(err) {
		t.Error("temp file should not exist after successful save")
	}

	data, err := os.ReadFile(mgr.FilePath())
	if err != nil {
		t.Fatalf("read state file failed: %v", err)
	}

	var state PersistentState
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if state.Version != CurrentStateVersion || state.Network != "testnet" {
		t.Errorf("state = %+v", state)
	}
}

func TestStateManager_MarkDirtyBatching(t *testing.T) {
	dir := t.TempDir()

	mgr, err := NewStateManager(dir, nil)
	if err != nil {
		t.Fatalf("NewStateManager failed: %v", err)
	}
	mgr.SetProvider(&mockProvider{peerID: "02batch"})

	for i := 0; i < 10; i++ {
		mgr.MarkDirty()
	}

	time.Sleep(200 * time.Millisecond)
	if _, err := os.Stat(mgr.FilePath()); os.IsNotExist(err) {
		t.Fatal("state file not created despite MarkDirty calls")
	}
	if mgr.dirty.Load() {
		t.Error("dirty flag should be cleared after the debounced save")
	}
	mgr.Close()
}

func TestStateManager_LoadNoFile(t *testing.T) {
	mgr, err := NewStateManager(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStateManager failed: %v", err)
	}
	defer mgr.Close()

	provider := &mockProvider{}
	mgr.SetProvider(provider)

	if err := mgr.Load(); err != nil {
		t.Fatalf("Load should succeed with no file: %v", err)
	}
	if provider.restored != nil {
		t.Error("nothing should be restored")
	}
}

func TestStateManager_RejectsBadFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"corrupted", "invalid json{"},
		{"version", `{"version": 999}`},
		{"network", `{"version": 1, "network": "mainnet"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, stateFileName), []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			mgr, err := NewStateManager(dir, nil)
			if err != nil {
				t.Fatalf("NewStateManager failed: %v", err)
			}
			defer mgr.Close()
			mgr.SetProvider(&mockProvider{network: "devnet"})
			if err := mgr.Load(); err == nil {
				t.Fatal("Load should fail")
			}
		})
	}
}

func TestStateManager_CloseWithDirtyState(t *testing.T) {
	dir := t.TempDir()

	mgr, err := NewStateManager(dir, nil)
	if err != nil {
		t.Fatalf("NewStateManager failed: %v", err)
	}
	mgr.SetProvider(&mockProvider{peerID: "02dirty", watermarks: map[uint32]uint64{10: 7}})

	mgr.MarkDirty()
	if err := mgr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, stateFileName))
	if err != nil {
		t.Fatal("state file should be saved on close when dirty")
	}
	var state PersistentState
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatal(err)
	}
	if state.Watermarks[10] != 7 {
		t.Errorf("watermark mismatch: got %d, want 7", state.Watermarks[10])
	}
}
