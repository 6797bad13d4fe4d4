package common

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/zixuniaowu/cccc/internal/infra/storage"
)

// PeerStatus is one peer's snapshot within StatusSnapshot.
type PeerStatus struct {
	Inflight bool `json:"inflight"`
	Inbox    int  `json:"inbox"`
	Queued   int  `json:"queued"`
}

// StatusSnapshot is the shape the orchestrator writes to state/status.json
// every tick and every bridge reads back for the /status and /queue slash
// commands, mirroring the separate-process status.json the original
// orchestrator_tmux.py writes for telegram_bridge.py to poll.
type StatusSnapshot struct {
	Paused bool                  `json:"paused"`
	Peers  map[string]PeerStatus `json:"peers"`
}

func statusSnapshotPath(home string) string {
	return filepath.Join(home, "state", "status.json")
}

// WriteStatusSnapshot atomically persists snap, called by the orchestrator.
func WriteStatusSnapshot(home string, snap StatusSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return storage.AtomicWriteFile(statusSnapshotPath(home), data)
}

// ReadStatusSnapshot reads back the most recently written snapshot; bridges
// run as part of the same process here, but read the file rather than
// reaching into orchestrator state directly, keeping the same decoupling
// the original's separate bridge process had.
func ReadStatusSnapshot(home string) (StatusSnapshot, error) {
	data, err := os.ReadFile(statusSnapshotPath(home))
	if err != nil {
		return StatusSnapshot{}, err
	}
	var snap StatusSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return StatusSnapshot{}, err
	}
	return snap, nil
}
