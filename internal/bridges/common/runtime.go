package common

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/zixuniaowu/cccc/internal/infra/storage"
)

// runtimeState is the small persisted toggle set each bridge keeps across
// restarts, grounded on telegram_bridge.py's load_runtime/save_runtime
// ("show_peer_messages" in particular).
type runtimeState struct {
	ShowPeerMessages bool `json:"show_peer_messages"`
}

func runtimePath(home, bridge string) string {
	return filepath.Join(home, "state", "bridge-"+bridge+"-runtime.json")
}

func loadRuntimeState(home, bridge string) runtimeState {
	var rt runtimeState
	data, err := os.ReadFile(runtimePath(home, bridge))
	if err != nil {
		return rt
	}
	_ = json.Unmarshal(data, &rt)
	return rt
}

func rememberShowPeers(home, bridge string, enabled bool) {
	rt := loadRuntimeState(home, bridge)
	rt.ShowPeerMessages = enabled
	if data, err := json.Marshal(rt); err == nil {
		_ = storage.AtomicWriteFile(runtimePath(home, bridge), data)
	}
}

// ShowPeersEnabled reports whether Peer↔Peer summary relay is turned on
// for bridge, used to gate outbound to_peer_summary events the way render
// does for each bridge today.
func ShowPeersEnabled(home, bridge string) bool {
	return loadRuntimeState(home, bridge).ShowPeerMessages
}
