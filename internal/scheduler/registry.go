package scheduler

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// RegistrySnapshot is the schema written to the registry file.
type RegistrySnapshot struct {
	PID           int            `json:"pid"`
	SchedulerName string         `json:"scheduler_name"`
	WorkingDir    string         `json:"working_dir"`
	LastSnapshot  *int64         `json:"last_snapshot,omitempty"`
	Nodes         []NodeSnapshot `json:"nodes"`
}

// NodeSnapshot is one node's entry in a RegistrySnapshot.
type NodeSnapshot struct {
	Name        string            `json:"name"`
	Priority    uint32            `json:"priority"`
	State       string            `json:"state,omitempty"`
	Health      string            `json:"health,omitempty"`
	ErrorCount  uint64            `json:"error_count"`
	TickCount   uint64            `json:"tick_count"`
	Publishers  []TopicDescriptor `json:"publishers"`
	Subscribers []TopicDescriptor `json:"subscribers"`
}

// Heartbeat is the per-node liveness record written after every tick.
type Heartbeat struct {
	State      string `json:"state"`
	Health     string `json:"health"`
	TickCount  uint64 `json:"tick_count"`
	LastTickNS int64  `json:"last_tick_ns"`
}

func registryPath() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".horus_registry.json")
	}
	return filepath.Join(os.TempDir(), ".horus_registry.json")
}

func heartbeatDir() string {
	return filepath.Join("/dev/shm", "horus", "heartbeats")
}

// writeAtomic writes data to path via a temp file in the same directory
// followed by a rename, so readers never observe a partial write.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func writeRegistry(snapshot RegistrySnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return writeAtomic(registryPath(), data)
}

func removeRegistry() error {
	err := os.Remove(registryPath())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func writeHeartbeat(name string, hb Heartbeat) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(heartbeatDir(), name), data)
}

func ensureHeartbeatDir() error {
	return os.MkdirAll(heartbeatDir(), 0o755)
}

func removeHeartbeatDir() error {
	err := os.RemoveAll(heartbeatDir())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
