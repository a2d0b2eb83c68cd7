package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/systmms/credrotate/internal/model"
)

const snapshotFile = "credrotate-state.json"

// FileStore is a MemoryStore that snapshots its state to a JSON file after
// every write. It suits a single process; use a SQL driver for replicas.
type FileStore struct {
	*MemoryStore
	path string
}

type snapshot struct {
	Credentials map[string]json.RawMessage `json:"credentials"`
	Attempts    map[string]json.RawMessage `json:"attempts"`
	Audit       map[string]json.RawMessage `json:"audit"`
	AuditSeq    map[string]int64           `json:"audit_sequences"`
}

// DefaultDataDir returns the default directory for file-backed state
func DefaultDataDir() string {
	if dir := os.Getenv("CREDROTATE_DATA_DIR"); dir != "" {
		return dir
	}

	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "credrotate")
	}

	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "credrotate")
	}

	return filepath.Join(os.TempDir(), "credrotate")
}

// NewFileStore loads state from dir, creating it when missing.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = DefaultDataDir()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	fs := &FileStore{MemoryStore: NewMemoryStore(), path: filepath.Join(dir, snapshotFile)}
	if err := fs.load(); err != nil {
		return nil, err
	}
	fs.onWrite = fs.save
	return fs, nil
}

// Path returns the snapshot file location.
func (fs *FileStore) Path() string { return fs.path }

func (fs *FileStore) load() error {
	data, err := os.ReadFile(fs.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal state file %s: %w", fs.path, err)
	}
	for id, raw := range snap.Credentials {
		var c model.Credential
		if err := json.Unmarshal(raw, &c); err != nil {
			return fmt.Errorf("credential %s: %w", id, err)
		}
		fs.credentials[id] = &c
	}
	for id, raw := range snap.Attempts {
		var a model.RotationAttempt
		if err := json.Unmarshal(raw, &a); err != nil {
			return fmt.Errorf("attempt %s: %w", id, err)
		}
		fs.attempts[id] = &a
	}
	for id, raw := range snap.Audit {
		var r model.AuditRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return fmt.Errorf("audit record %s: %w", id, err)
		}
		fs.audit[id] = &r
	}
	for k, v := range snap.AuditSeq {
		fs.auditSeq[k] = v
	}
	return nil
}

// save runs with the MemoryStore lock held.
func (fs *FileStore) save() error {
	snap := snapshot{
		Credentials: make(map[string]json.RawMessage, len(fs.credentials)),
		Attempts:    make(map[string]json.RawMessage, len(fs.attempts)),
		Audit:       make(map[string]json.RawMessage, len(fs.audit)),
		AuditSeq:    fs.auditSeq,
	}
	for id, c := range fs.credentials {
		raw, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal credential: %w", err)
		}
		snap.Credentials[id] = raw
	}
	for id, a := range fs.attempts {
		raw, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal attempt: %w", err)
		}
		snap.Attempts[id] = raw
	}
	for id, r := range fs.audit {
		raw, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal audit record: %w", err)
		}
		snap.Audit[id] = raw
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
