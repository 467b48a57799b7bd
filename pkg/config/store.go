package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const bridgeKey = "bridge"

// Store gives the pairing flow read/write access to the bridge policy
// subtree of the config file. Every read hits the file so that edits made
// elsewhere (including a just-completed pairing claim) take effect on the
// next policy decision; writes replace only the "bridge" key and preserve
// every sibling key byte-for-byte.
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// BridgeSettings reads the current policy subtree, falling back to
// defaults (with env overrides applied) when the file does not exist.
func (s *Store) BridgeSettings() (BridgeSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := LoadConfig(s.path)
	if err != nil {
		return BridgeSettings{}, fmt.Errorf("read config: %w", err)
	}
	return cfg.Bridge, nil
}

// SaveBridgeSettings rewrites the "bridge" subtree in place. The rest of
// the document is carried over as raw JSON so keys this process does not
// know about survive the write.
func (s *Store) SaveBridgeSettings(settings BridgeSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := map[string]json.RawMessage{}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("read config: %w", err)
		}
	} else if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}

	raw, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	doc[bridgeKey] = raw

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(s.path, out, 0644)
}
