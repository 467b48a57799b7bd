package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Bridge.DMPolicy != "pairing" {
		t.Fatalf("dm_policy = %q, want pairing", cfg.Bridge.DMPolicy)
	}
	if cfg.Bridge.GroupPolicy != "allowlist" {
		t.Fatalf("group_policy = %q, want allowlist", cfg.Bridge.GroupPolicy)
	}
	if cfg.Bridge.MaxChunkChars != 4000 {
		t.Fatalf("max_chunk_chars = %d, want 4000", cfg.Bridge.MaxChunkChars)
	}
	if cfg.Backend.Command != "imsg-rpc" {
		t.Fatalf("backend command = %q, want imsg-rpc", cfg.Backend.Command)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bridge.DMPolicy != "pairing" {
		t.Fatalf("dm_policy = %q, want pairing", cfg.Bridge.DMPolicy)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	doc := `{
  "bridge": {
    "dm_policy": "allowlist",
    "allow_from": ["+15551234567", 12345],
    "max_chunk_chars": 500
  }
}`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bridge.DMPolicy != "allowlist" {
		t.Fatalf("dm_policy = %q, want allowlist", cfg.Bridge.DMPolicy)
	}
	if len(cfg.Bridge.AllowFrom) != 2 || cfg.Bridge.AllowFrom[1] != "12345" {
		t.Fatalf("allow_from = %v, want numeric entry coerced to string", cfg.Bridge.AllowFrom)
	}
	if cfg.Bridge.MaxChunkChars != 500 {
		t.Fatalf("max_chunk_chars = %d, want 500", cfg.Bridge.MaxChunkChars)
	}
	// Untouched sections keep their defaults.
	if cfg.Gateway.Port != 18801 {
		t.Fatalf("gateway port = %d, want default 18801", cfg.Gateway.Port)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"bridge":{"dm_policy":"open"}}`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("PICOBRIDGE_BRIDGE_DM_POLICY", "closed")
	t.Setenv("PICOBRIDGE_BACKEND_COMMAND", "/opt/imsg-rpc")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bridge.DMPolicy != "closed" {
		t.Fatalf("dm_policy = %q, env must win over file", cfg.Bridge.DMPolicy)
	}
	if cfg.Backend.Command != "/opt/imsg-rpc" {
		t.Fatalf("backend command = %q", cfg.Backend.Command)
	}
}

func TestStoreSavePreservesSiblingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	doc := `{
  "backend": {"command": "custom-rpc"},
  "bridge": {"dm_policy": "pairing", "allow_from": []},
  "future_section": {"unknown": true}
}`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	store := NewStore(path)
	settings, err := store.BridgeSettings()
	if err != nil {
		t.Fatalf("read settings: %v", err)
	}
	settings.AllowFrom = append(settings.AllowFrom, "+15551234567")
	if err := store.SaveBridgeSettings(settings); err != nil {
		t.Fatalf("save settings: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("parse back: %v", err)
	}
	if _, ok := out["future_section"]; !ok {
		t.Fatalf("unknown sibling key lost on save")
	}
	if _, ok := out["backend"]; !ok {
		t.Fatalf("backend section lost on save")
	}

	reread, err := store.BridgeSettings()
	if err != nil {
		t.Fatalf("reread settings: %v", err)
	}
	if len(reread.AllowFrom) != 1 || reread.AllowFrom[0] != "+15551234567" {
		t.Fatalf("allow_from = %v after save", reread.AllowFrom)
	}
}

func TestStoreSaveCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")
	store := NewStore(path)

	if err := store.SaveBridgeSettings(BridgeSettings{DMPolicy: "open"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	settings, err := store.BridgeSettings()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if settings.DMPolicy != "open" {
		t.Fatalf("dm_policy = %q, want open", settings.DMPolicy)
	}
}

func TestFlexibleStringSlice(t *testing.T) {
	var s FlexibleStringSlice
	if err := json.Unmarshal([]byte(`["a", 7, true]`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(s) != 3 || s[0] != "a" || s[1] != "7" || s[2] != "true" {
		t.Fatalf("slice = %v", s)
	}
}
