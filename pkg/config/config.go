package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Backend   BackendConfig   `json:"backend"`
	Bridge    BridgeSettings  `json:"bridge"`
	Host      HostConfig      `json:"host"`
	Gateway   GatewayConfig   `json:"gateway"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Logging   LoggingConfig   `json:"logging"`
}

// BackendConfig describes how to launch the imsg-rpc subprocess.
type BackendConfig struct {
	Command string `json:"command" env:"PICOBRIDGE_BACKEND_COMMAND"`
	DBPath  string `json:"db_path" env:"PICOBRIDGE_BACKEND_DB_PATH"`
}

// BridgeSettings is the policy subtree the pairing flow edits. It lives
// under the fixed "bridge" key of the config document; writes through the
// Store replace only this subtree and leave sibling keys untouched.
type BridgeSettings struct {
	DMPolicy        string              `json:"dm_policy" env:"PICOBRIDGE_BRIDGE_DM_POLICY"`
	GroupPolicy     string              `json:"group_policy" env:"PICOBRIDGE_BRIDGE_GROUP_POLICY"`
	AllowFrom       FlexibleStringSlice `json:"allow_from" env:"PICOBRIDGE_BRIDGE_ALLOW_FROM"`
	GroupAllowFrom  FlexibleStringSlice `json:"group_allow_from" env:"PICOBRIDGE_BRIDGE_GROUP_ALLOW_FROM"`
	MaxChunkChars   int                 `json:"max_chunk_chars" env:"PICOBRIDGE_BRIDGE_MAX_CHUNK_CHARS"`
	StrictAllowlist bool                `json:"strict_allowlist" env:"PICOBRIDGE_BRIDGE_STRICT_ALLOWLIST"`
}

// HostConfig points at the agent-orchestration host gateway.
type HostConfig struct {
	URL   string `json:"url" env:"PICOBRIDGE_HOST_URL"`
	Token string `json:"token" env:"PICOBRIDGE_HOST_TOKEN"`
}

type GatewayConfig struct {
	Enabled    bool   `json:"enabled" env:"PICOBRIDGE_GATEWAY_ENABLED"`
	Host       string `json:"host" env:"PICOBRIDGE_GATEWAY_HOST"`
	Port       int    `json:"port" env:"PICOBRIDGE_GATEWAY_PORT"`
	MCPEnabled bool   `json:"mcp_enabled" env:"PICOBRIDGE_GATEWAY_MCP_ENABLED"`
}

type HeartbeatConfig struct {
	Enabled bool   `json:"enabled" env:"PICOBRIDGE_HEARTBEAT_ENABLED"`
	Cron    string `json:"cron" env:"PICOBRIDGE_HEARTBEAT_CRON"`
}

type LoggingConfig struct {
	FileEnabled bool   `json:"file_enabled" env:"PICOBRIDGE_LOGGING_FILE_ENABLED"`
	FilePath    string `json:"file_path" env:"PICOBRIDGE_LOGGING_FILE_PATH"`
}

func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			Command: "imsg-rpc",
			DBPath:  "",
		},
		Bridge: BridgeSettings{
			DMPolicy:        "pairing",
			GroupPolicy:     "allowlist",
			AllowFrom:       FlexibleStringSlice{},
			GroupAllowFrom:  FlexibleStringSlice{},
			MaxChunkChars:   4000,
			StrictAllowlist: false,
		},
		Host: HostConfig{
			URL:   "ws://127.0.0.1:18800/ws",
			Token: "",
		},
		Gateway: GatewayConfig{
			Enabled:    true,
			Host:       "127.0.0.1",
			Port:       18801,
			MCPEnabled: false,
		},
		Heartbeat: HeartbeatConfig{
			Enabled: true,
			Cron:    "* * * * *",
		},
		Logging: LoggingConfig{
			FileEnabled: true,
			FilePath:    "~/.picobridge/picobridge.log",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if envErr := env.Parse(cfg); envErr != nil {
				return nil, envErr
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "picobridge.json"
	}
	return filepath.Join(home, ".picobridge", "config.json")
}
