// Package config loads and persists the host configuration. The host
// config and the policy config live in separate JSON files under the
// user's config directory so the policy file can be edited and reloaded
// on its own.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/coworkany/coworkany/internal/policy"
	"github.com/coworkany/coworkany/internal/services"
)

// Config represents the host application configuration.
type Config struct {
	WorkspaceRoot     string                `json:"workspace_root"`
	Port              int                   `json:"port"`
	AgentPath         string                `json:"agent_path"`
	AgentWorkDir      string                `json:"agent_work_dir,omitempty"`
	LogLevel          string                `json:"log_level"` // debug, info, warn, error, none
	LogPath           string                `json:"-"`
	AuditLogPath      string                `json:"-"`
	ShadowMaxAgeHours int                   `json:"shadow_max_age_hours"`
	Services          []services.Definition `json:"services,omitempty"`

	PolicyConfigPath string `json:"-"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "coworkany")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "coworkany")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "coworkany")
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "coworkany")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "coworkany")
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "coworkany")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", "coworkany")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "coworkany")
	}
}

// DefaultPath returns the host config file location.
func DefaultPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	configDir := defaultConfigDir()
	stateDir := defaultStateDir()

	return &Config{
		WorkspaceRoot:     ".",
		Port:              8790,
		AgentPath:         "agent/main.ts",
		LogLevel:          "info",
		LogPath:           filepath.Join(stateDir, "coworkany-host.log"),
		AuditLogPath:      filepath.Join(stateDir, "audit.jsonl"),
		ShadowMaxAgeHours: 168,
		PolicyConfigPath:  filepath.Join(configDir, "policy.json"),
	}
}

// Load reads configuration from file, falling back to defaults for a
// missing file and for any field left unset.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, config); err != nil {
		return nil, err
	}

	configDir := defaultConfigDir()
	stateDir := defaultStateDir()
	if config.WorkspaceRoot == "" {
		config.WorkspaceRoot = "."
	}
	if config.Port == 0 {
		config.Port = 8790
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.LogPath == "" {
		config.LogPath = filepath.Join(stateDir, "coworkany-host.log")
	}
	if config.AuditLogPath == "" {
		config.AuditLogPath = filepath.Join(stateDir, "audit.jsonl")
	}
	if config.ShadowMaxAgeHours == 0 {
		config.ShadowMaxAgeHours = 168
	}
	if config.PolicyConfigPath == "" {
		config.PolicyConfigPath = filepath.Join(configDir, "policy.json")
	}

	return config, nil
}

// Save writes the configuration to file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadPolicy reads the policy configuration, falling back to the
// conservative defaults when the file is missing.
func LoadPolicy(path string) (*policy.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return policy.DefaultConfig(), nil
		}
		return nil, err
	}

	config := policy.DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, err
	}
	return config, nil
}

// SavePolicy writes the policy configuration to file.
func SavePolicy(path string, config *policy.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
