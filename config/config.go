package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"nearbychat/messenger"
	"nearbychat/transport"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "nearbychat"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "NEARBYCHAT_DATA_DIR"
	// DefaultListeningPort is the TCP port used in fixed mode without an override.
	DefaultListeningPort = 9999
	// DefaultConfirmTimeoutSeconds bounds an unanswered confirmation prompt.
	DefaultConfirmTimeoutSeconds = 60
	// DefaultPairingRetentionDays controls audit log pruning.
	DefaultPairingRetentionDays = 30
	// DefaultLogLevel is used when the config names none.
	DefaultLogLevel = "info"
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// AppConfig contains persistent local settings.
type AppConfig struct {
	InstallID     string `json:"install_id"`
	ServiceID     string `json:"service_id"`
	Strategy      string `json:"strategy"`
	PortMode      string `json:"port_mode"`
	ListeningPort int    `json:"listening_port"`
	// ConfirmTimeoutSeconds of zero keeps prompts open until answered.
	ConfirmTimeoutSeconds *int   `json:"confirm_timeout_seconds,omitempty"`
	MetricsAddress        string `json:"metrics_address"`
	LogLevel              string `json:"log_level"`
	PairingRetentionDays  int    `json:"pairing_retention_days"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If NEARBYCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*AppConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *AppConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns the
// config, its path and the data directory.
func LoadOrCreate() (*AppConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", "", fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, dataDir, nil
}

// Validate reports the first setting that cannot be used.
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.ServiceID) == "" {
		return errors.New("service_id is required")
	}
	if _, err := transport.ParseStrategy(c.Strategy); err != nil {
		return err
	}
	if normalizePortMode(c.PortMode) == "" {
		return fmt.Errorf("invalid port_mode %q", c.PortMode)
	}
	if c.ListeningPort < 0 || c.ListeningPort > 65535 {
		return fmt.Errorf("listening_port %d out of range", c.ListeningPort)
	}
	if c.ConfirmTimeoutSeconds != nil && *c.ConfirmTimeoutSeconds < 0 {
		return fmt.Errorf("confirm_timeout_seconds must be >= 0, got %d", *c.ConfirmTimeoutSeconds)
	}
	if c.PairingRetentionDays < 0 {
		return fmt.Errorf("pairing_retention_days must be >= 0, got %d", c.PairingRetentionDays)
	}
	if c.LogLevel != "" && !strings.EqualFold(c.LogLevel, "off") {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("invalid log_level: %w", err)
		}
	}
	return nil
}

// ListenAddress is the TCP address the LAN transport binds.
func (c *AppConfig) ListenAddress() string {
	if c.PortMode == PortModeFixed && c.ListeningPort > 0 {
		return fmt.Sprintf(":%d", c.ListeningPort)
	}
	return ":0"
}

// ConfirmTimeout converts the setting for messenger.Options.
func (c *AppConfig) ConfirmTimeout() time.Duration {
	if c.ConfirmTimeoutSeconds == nil {
		return messenger.DefaultConfirmTimeout
	}
	if *c.ConfirmTimeoutSeconds == 0 {
		return messenger.NoConfirmTimeout
	}
	return time.Duration(*c.ConfirmTimeoutSeconds) * time.Second
}

// PairingRetention converts the retention setting. Zero means the store
// default.
func (c *AppConfig) PairingRetention() time.Duration {
	return time.Duration(c.PairingRetentionDays) * 24 * time.Hour
}

func defaultConfig() *AppConfig {
	timeout := DefaultConfirmTimeoutSeconds
	return &AppConfig{
		InstallID:             uuid.NewString(),
		ServiceID:             messenger.DefaultServiceID,
		Strategy:              string(transport.StrategyCluster),
		PortMode:              PortModeAutomatic,
		ListeningPort:         0,
		ConfirmTimeoutSeconds: &timeout,
		LogLevel:              DefaultLogLevel,
		PairingRetentionDays:  DefaultPairingRetentionDays,
	}
}

func normalizeDefaults(cfg *AppConfig) bool {
	updated := false

	if cfg.InstallID == "" {
		cfg.InstallID = uuid.NewString()
		updated = true
	}
	if cfg.ServiceID == "" {
		cfg.ServiceID = messenger.DefaultServiceID
		updated = true
	}
	if cfg.Strategy == "" {
		cfg.Strategy = string(transport.StrategyCluster)
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}
	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.ConfirmTimeoutSeconds == nil {
		timeout := DefaultConfirmTimeoutSeconds
		cfg.ConfirmTimeoutSeconds = &timeout
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}
	if cfg.PairingRetentionDays == 0 {
		cfg.PairingRetentionDays = DefaultPairingRetentionDays
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
