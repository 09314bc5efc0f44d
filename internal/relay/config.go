// Package relay implements the host side of the relay channel: the
// persisted relay configuration, the connection manager, pairing and the
// command dispatcher.
package relay

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/comine-app/comine-relay/internal/identity"
	"github.com/comine-app/comine-relay/internal/jsonfile"
)

const (
	// ConfigFileName is the relay configuration file inside the data directory.
	ConfigFileName = "relay_config.json"

	// DefaultServerURL is the public relay.
	DefaultServerURL = "wss://sync.comine.app/ws"
)

// Config is the persisted relay configuration.
type Config struct {
	Enabled   bool   `json:"enabled"`
	ServerURL string `json:"server_url"`
	HostID    string `json:"host_id"`
	// MasterSecret is reserved for future key derivation and is never sent.
	MasterSecret string `json:"master_secret"`
}

// UnmarshalJSON accepts the legacy camelCase keys written by older clients.
func (c *Config) UnmarshalJSON(data []byte) error {
	var raw struct {
		Enabled            bool   `json:"enabled"`
		ServerURL          string `json:"server_url"`
		HostID             string `json:"host_id"`
		MasterSecret       string `json:"master_secret"`
		LegacyServerURL    string `json:"serverUrl"`
		LegacyHostID       string `json:"hostId"`
		LegacyMasterSecret string `json:"masterSecret"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*c = Config{
		Enabled:      raw.Enabled,
		ServerURL:    firstNonEmpty(raw.ServerURL, raw.LegacyServerURL),
		HostID:       firstNonEmpty(raw.HostID, raw.LegacyHostID),
		MasterSecret: firstNonEmpty(raw.MasterSecret, raw.LegacyMasterSecret),
	}
	return nil
}

// DefaultConfig returns a disabled configuration with a fresh identity.
func DefaultConfig() (Config, error) {
	hostID, err := identity.NewHostIDString()
	if err != nil {
		return Config{}, err
	}
	master, err := identity.NewMasterSecret()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ServerURL:    DefaultServerURL,
		HostID:       hostID,
		MasterSecret: master,
	}, nil
}

// ConfigPath returns the relay configuration path inside dataDir.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, ConfigFileName)
}

// LoadConfig reads the relay configuration and repairs it. A missing file,
// an empty or non-WebSocket server URL, or a missing host id or master
// secret is replaced with defaults and the result written back. healed
// reports whether a write-back was attempted. A failed write-back is
// returned together with the usable configuration.
func LoadConfig(path string) (cfg Config, healed bool, err error) {
	exists, err := jsonfile.Read(path, &cfg)
	if err != nil {
		return Config{}, false, err
	}

	healed = !exists

	if url := strings.TrimSpace(cfg.ServerURL); url == "" || !isWebSocketURL(url) {
		cfg.ServerURL = DefaultServerURL
		healed = true
	}
	if strings.TrimSpace(cfg.HostID) == "" {
		if cfg.HostID, err = identity.NewHostIDString(); err != nil {
			return Config{}, false, err
		}
		healed = true
	}
	if strings.TrimSpace(cfg.MasterSecret) == "" {
		if cfg.MasterSecret, err = identity.NewMasterSecret(); err != nil {
			return Config{}, false, err
		}
		healed = true
	}

	if healed {
		if err := SaveConfig(path, cfg); err != nil {
			return cfg, true, fmt.Errorf("persist repaired relay config: %w", err)
		}
	}
	return cfg, healed, nil
}

// SaveConfig writes the relay configuration.
func SaveConfig(path string, cfg Config) error {
	return jsonfile.Write(path, cfg)
}

func isWebSocketURL(s string) bool {
	return strings.HasPrefix(s, "ws://") || strings.HasPrefix(s, "wss://")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
