package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.wch/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// ServiceURL is the base URL of the chat data store (REST).
	ServiceURL string `toml:"service_url"`
	// RealtimeURL is the websocket endpoint of the event channel service.
	RealtimeURL string `toml:"realtime_url"`
	// APIKey is the anonymous key sent with every store and realtime request.
	APIKey string `toml:"api_key"`

	// EthRPC, when set, enables reverse-ENS display names for peers.
	EthRPC string `toml:"eth_rpc"`
	// NotifyURL, when set, receives a fire-and-forget POST for messages
	// that arrive while the chat is not focused.
	NotifyURL string `toml:"notify_url"`

	// ListenAddr is the local HTTP API address. Defaults to 127.0.0.1:8474.
	ListenAddr string `toml:"listen_addr"`
}

// DefaultListenAddr is used when listen_addr is not set.
const DefaultListenAddr = "127.0.0.1:8474"

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	return &cfg, nil
}

// ApplyEnv overrides config fields from the environment. Variables are
// typically supplied via a .env file loaded at process start.
func (c *Config) ApplyEnv() {
	overrides := map[string]*string{
		"WCH_SESSION":      &c.DefaultSession,
		"WCH_SERVICE_URL":  &c.ServiceURL,
		"WCH_REALTIME_URL": &c.RealtimeURL,
		"WCH_API_KEY":      &c.APIKey,
		"WCH_ETH_RPC":      &c.EthRPC,
		"WCH_NOTIFY_URL":   &c.NotifyURL,
		"WCH_LISTEN_ADDR":  &c.ListenAddr,
	}
	for key, field := range overrides {
		if v := os.Getenv(key); v != "" {
			*field = v
		}
	}
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
