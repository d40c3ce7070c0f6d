// Package config reads and writes the daemon configuration file.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the on-disk configuration shared by the node and the client.
type Config struct {
	GUID   string       `toml:"guid"`
	Root   string       `toml:"root"`
	API    string       `toml:"api_url"`
	Node   NodeConfig   `toml:"node"`
	Client ClientConfig `toml:"client"`
	Cache  CacheConfig  `toml:"cache"`
}

// NodeConfig configures the serving side.
type NodeConfig struct {
	Listen      string `toml:"listen"`
	Master      string `toml:"master,omitempty"` // empty when this node is the master
	Permissions string `toml:"permissions,omitempty"`
}

// ClientConfig configures the shell-facing daemon.
type ClientConfig struct {
	IPCPort          int `toml:"ipc_port"`
	SyncTimeout      int `toml:"sync_timeout"`      // seconds between pull cycles
	ReconnectTimeout int `toml:"reconnect_timeout"` // seconds before stream retry
}

// CacheConfig bounds the release pool.
type CacheConfig struct {
	LimitBytes   int64 `toml:"limit_bytes"`
	LimitPercent int64 `toml:"limit_percent"`
	LifetimeDays int   `toml:"lifetime_days"`
}

// New creates a Config with the provided identity and defaults.
func New(guid, root string) *Config {
	return &Config{
		GUID: guid,
		Root: root,
		API:  "http://localhost:8000",
		Node: NodeConfig{
			Listen:      ":8000",
			Permissions: filepath.Join(root, "etc", "authorization.conf"),
		},
		Client: ClientConfig{
			IPCPort:          5001,
			SyncTimeout:      30,
			ReconnectTimeout: 3,
		},
		Cache: CacheConfig{
			LimitPercent: 10,
			LifetimeDays: 30,
		},
	}
}

// Read decodes a Config from the reader.
func Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the writer.
func Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the file at path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cfg, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Write(f, cfg)
}

// Init writes a fresh config file, refusing to clobber an existing one.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config: %s already exists", path)
	}
	return writeToFile(path, cfg)
}
