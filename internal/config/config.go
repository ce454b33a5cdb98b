// Package config loads the server configuration from a TOML file with
// defaults suitable for running out of the working directory.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

// EnvConfigPath overrides the config file location when set.
const EnvConfigPath = "SQUASHTERM_CONFIG"

// Config is the application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Library   LibraryConfig   `toml:"library"`
	Downloads DownloadsConfig `toml:"downloads"`
	Sync      SyncConfig      `toml:"sync"`
	Log       LogConfig       `toml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Addr formats the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LibraryConfig locates the persisted library files.
type LibraryConfig struct {
	DataDir     string `toml:"data_dir"`
	LibraryPath string `toml:"library_path"`
	MediaDir    string `toml:"media_dir"`
	CatalogPath string `toml:"catalog_path"`
	// WatchMedia enables the media directory watcher.
	WatchMedia bool `toml:"watch_media"`
}

// DownloadsConfig controls the extraction tool and the download queue.
type DownloadsConfig struct {
	YtdlpPath   string `toml:"ytdlp_path"`
	Concurrency int    `toml:"concurrency"`
	// QueueBackend selects "pool" (in-memory only) or "journal"
	// (batch outcomes also recorded in the catalog).
	QueueBackend string `toml:"queue_backend"`
	// RatePerMinute caps how many downloads may start per minute;
	// zero disables the limit.
	RatePerMinute int `toml:"rate_per_minute"`
}

// SyncConfig controls the auto-sync scheduler.
type SyncConfig struct {
	PollSeconds int `toml:"poll_seconds"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the configuration parsed from the embedded example file.
func Default() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("parsing embedded default config: %v", err))
	}
	return &config
}

// Load reads the config at path, or the EnvConfigPath override, falling
// back to defaults when no file exists.
func Load(path string) (*Config, error) {
	if env := os.Getenv(EnvConfigPath); env != "" {
		path = env
	}
	config := Default()
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	config.applyDefaults()
	return config, nil
}

// applyDefaults fills gaps a partial config file leaves behind.
func (c *Config) applyDefaults() {
	defaults := Default()
	if c.Server.Port == 0 {
		c.Server.Port = defaults.Server.Port
	}
	if c.Library.DataDir == "" {
		c.Library.DataDir = defaults.Library.DataDir
	}
	if c.Library.LibraryPath == "" {
		c.Library.LibraryPath = filepath.Join(c.Library.DataDir, "library.json")
	}
	if c.Library.MediaDir == "" {
		c.Library.MediaDir = filepath.Join(c.Library.DataDir, "media")
	}
	if c.Library.CatalogPath == "" {
		c.Library.CatalogPath = filepath.Join(c.Library.DataDir, "catalog.db")
	}
	if c.Downloads.YtdlpPath == "" {
		c.Downloads.YtdlpPath = defaults.Downloads.YtdlpPath
	}
	if c.Downloads.Concurrency <= 0 {
		c.Downloads.Concurrency = defaults.Downloads.Concurrency
	}
	if c.Downloads.QueueBackend == "" {
		c.Downloads.QueueBackend = defaults.Downloads.QueueBackend
	}
	if c.Sync.PollSeconds <= 0 {
		c.Sync.PollSeconds = defaults.Sync.PollSeconds
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
}

// Validate rejects values the rest of the process cannot work with.
func (c *Config) Validate() error {
	switch c.Downloads.QueueBackend {
	case "pool", "journal":
	default:
		return fmt.Errorf("unknown queue backend %q (want pool or journal)", c.Downloads.QueueBackend)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	return nil
}

// WriteExample creates an annotated config file at path for editing.
func WriteExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	return os.WriteFile(path, exampleConf, 0o644)
}
