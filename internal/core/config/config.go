// Package config loads cacheproxy's on-disk configuration, following the
// teacher repo's own internal/core/config layout: a YAML file under the
// platform config directory, with flag overrides layered on top in main.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the name of the on-disk config file.
	ConfigFileName = "config.yml"
	// AppDirName is the subdirectory under the platform config root.
	AppDirName = "cacheproxy"
)

// ConfigDir returns the standard config directory for cacheproxy.
// Windows: %APPDATA%\cacheproxy\ ; macOS/Linux: ~/.config/cacheproxy/
func ConfigDir() (string, error) {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, AppDirName), nil
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", AppDirName), nil
}

// ConfigPath returns the path to the config file, e.g.
// ~/.config/cacheproxy/config.yml
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName), nil
}

// Config is cacheproxy's full on-disk configuration.
type Config struct {
	// Server holds the HTTP listener and download pipeline settings.
	Server ServerConfig `yaml:"server,omitempty"`

	// RPC holds the external collaborator's connection settings.
	RPC RPCConfig `yaml:"rpc,omitempty"`
}

// ServerConfig holds HTTP server and cache settings.
type ServerConfig struct {
	// Port is the HTTP listen port (default: 8080).
	Port int `yaml:"port,omitempty"`

	// CacheDir is the root of the content-addressed cache.
	CacheDir string `yaml:"cache_dir,omitempty"`

	// TempDir holds in-flight downloads before they are imported.
	TempDir string `yaml:"temp_dir,omitempty"`

	// MaxInFlight is an informational cap surfaced to operators; the
	// download-state registry itself has no admission limit (coalescing
	// already bounds duplicate work per content hash).
	MaxInFlight int `yaml:"max_in_flight,omitempty"`

	// ProxyEnabled toggles whether the downloader's first HTTP client
	// honors HTTP_PROXY/HTTPS_PROXY before falling back to a direct
	// client on the second retry iteration.
	ProxyEnabled bool `yaml:"proxy_enabled,omitempty"`

	// Dev enables the development (human-readable, more verbose) logger.
	Dev bool `yaml:"dev,omitempty"`
}

// RPCConfig holds the settings needed to reach the external collaborator.
type RPCConfig struct {
	// BaseURL is the collaborator's base HTTP address. Empty means use a
	// StaticClient instead of an HTTPClient.
	BaseURL string `yaml:"base_url,omitempty"`

	// ServerKey signs and verifies keystamps.
	ServerKey string `yaml:"server_key,omitempty"`
}

// DefaultCacheDir returns the default cache root.
func DefaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./cacheproxy-cache"
	}
	return filepath.Join(home, ".cache", "cacheproxy")
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	dir := DefaultCacheDir()
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			CacheDir:     filepath.Join(dir, "objects"),
			TempDir:      filepath.Join(dir, "tmp"),
			MaxInFlight:  64,
			ProxyEnabled: true,
		},
	}
}

// Exists reports whether a config file is present.
func Exists() bool {
	path, err := ConfigPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Load reads the config from ~/.config/cacheproxy/config.yml. Fields the
// file omits keep their DefaultConfig values.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	cfg.Server.CacheDir = expandPath(cfg.Server.CacheDir)
	cfg.Server.TempDir = expandPath(cfg.Server.TempDir)

	return cfg, nil
}

// LoadOrDefault loads the config file if it exists, otherwise returns
// DefaultConfig.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// expandPath expands a leading "~" to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	path = strings.ReplaceAll(path, `\`, "/")
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
