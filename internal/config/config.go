package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/QUSEIT/simacode-sub001/internal/mcperr"
)

const (
	configDir  = ".config/simacode"
	configFile = "mcp.json"
)

// ConfigPath returns the full path to the default config file.
func ConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, configDir, configFile), nil
}

// Load reads the configuration from the default path.
// Returns a new empty config if the file doesn't exist.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the configuration from path. Files ending in .yaml or .yml
// are parsed as YAML, everything else as JSON. Returns a new empty config if
// the file doesn't exist.
func LoadFrom(path string) (*Config, error) {
	path, err := expandHome(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, isYAML(path))
}

// Parse decodes a config document. Settings absent from the document keep
// their defaults.
func Parse(data []byte, asYAML bool) (*Config, error) {
	cfg := NewConfig()
	cfg.Servers = nil

	var err error
	if asYAML {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, mcperr.Configuration("parse config", err)
	}

	if cfg.Servers == nil {
		cfg.Servers = make(map[string]ServerConfig)
	}
	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = SchemaVersion
	}

	// Backfill names from map keys
	for name, srv := range cfg.Servers {
		if srv.Name == "" {
			srv.Name = name
		}
		if srv.Kind == "" {
			srv.Kind = ServerKindStdio
		}
		cfg.Servers[name] = srv
	}

	return cfg, nil
}

// Save writes the configuration to the default path atomically.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTo(cfg, path)
}

// SaveTo writes the configuration to path atomically using a temp file and
// rename. The format follows the file extension like LoadFrom.
func SaveTo(cfg *Config, path string) error {
	path, err := expandHome(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	cfg.LastModified = time.Now()

	var data []byte
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpFile, path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("rename config: %w", err)
	}

	return nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// ValidateName checks if a server name is valid.
// Names are 1-64 characters of [A-Za-z0-9_-] and cannot contain ':' or '.',
// which are reserved for namespaced tool names.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("name is required")
	}
	if len(name) > 64 {
		return errors.New("name must be at most 64 characters")
	}
	for _, c := range name {
		ok := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_'
		if !ok {
			return fmt.Errorf("name contains invalid character %q", c)
		}
	}
	return nil
}

// Validate checks a single server definition.
func (s ServerConfig) Validate() error {
	if err := ValidateName(s.Name); err != nil {
		return mcperr.Configuration("validate server", fmt.Errorf("server %q: %w", s.Name, err))
	}

	switch s.Kind {
	case ServerKindStdio, "":
		if strings.TrimSpace(s.Command) == "" {
			return mcperr.Configuration("validate server", fmt.Errorf("server %q: command is required for stdio servers", s.Name))
		}
	case ServerKindSocket:
		if strings.TrimSpace(s.URL) == "" {
			return mcperr.Configuration("validate server", fmt.Errorf("server %q: url is required for socket servers", s.Name))
		}
	default:
		return mcperr.Configuration("validate server", fmt.Errorf("server %q: unknown kind %q", s.Name, s.Kind))
	}

	if s.Timeout < 0 || s.Security.MaxExecutionTime < 0 {
		return mcperr.Configuration("validate server", fmt.Errorf("server %q: durations must not be negative", s.Name))
	}
	if s.MaxRetries < 0 {
		return mcperr.Configuration("validate server", fmt.Errorf("server %q: maxRetries must not be negative", s.Name))
	}
	return nil
}

// Validate checks the whole configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error
	for name, srv := range c.Servers {
		if srv.Name != name {
			errs = append(errs, mcperr.Configuration("validate", fmt.Errorf("server key %q does not match name %q", name, srv.Name)))
			continue
		}
		if err := srv.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	switch c.Settings.Discovery.Mode {
	case "", "passive", "active", "reactive":
	default:
		errs = append(errs, mcperr.Configuration("validate", fmt.Errorf("unknown discovery mode %q", c.Settings.Discovery.Mode)))
	}
	switch c.Settings.Namespace.CollisionPolicy {
	case "", "suffix", "alias", "reject":
	default:
		errs = append(errs, mcperr.Configuration("validate", fmt.Errorf("unknown collision policy %q", c.Settings.Namespace.CollisionPolicy)))
	}
	if c.Settings.MaxConcurrent < 0 || c.Settings.Updates.MaxConcurrent < 0 {
		errs = append(errs, mcperr.Configuration("validate", errors.New("maxConcurrent must not be negative")))
	}
	if s := c.Settings; s.CriticalAfter > 0 && s.FailedAfter > 0 && s.FailedAfter < s.CriticalAfter {
		errs = append(errs, mcperr.Configuration("validate", fmt.Errorf("failedAfter (%d) must not be below criticalAfter (%d)", s.FailedAfter, s.CriticalAfter)))
	}

	return errors.Join(errs...)
}

// AddServer adds a new server to the config.
// Returns an error if a server with the same name already exists.
func (c *Config) AddServer(srv ServerConfig) error {
	if srv.Kind == "" {
		srv.Kind = ServerKindStdio
	}
	if err := srv.Validate(); err != nil {
		return err
	}
	if _, exists := c.Servers[srv.Name]; exists {
		return mcperr.Configuration("add server", fmt.Errorf("server %q already exists", srv.Name))
	}
	c.Servers[srv.Name] = srv
	return nil
}

// DeleteServer removes a server from the config.
func (c *Config) DeleteServer(name string) error {
	if _, exists := c.Servers[name]; !exists {
		return fmt.Errorf("server %q not found", name)
	}
	delete(c.Servers, name)
	return nil
}
