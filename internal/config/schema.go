// Package config provides the configuration model and persistence for the
// MCP tool runtime.
package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// SchemaVersion is the current config schema version.
const SchemaVersion = 1

// ServerKind selects the transport used to reach an MCP server.
type ServerKind string

const (
	ServerKindStdio  ServerKind = "stdio"
	ServerKindSocket ServerKind = "socket"
)

// Duration is a time.Duration that reads and writes Go duration strings
// ("30s", "1m30s") in both JSON and YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// bare numbers are seconds
		var secs float64
		if err2 := json.Unmarshal(data, &secs); err2 != nil {
			return fmt.Errorf("duration: %w", err)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// SecurityPolicy restricts what a server's tools may be called with.
type SecurityPolicy struct {
	AllowedPaths      []string `json:"allowedPaths,omitempty" yaml:"allowedPaths,omitempty"`
	DeniedPaths       []string `json:"deniedPaths,omitempty" yaml:"deniedPaths,omitempty"`
	AllowedOperations []string `json:"allowedOperations,omitempty" yaml:"allowedOperations,omitempty"` // glob patterns over tool names
	DeniedOperations  []string `json:"deniedOperations,omitempty" yaml:"deniedOperations,omitempty"`
	MaxExecutionTime  Duration `json:"maxExecutionTime,omitempty" yaml:"maxExecutionTime,omitempty"`
	ReadOnly          bool     `json:"readOnly,omitempty" yaml:"readOnly,omitempty"`
}

// ServerConfig describes one MCP server.
type ServerConfig struct {
	Name       string            `json:"name,omitempty" yaml:"name,omitempty"`
	Kind       ServerKind        `json:"kind" yaml:"kind"`
	Enabled    *bool             `json:"enabled,omitempty" yaml:"enabled,omitempty"` // nil treated as true
	Command    string            `json:"command,omitempty" yaml:"command,omitempty"` // stdio only
	Args       []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Cwd        string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL        string            `json:"url,omitempty" yaml:"url,omitempty"` // socket only
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Namespace  string            `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Timeout    Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries int               `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	Security   SecurityPolicy    `json:"security,omitempty" yaml:"security,omitempty"`
}

// IsEnabled returns whether the server is enabled (nil defaults to true).
func (s ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// SetEnabled sets the enabled state.
func (s *ServerConfig) SetEnabled(enabled bool) {
	s.Enabled = &enabled
}

// NamespaceOrName returns the namespace tools of this server register into.
func (s ServerConfig) NamespaceOrName() string {
	if s.Namespace != "" {
		return s.Namespace
	}
	return s.Name
}

// TimeoutOr returns the per-server timeout, or def when unset.
func (s ServerConfig) TimeoutOr(def time.Duration) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout.Std()
	}
	return def
}

// RecoverySettings controls automatic reconnects of unhealthy servers.
type RecoverySettings struct {
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	MaxAttempts int      `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`
	Backoff     Duration `json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

// DiscoverySettings controls the discovery index and auto-discovery.
type DiscoverySettings struct {
	Mode        string   `json:"mode,omitempty" yaml:"mode,omitempty"` // passive, active, reactive
	Interval    Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
	Schedule    string   `json:"schedule,omitempty" yaml:"schedule,omitempty"` // cron expression, overrides interval
	TTL         Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	WatchConfig bool     `json:"watchConfig,omitempty" yaml:"watchConfig,omitempty"`
	AutoRemove  *bool    `json:"autoRemove,omitempty" yaml:"autoRemove,omitempty"`
}

// UpdateSettings controls the dynamic update pipeline.
type UpdateSettings struct {
	MaxConcurrent int      `json:"maxConcurrent,omitempty" yaml:"maxConcurrent,omitempty"`
	BatchWindow   Duration `json:"batchWindow,omitempty" yaml:"batchWindow,omitempty"`
}

// NamespaceSettings controls tool naming.
type NamespaceSettings struct {
	MaxDepth        int    `json:"maxDepth,omitempty" yaml:"maxDepth,omitempty"`
	CollisionPolicy string `json:"collisionPolicy,omitempty" yaml:"collisionPolicy,omitempty"` // suffix, alias, reject
}

// Settings holds global runtime settings.
type Settings struct {
	DefaultTimeout       Duration          `json:"defaultTimeout,omitempty" yaml:"defaultTimeout,omitempty"`
	HealthCheckInterval  Duration          `json:"healthCheckInterval,omitempty" yaml:"healthCheckInterval,omitempty"`
	HighLatencyThreshold Duration          `json:"highLatencyThreshold,omitempty" yaml:"highLatencyThreshold,omitempty"`
	CriticalAfter        int               `json:"criticalAfter,omitempty" yaml:"criticalAfter,omitempty"` // consecutive failed checks
	FailedAfter          int               `json:"failedAfter,omitempty" yaml:"failedAfter,omitempty"`
	MaxConcurrent        int               `json:"maxConcurrent,omitempty" yaml:"maxConcurrent,omitempty"`
	Recovery             RecoverySettings  `json:"recovery" yaml:"recovery"`
	Discovery            DiscoverySettings `json:"discovery" yaml:"discovery"`
	Updates              UpdateSettings    `json:"updates" yaml:"updates"`
	Namespace            NamespaceSettings `json:"namespace" yaml:"namespace"`
}

// DefaultSettings returns the settings used when the config omits them.
func DefaultSettings() Settings {
	return Settings{
		DefaultTimeout:       Duration(30 * time.Second),
		HealthCheckInterval:  Duration(30 * time.Second),
		HighLatencyThreshold: Duration(10 * time.Second),
		CriticalAfter:        3,
		FailedAfter:          6,
		MaxConcurrent:        4,
		Recovery: RecoverySettings{
			Enabled:     true,
			MaxAttempts: 3,
			Backoff:     Duration(2 * time.Second),
		},
		Discovery: DiscoverySettings{
			Mode:     "passive",
			Interval: Duration(5 * time.Minute),
			TTL:      Duration(5 * time.Minute),
		},
		Updates: UpdateSettings{
			MaxConcurrent: 3,
		},
		Namespace: NamespaceSettings{
			MaxDepth:        4,
			CollisionPolicy: "suffix",
		},
	}
}

// Config is the root configuration structure.
type Config struct {
	SchemaVersion int                     `json:"schemaVersion" yaml:"schemaVersion"`
	Settings      Settings                `json:"settings" yaml:"settings"`
	Servers       map[string]ServerConfig `json:"servers" yaml:"servers"`
	LastModified  time.Time               `json:"lastModified,omitempty" yaml:"lastModified,omitempty"`
}

// NewConfig creates a new empty configuration with default values.
func NewConfig() *Config {
	return &Config{
		SchemaVersion: SchemaVersion,
		Settings:      DefaultSettings(),
		Servers:       make(map[string]ServerConfig),
		LastModified:  time.Now(),
	}
}

// ServerList returns the servers sorted by name.
func (c *Config) ServerList() []ServerConfig {
	servers := make([]ServerConfig, 0, len(c.Servers))
	for _, s := range c.Servers {
		servers = append(servers, s)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })
	return servers
}

// EnabledServers returns the enabled servers sorted by name.
func (c *Config) EnabledServers() []ServerConfig {
	var out []ServerConfig
	for _, s := range c.ServerList() {
		if s.IsEnabled() {
			out = append(out, s)
		}
	}
	return out
}

// GetServer returns a server by name, or nil if not found.
func (c *Config) GetServer(name string) *ServerConfig {
	if s, ok := c.Servers[name]; ok {
		return &s
	}
	return nil
}
