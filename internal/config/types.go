package config

import "time"

// Config represents the complete overseer configuration.
type Config struct {
	Include    []string              `yaml:"include,omitempty"`
	Service    ServiceConfig         `yaml:"service"`
	Supervisor SupervisorConfig      `yaml:"supervisor"`
	History    HistoryConfig         `yaml:"history"`
	API        APIConfig             `yaml:"api,omitempty"`
	Events     EventsConfig          `yaml:"events,omitempty"`
	Workers    map[string]WorkerConf `yaml:"workers"`

	// SourceFiles holds the absolute path of every file the config was
	// loaded from, root first.
	SourceFiles []string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	PIDFile  string `yaml:"pid_file"`
}

// SupervisorConfig holds the supervisor-wide defaults.
type SupervisorConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency"`
	// Retries is a pointer so an explicit 0 survives defaulting.
	Retries *int `yaml:"retries,omitempty"`
}

// HistoryConfig defines where submission outcomes are recorded.
type HistoryConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Listen      string        `yaml:"listen"`
	Auth        APIAuthConfig `yaml:"auth"`
	CORSOrigins []string      `yaml:"cors_origins,omitempty"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// EventsConfig sizes the in-memory event hub.
type EventsConfig struct {
	Buffer int `yaml:"buffer"`
}

// WorkerConf defines how to launch one named worker. Zero values inherit the
// supervisor defaults.
type WorkerConf struct {
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Dir         string            `yaml:"dir,omitempty"`
	Timeout     time.Duration     `yaml:"timeout,omitempty"`
	Retries     *int              `yaml:"retries,omitempty"`
	GracePeriod time.Duration     `yaml:"grace_period,omitempty"`
	Config      map[string]any    `yaml:"config,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	retries := 3
	return &Config{
		Service: ServiceConfig{
			Name:     "overseer",
			LogLevel: "info",
			PIDFile:  "./data/overseer.pid",
		},
		Supervisor: SupervisorConfig{
			Timeout:     30 * time.Second,
			Concurrency: 256,
			Retries:     &retries,
		},
		History: HistoryConfig{
			Path:      "./data/overseer.db",
			Retention: 30 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Events: EventsConfig{
			Buffer: 256,
		},
		Workers: make(map[string]WorkerConf),
	}
}
