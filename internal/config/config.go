// Package config loads the job pipeline's runtime configuration from
// (in ascending precedence) defaults, an optional YAML file, and
// environment variables, via koanf. Every environment variable named
// in spec §6 has a typed, defaulted field here.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// StoreBackend selects the persistence backend for jobs/chats metadata.
type StoreBackend string

const (
	BackendSQLite   StoreBackend = "sqlite"
	BackendPostgres StoreBackend = "postgres"
)

// Config holds the pipeline's runtime configuration, shared by the
// gateway and worker binaries (spec §6 env var table).
type Config struct {
	// Addr is the gateway's HTTP listen address.
	Addr string `koanf:"addr"`
	// DataDir is the root for persisted state: chats/, output root default.
	DataDir string `koanf:"data_dir"`

	// StoreBackend selects sqlite or postgres for job/chat metadata.
	StoreBackend StoreBackend `koanf:"store_backend"`
	// JobStoreURL is the DSN for the job/chat metadata store.
	JobStoreURL string `koanf:"job_store_url"`
	// EventBusURL is informational: in-process bus connection identity,
	// carried through for parity with spec §6's "event-bus URL" env var
	// even though this implementation's bus is in-process.
	EventBusURL string `koanf:"event_bus_url"`

	// GraphDBURL, GraphDBName, GraphDBUser, GraphDBPassword address the
	// out-of-scope graph database (spec §1, §6).
	GraphDBURL      string `koanf:"graph_db_url"`
	GraphDBName     string `koanf:"graph_db_name"`
	GraphDBUser     string `koanf:"graph_db_user"`
	GraphDBPassword string `koanf:"graph_db_password"`

	// OutputRoot is where agent output (citations, exports, traces) lands.
	OutputRoot string `koanf:"output_root"`
	// ConfigDir holds the router instructions file and other static config.
	ConfigDir string `koanf:"config_dir"`
	// AgentCLI is the path/name of the external agent executable.
	AgentCLI string `koanf:"agent_cli"`
	// AgentName is the --agent value passed to the agent CLI, if any.
	AgentName string `koanf:"agent_name"`

	// RouterInstructionsPath points at the static router-instructions
	// file prepended to every agent prompt (spec §4.D, §GLOSSARY).
	RouterInstructionsPath string `koanf:"router_instructions_path"`
}

func defaults() map[string]any {
	return map[string]any{
		"addr":             ":8080",
		"data_dir":         defaultDataDir(),
		"store_backend":    string(BackendSQLite),
		"job_store_url":    "",
		"event_bus_url":    "inproc://events",
		"graph_db_url":     "",
		"graph_db_name":    "",
		"graph_db_user":    "",
		"graph_db_password": "",
		"output_root":      "/app/output",
		"config_dir":       "",
		"agent_cli":        "agent",
		"agent_name":       "",
		"router_instructions_path": "",
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "finchat")
	}
	return filepath.Join(home, ".config", "finchat")
}

// envPrefix is the common prefix for every environment variable this
// process reads, e.g. FINCHAT_ADDR, FINCHAT_STORE_BACKEND.
const envPrefix = "FINCHAT_"

// Load builds a Config from defaults, an optional YAML file at
// configPath (skipped if empty or missing), and FINCHAT_-prefixed
// environment variables, in that order of increasing precedence.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// DefineFlags registers command-line flags that override the loaded
// config; call flag.Parse() and then Flags.Apply.
type Flags struct {
	Addr         *string
	DataDir      *string
	StoreBackend *string
	ConfigFile   *string
}

func DefineFlags(fs *flag.FlagSet) *Flags {
	return &Flags{
		Addr:         fs.String("addr", "", "listen address (overrides config)"),
		DataDir:      fs.String("data-dir", "", "data directory (overrides config)"),
		StoreBackend: fs.String("store-backend", "", "sqlite or postgres (overrides config)"),
		ConfigFile:   fs.String("config", "", "path to a YAML config file"),
	}
}

// Apply overlays any explicitly-set flags onto c.
func (f *Flags) Apply(c *Config) {
	if f.Addr != nil && *f.Addr != "" {
		c.Addr = *f.Addr
	}
	if f.DataDir != nil && *f.DataDir != "" {
		c.DataDir = *f.DataDir
	}
	if f.StoreBackend != nil && *f.StoreBackend != "" {
		c.StoreBackend = StoreBackend(*f.StoreBackend)
	}
}

// Validate checks the configuration and ensures required directories exist.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.StoreBackend != BackendSQLite && c.StoreBackend != BackendPostgres {
		return fmt.Errorf("store_backend must be %q or %q, got %q", BackendSQLite, BackendPostgres, c.StoreBackend)
	}
	if c.StoreBackend == BackendPostgres && c.JobStoreURL == "" {
		return fmt.Errorf("job_store_url is required when store_backend is postgres")
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(c.ChatsDir(), 0o750); err != nil {
		return fmt.Errorf("create chats dir: %w", err)
	}
	if err := os.MkdirAll(c.OutputRoot, 0o750); err != nil {
		return fmt.Errorf("create output root: %w", err)
	}
	return nil
}

// DBPath returns the SQLite database path, used when StoreBackend is sqlite.
func (c *Config) DBPath() string {
	if c.JobStoreURL != "" {
		return c.JobStoreURL
	}
	return filepath.Join(c.DataDir, "finchat.db")
}

// ChatsDir returns the directory holding one JSON transcript file per chat.
func (c *Config) ChatsDir() string {
	return filepath.Join(c.DataDir, "chats")
}

// TraceDir returns the directory holding raw agent-runner trace files.
func (c *Config) TraceDir() string {
	return filepath.Join(c.OutputRoot, "opencode")
}
