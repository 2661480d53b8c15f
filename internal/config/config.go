// Package config loads the daemon configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Protocol ProtocolConfig `yaml:"protocol"`
	API      APIConfig      `yaml:"api"`
	Log      LogConfig      `yaml:"log"`
}

type NodeConfig struct {
	DataDir   string   `yaml:"data_dir"`
	Listen    string   `yaml:"listen"`
	Bootstrap []string `yaml:"bootstrap"`
}

// ProtocolConfig holds the protocol timers and buffer sizes.
type ProtocolConfig struct {
	// ElectionTimeout is how long after a new neighbor appears before the
	// node checks whether a round is active.
	ElectionTimeout time.Duration `yaml:"election_timeout"`
	// StaleRoundAfter is the age beyond which the active round is considered
	// dead and a fresh election is started.
	StaleRoundAfter     time.Duration `yaml:"stale_round_after"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	DTNCapacity         int           `yaml:"dtn_capacity"`
	RebuildOnHello      bool          `yaml:"rebuild_on_hello"`
	MessageTTL          int           `yaml:"message_ttl"`
	SeenExpiry          time.Duration `yaml:"seen_expiry"`
}

type APIConfig struct {
	// Listen is the HTTP control API address; empty disables the API.
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// Default returns the configuration used when no file is given.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Node: NodeConfig{
			DataDir: filepath.Join(home, ".meshdtn"),
			Listen:  "0.0.0.0:4242",
		},
		Protocol: DefaultProtocol(),
		API:      APIConfig{Listen: "127.0.0.1:8088"},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// DefaultProtocol returns the protocol defaults.
func DefaultProtocol() ProtocolConfig {
	return ProtocolConfig{
		ElectionTimeout:     5 * time.Second,
		StaleRoundAfter:     8 * time.Second,
		MaintenanceInterval: 15 * time.Second,
		DTNCapacity:         5,
		RebuildOnHello:      true,
		MessageTTL:          16,
		SeenExpiry:          60 * time.Second,
	}
}

// Load reads path over the defaults. Fields absent from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	p := c.Protocol
	var errs []error
	if p.ElectionTimeout <= 0 {
		errs = append(errs, errors.New("protocol.election_timeout must be positive"))
	}
	if p.StaleRoundAfter <= 0 {
		errs = append(errs, errors.New("protocol.stale_round_after must be positive"))
	}
	if p.MaintenanceInterval <= 0 {
		errs = append(errs, errors.New("protocol.maintenance_interval must be positive"))
	}
	if p.DTNCapacity <= 0 {
		errs = append(errs, errors.New("protocol.dtn_capacity must be positive"))
	}
	if p.MessageTTL <= 0 {
		errs = append(errs, errors.New("protocol.message_ttl must be positive"))
	}
	if c.Node.DataDir == "" {
		errs = append(errs, errors.New("node.data_dir is required"))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
