// Package config loads the router's tunable parameters from YAML,
// turning the reference source's compile-time #define constants into
// runtime configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config mirrors the reference source's compile-time knobs (§6 of the
// spec): DUTYCYCLE_SLEEP_INTERVAL, NETDEV_PKT_QUEUE_SIZE,
// NEIGHBOR_TABLE_SIZE, ENABLE_BROADCAST_QUEUEING, ROUTER.
type Config struct {
	// QueueSize is Q, the PPQ capacity.
	QueueSize int `yaml:"queue_size"`
	// NeighborTableSize is N, the neighbor table capacity.
	NeighborTableSize int `yaml:"neighbor_table_size"`
	// SleepInterval is the duty-cycled sleep window the BHT holds a
	// broadcast for.
	SleepInterval Duration `yaml:"sleep_interval"`
	// BroadcastQueueing selects broadcast-queueing mode over the
	// default immediate-broadcast mode.
	BroadcastQueueing bool `yaml:"broadcast_queueing"`
	// Router must be true; the leaf-node counterpart MAC is out of
	// scope for this module and is rejected at load time.
	Router bool `yaml:"router"`

	// MaxPDU bounds the size of a single received frame's payload.
	MaxPDU int `yaml:"max_pdu"`

	Serial SerialConfig `yaml:"serial"`
}

// Duration is a time.Duration that unmarshals from YAML the way a human
// writes one ("500ms", "1m30s") rather than the bare integer nanosecond
// count yaml.v3 would otherwise require.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		var ns int64
		if err := value.Decode(&ns); err != nil {
			return fmt.Errorf("config: sleep_interval must be a duration string or nanosecond count")
		}
		*d = Duration(ns)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: parsing sleep_interval: %w", err)
	}
	*d = Duration(parsed)
	return nil
}

// SerialConfig configures the NPI-over-serial netdev transport.
type SerialConfig struct {
	Path string `yaml:"path"`
	Baud uint   `yaml:"baud"`
}

// Default returns the reference source's documented reference values:
// Q=64, N=10, sleep interval 500ms, immediate-broadcast mode, router
// role.
func Default() Config {
	return Config{
		QueueSize:         64,
		NeighborTableSize: 10,
		SleepInterval:     Duration(500 * time.Millisecond),
		BroadcastQueueing: false,
		Router:            true,
		MaxPDU:            256,
		Serial:            SerialConfig{Baud: 115200},
	}
}

// Load reads and parses a YAML config file, filling in any field left
// unset by the file with Default()'s value.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations this module cannot run as.
func (c Config) Validate() error {
	if !c.Router {
		return fmt.Errorf("config: router=false selects the leaf-node MAC, which this module does not implement")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("config: queue_size must be positive")
	}
	if c.NeighborTableSize <= 0 {
		return fmt.Errorf("config: neighbor_table_size must be positive")
	}
	return nil
}
