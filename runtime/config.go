// Package runtime wires the GeoNetworking/BTP/DENM/security core into a
// runnable process: YAML configuration, the central Poll(now)
// orchestrator, Prometheus metrics, and goroutine supervision around the
// otherwise single-threaded core.
package runtime

import (
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/veloce/veloce/conformance"
	"github.com/veloce/veloce/denm"
	"github.com/veloce/veloce/gnet"
	"github.com/veloce/veloce/security"
)

// LinkConfig selects and configures the LinkDriver a Process runs.
type LinkConfig struct {
	// Kind is "udp" or "pcap".
	Kind string `yaml:"kind"`

	// UDP fields.
	ListenAddr string `yaml:"listen_addr"`
	DestAddr   string `yaml:"dest_addr"`

	// Pcap fields.
	Iface string `yaml:"iface"`
}

// MetricsConfig configures the Prometheus HTTP exporter.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the complete, construction-time-only configuration tree for
// a Veloce process: one struct per layer plus the runtime-only fields
// tying them to an actual link.
type Config struct {
	StationID uint32 `yaml:"station_id"`

	GN       gnet.Config     `yaml:"gn"`
	DENM     denm.Config     `yaml:"denm"`
	Security security.Config `yaml:"security"`

	Link        LinkConfig         `yaml:"link"`
	Conformance conformance.Config `yaml:"conformance"`
	Metrics     MetricsConfig      `yaml:"metrics"`

	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultPollInterval bounds how long Process.Run will sleep between
// Poll(now) calls when no component has a sooner scheduled deadline; it
// is the idle heartbeat, not the steady-state cadence.
const DefaultPollInterval = 1 * time.Second

// DefaultConfig returns a Config with every layer's documented defaults
// applied, mirroring sptp/client.ReadConfig's seeding of
// MetricsAggregationWindow before the YAML overlay is applied.
func DefaultConfig() Config {
	return Config{
		GN:           gnet.DefaultConfig(),
		DENM:         denm.DefaultConfig(),
		Security:     security.DefaultConfig(),
		Conformance:  conformance.DefaultConfig(),
		PollInterval: DefaultPollInterval,
		Metrics:      MetricsConfig{ListenAddr: ":9100"},
	}
}

// ReadConfig reads and unmarshals a Config from path, applying defaults
// first so a YAML document only needs to override the tunables it cares
// about.
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
