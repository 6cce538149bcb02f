// ABOUTME: YAML configuration file for the netclock binaries
// ABOUTME: Values here sit under command line flags, which win when set
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Resonate-Protocol/netclock-go/internal/logging"
	"github.com/Resonate-Protocol/netclock-go/pkg/sync"
	"gopkg.in/yaml.v3"
)

// Config is the whole configuration file.
type Config struct {
	Sync   sync.Config    `yaml:"sync"`
	Log    logging.Config `yaml:"log"`
	Server ServerConfig   `yaml:"server"`
	Client ClientConfig   `yaml:"client"`
	Sim    SimConfig      `yaml:"sim"`
}

// ServerConfig configures netclock-server.
type ServerConfig struct {
	Port              int     `yaml:"port"`
	Name              string  `yaml:"name"`
	MDNS              bool    `yaml:"mdns"`
	FrameRate         int     `yaml:"frame_rate"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// ClientConfig configures netclock-client.
type ClientConfig struct {
	Server      string `yaml:"server"`
	Name        string `yaml:"name"`
	FrameRate   int    `yaml:"frame_rate"`
	NTPServer   string `yaml:"ntp_server"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// SimConfig configures netclock-sim.
type SimConfig struct {
	Duration  time.Duration `yaml:"duration"`
	Latency   time.Duration `yaml:"latency"`
	Jitter    time.Duration `yaml:"jitter"`
	Loss      float64       `yaml:"loss"`
	Reorder   float64       `yaml:"reorder"`
	Offset    time.Duration `yaml:"offset"`
	Tolerance time.Duration `yaml:"tolerance"`
	FrameRate int           `yaml:"frame_rate"`
	Clients   int           `yaml:"clients"`
	Seed      int64         `yaml:"seed"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Sync: sync.DefaultConfig(),
		Log:  logging.DefaultConfig(""),
		Server: ServerConfig{
			Port:              8927,
			Name:              "netclock-server",
			MDNS:              true,
			FrameRate:         100,
			RequestsPerSecond: 20,
			Burst:             5,
		},
		Client: ClientConfig{
			FrameRate: 60,
		},
		Sim: SimConfig{
			Duration:  30 * time.Second,
			Latency:   25 * time.Millisecond,
			Jitter:    10 * time.Millisecond,
			Loss:      0.05,
			Reorder:   0.05,
			Offset:    10 * time.Second,
			Tolerance: 20 * time.Millisecond,
			FrameRate: 60,
			Clients:   1,
			Seed:      1,
		},
	}
}

// Load reads a YAML file. Keys absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.Sync = c.Sync.WithDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}
	if c.Server.FrameRate <= 0 || c.Client.FrameRate <= 0 || c.Sim.FrameRate <= 0 {
		return fmt.Errorf("frame rates must be positive")
	}
	if c.Server.RequestsPerSecond <= 0 || c.Server.Burst <= 0 {
		return fmt.Errorf("server: rate limit must be positive")
	}
	if c.Sim.Clients <= 0 {
		return fmt.Errorf("sim: need at least one client")
	}
	if c.Sim.Loss < 0 || c.Sim.Loss >= 1 || c.Sim.Reorder < 0 || c.Sim.Reorder > 1 {
		return fmt.Errorf("sim: loss must be in [0, 1) and reorder in [0, 1]")
	}
	return nil
}
