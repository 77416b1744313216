package config

import (
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Monitor  MonitorConfig  `yaml:"monitor"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AuthToken      string   `yaml:"auth_token"`
}

type ProviderConfig struct {
	// PollInterval is how often the runtime provider samples memory
	// statistics.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxHeap is the process heap ceiling as a human-readable size
	// ("4GB", "512MiB"). Empty means unknown; the provider then falls
	// back to total system memory for percentage arithmetic.
	MaxHeap string `yaml:"max_heap"`
}

type MonitorConfig struct {
	// ScanInterval is the lifecycle scanner sweep interval for abandoned
	// registration handles.
	ScanInterval time.Duration `yaml:"scan_interval"`

	// SummaryInterval enables periodic usage-summary logging when
	// positive.
	SummaryInterval time.Duration `yaml:"summary_interval"`

	BroadcastThrottle time.Duration `yaml:"broadcast_throttle"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`

	// EventLogSize caps the in-memory log of routed events.
	EventLogSize int `yaml:"event_log_size"`

	// UsagePercent and CollectionPercent, when positive, arm the daemon's
	// own managed thresholds at startup.
	UsagePercent      int `yaml:"usage_percent"`
	CollectionPercent int `yaml:"collection_percent"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if _, err := cfg.MaxHeapBytes(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Provider: ProviderConfig{
			PollInterval: time.Second,
		},
		Monitor: MonitorConfig{
			ScanInterval:      10 * time.Second,
			SummaryInterval:   time.Minute,
			BroadcastThrottle: 100 * time.Millisecond,
			SnapshotInterval:  5 * time.Second,
			EventLogSize:      256,
		},
	}
}

// MaxHeapBytes parses the configured heap ceiling. Zero with a nil error
// means no ceiling was configured.
func (c *Config) MaxHeapBytes() (int64, error) {
	if c.Provider.MaxHeap == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.Provider.MaxHeap)
	if err != nil {
		return 0, fmt.Errorf("provider.max_heap: %w", err)
	}
	return n, nil
}
