package farmsim

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"
)

// Modes.
const (
	ModeNormal   = "normal"
	ModeDegraded = "degraded"
	ModeOffline  = "offline"
)

// Config is the simulator configuration.
type Config struct {
	Network NetworkConfig `yaml:"network" envPrefix:"NETWORK_"`
	Farm    FarmConfig    `yaml:"farm" envPrefix:"FARM_"`
	Timing  TimingConfig  `yaml:"timing" envPrefix:"TIMING_"`
	Auth    AuthConfig    `yaml:"auth" envPrefix:"AUTH_"`
	Mode    string        `yaml:"mode" env:"MODE"`
}

// NetworkConfig holds listener settings.
type NetworkConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
	// MaintenanceCIDRs may switch the simulator mode.
	MaintenanceCIDRs []string `yaml:"maintenanceCidrs" env:"MAINTENANCE_CIDRS"`
}

// FarmConfig holds the generated farm layout.
type FarmConfig struct {
	SectorsPerSide int `yaml:"sectorsPerSide" env:"SECTORS_PER_SIDE"`
	TotalPanels    int `yaml:"totalPanels" env:"TOTAL_PANELS"`
	// Variation is the +/- panel count spread per sector.
	Variation int `yaml:"variation" env:"VARIATION"`
	// SampleSize is the number of panels carried in each push.
	SampleSize int `yaml:"sampleSize" env:"SAMPLE_SIZE"`
	// SummaryLimit caps the sector summaries per push. Zero sends all.
	SummaryLimit int `yaml:"summaryLimit" env:"SUMMARY_LIMIT"`
	// Seed fixes the random source. Zero seeds from the clock.
	Seed int64 `yaml:"seed" env:"SEED"`
}

// TimingConfig holds simulation rates.
type TimingConfig struct {
	PushInterval time.Duration `yaml:"pushInterval" env:"PUSH_INTERVAL"`
	TickInterval time.Duration `yaml:"tickInterval" env:"TICK_INTERVAL"`
	QueueTimeout time.Duration `yaml:"queueTimeout" env:"QUEUE_TIMEOUT"`
}

// AuthConfig enables bearer tokens on the action endpoints.
type AuthConfig struct {
	Secret string `yaml:"secret" env:"SECRET"`
}

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FARMSIM_"

// DefaultConfig returns the default simulator configuration.
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			Addr:             ":8000",
			MaintenanceCIDRs: []string{"127.0.0.0/8", "::1/128"},
		},
		Farm: FarmConfig{
			SectorsPerSide: 9,
			TotalPanels:    2700,
			Variation:      3,
			SampleSize:     10,
			SummaryLimit:   9,
		},
		Timing: TimingConfig{
			PushInterval: 3 * time.Second,
			TickInterval: 3 * time.Second,
			QueueTimeout: 5 * time.Second,
		},
		Mode: ModeNormal,
	}
}

// LoadConfig merges DefaultConfig + optional YAML file + FARMSIM_* env.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func validateConfig(cfg *Config) error {
	if !validMode(cfg.Mode) {
		return fmt.Errorf("invalid mode %s, must be one of: %v", cfg.Mode, []string{ModeNormal, ModeDegraded, ModeOffline})
	}
	if cfg.Farm.SectorsPerSide < 1 || cfg.Farm.SectorsPerSide > 26 {
		return fmt.Errorf("sectors per side %d is outside range [1, 26]", cfg.Farm.SectorsPerSide)
	}
	sectors := cfg.Farm.SectorsPerSide * cfg.Farm.SectorsPerSide
	if cfg.Farm.TotalPanels < sectors {
		return fmt.Errorf("total panels %d must be at least one per sector (%d)", cfg.Farm.TotalPanels, sectors)
	}
	if cfg.Farm.Variation < 0 || cfg.Farm.Variation >= cfg.Farm.TotalPanels/sectors {
		return fmt.Errorf("variation %d must be within [0, %d)", cfg.Farm.Variation, cfg.Farm.TotalPanels/sectors)
	}
	if cfg.Farm.SampleSize < 0 {
		return fmt.Errorf("sample size must be non-negative, got %d", cfg.Farm.SampleSize)
	}
	if cfg.Timing.PushInterval <= 0 || cfg.Timing.TickInterval <= 0 {
		return fmt.Errorf("push and tick intervals must be positive")
	}
	if cfg.Timing.QueueTimeout <= 0 {
		return fmt.Errorf("queue timeout must be positive, got %v", cfg.Timing.QueueTimeout)
	}
	for _, c := range cfg.Network.MaintenanceCIDRs {
		if _, _, err := net.ParseCIDR(c); err != nil {
			return fmt.Errorf("invalid maintenance cidr %q: %w", c, err)
		}
	}
	return nil
}

func validMode(mode string) bool {
	switch mode {
	case ModeNormal, ModeDegraded, ModeOffline:
		return true
	}
	return false
}
