package config

import (
	"time"

	"github.com/solar-fleet/sfc/internal/telemetry"
)

// Config is the complete console configuration.
type Config struct {
	Stream    StreamConfig    `yaml:"stream" envPrefix:"STREAM_"`
	Actions   ActionsConfig   `yaml:"actions" envPrefix:"ACTIONS_"`
	Reconcile ReconcileConfig `yaml:"reconcile" envPrefix:"RECONCILE_"`
	API       APIConfig       `yaml:"api" envPrefix:"API_"`
	Feed      FeedConfig      `yaml:"feed" envPrefix:"FEED_"`
	Audit     AuditConfig     `yaml:"audit" envPrefix:"AUDIT_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
}

// StreamConfig holds telemetry push stream settings.
type StreamConfig struct {
	URL              string        `yaml:"url" env:"URL"`
	ReconnectDelay   time.Duration `yaml:"reconnectDelay" env:"RECONNECT_DELAY"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout" env:"HANDSHAKE_TIMEOUT"`
	// ReadTimeout is the longest silence tolerated before the session is
	// considered dropped. Zero disables the check.
	ReadTimeout     time.Duration `yaml:"readTimeout" env:"READ_TIMEOUT"`
	MaxMessageBytes int64         `yaml:"maxMessageBytes" env:"MAX_MESSAGE_BYTES"`
}

// ActionsConfig holds remote action API settings.
type ActionsConfig struct {
	BaseURL   string        `yaml:"baseUrl" env:"BASE_URL"`
	UnitPath  string        `yaml:"unitPath" env:"UNIT_PATH"`
	GroupPath string        `yaml:"groupPath" env:"GROUP_PATH"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// TokenSecret enables HS256 bearer tokens on outgoing calls when set.
	TokenSecret  string        `yaml:"tokenSecret" env:"TOKEN_SECRET"`
	TokenSubject string        `yaml:"tokenSubject" env:"TOKEN_SUBJECT"`
	TokenTTL     time.Duration `yaml:"tokenTtl" env:"TOKEN_TTL"`
}

// ReconcileConfig holds override timing and projection defaults.
type ReconcileConfig struct {
	InFlightVisual time.Duration `yaml:"inFlightVisual" env:"IN_FLIGHT_VISUAL"`
	Suppression    time.Duration `yaml:"suppression" env:"SUPPRESSION"`

	BaselineEfficiency    float64 `yaml:"baselineEfficiency" env:"BASELINE_EFFICIENCY"`
	BaselineContamination float64 `yaml:"baselineContamination" env:"BASELINE_CONTAMINATION"`
	NominalVoltage        float64 `yaml:"nominalVoltage" env:"NOMINAL_VOLTAGE"`
	NominalCurrent        float64 `yaml:"nominalCurrent" env:"NOMINAL_CURRENT"`

	MaxContamination float64 `yaml:"maxContamination" env:"MAX_CONTAMINATION"`
	MinEfficiency    float64 `yaml:"minEfficiency" env:"MIN_EFFICIENCY"`
}

// Thresholds returns the needs-action rule configured for the fleet.
func (r ReconcileConfig) Thresholds() telemetry.Thresholds {
	return telemetry.Thresholds{
		MaxContamination: r.MaxContamination,
		MinEfficiency:    r.MinEfficiency,
	}
}

// APIConfig holds HTTP API settings.
type APIConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
	// AuthSecret enables bearer token verification when set.
	AuthSecret      string        `yaml:"authSecret" env:"AUTH_SECRET"`
	ActionRate      float64       `yaml:"actionRate" env:"ACTION_RATE"`
	ActionBurst     int           `yaml:"actionBurst" env:"ACTION_BURST"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT"`
}

// FeedConfig holds view feed (SSE) settings.
type FeedConfig struct {
	BufferSize int           `yaml:"bufferSize" env:"BUFFER_SIZE"`
	Heartbeat  time.Duration `yaml:"heartbeat" env:"HEARTBEAT"`
}

// AuditConfig holds audit log rotation settings.
type AuditConfig struct {
	Dir        string `yaml:"dir" env:"DIR"`
	MaxSizeMB  int    `yaml:"maxSizeMb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"maxBackups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"maxAgeDays" env:"MAX_AGE_DAYS"`
	Compress   bool   `yaml:"compress" env:"COMPRESS"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Stream: StreamConfig{
			URL:              "ws://localhost:8000/ws",
			ReconnectDelay:   3 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			ReadTimeout:      30 * time.Second,
			MaxMessageBytes:  1 << 20,
		},
		Actions: ActionsConfig{
			BaseURL:      "http://localhost:8000",
			UnitPath:     "/api/clean/{id}",
			GroupPath:    "/api/sectors/{id}/clean",
			Timeout:      10 * time.Second,
			TokenSubject: "sfc",
			TokenTTL:     5 * time.Minute,
		},
		Reconcile: ReconcileConfig{
			InFlightVisual:        2 * time.Second,
			Suppression:           10 * time.Second,
			BaselineEfficiency:    95,
			BaselineContamination: 100,
			NominalVoltage:        19.5,
			NominalCurrent:        5,
			MaxContamination:      telemetry.DefaultThresholds.MaxContamination,
			MinEfficiency:         telemetry.DefaultThresholds.MinEfficiency,
		},
		API: APIConfig{
			Addr:            ":8080",
			ActionRate:      5,
			ActionBurst:     10,
			ShutdownTimeout: 5 * time.Second,
		},
		Feed: FeedConfig{
			BufferSize: 1024,
			Heartbeat:  15 * time.Second,
		},
		Audit: AuditConfig{
			Dir:        "logs",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
