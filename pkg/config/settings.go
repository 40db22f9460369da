package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/udohsolomon/converge/pkg/stores"
)

// Settings is the engine's runtime configuration, loaded from YAML. It
// covers the state store backend, execution limits and telemetry; the
// desired topology itself lives in HCL documents.
type Settings struct {
	Store     StoreSettings     `yaml:"store"`
	Execution ExecutionSettings `yaml:"execution"`
	Logging   LoggingSettings   `yaml:"logging"`
	Metrics   MetricsSettings   `yaml:"metrics"`
	Tracing   TracingSettings   `yaml:"tracing"`
}

// StoreSettings selects and configures the state store backend.
type StoreSettings struct {
	// Backend is one of memory, sqlite, postgres.
	Backend string `yaml:"backend" validate:"required,oneof=memory sqlite postgres"`

	// Path is the database file for the sqlite backend.
	Path string `yaml:"path" validate:"required_if=Backend sqlite"`

	// URL is the connection string for the postgres backend.
	URL string `yaml:"url" validate:"required_if=Backend postgres"`
}

// ExecutionSettings bounds execution passes.
type ExecutionSettings struct {
	// Parallelism is the maximum number of concurrent provider calls.
	Parallelism int `yaml:"parallelism" validate:"gte=0"`

	// NodeTimeout bounds each remote operation. Zero means no limit.
	NodeTimeout Duration `yaml:"node_timeout"`

	// RetryAttempts is the total number of tries for retryable provider
	// failures, including the first.
	RetryAttempts int `yaml:"retry_attempts" validate:"gte=0,lte=10"`
}

// LoggingSettings configures structured logging.
type LoggingSettings struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
	Output string `yaml:"output"`
}

// MetricsSettings configures the optional Prometheus endpoint.
type MetricsSettings struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// TracingSettings configures optional distributed tracing.
type TracingSettings struct {
	Enabled bool `yaml:"enabled"`

	// Exporter is one of otlp, stdout, none.
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP collector address for the otlp exporter.
	Endpoint string `yaml:"endpoint" validate:"required_if=Exporter otlp"`

	// SamplingRate is the fraction of passes to trace.
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// AsDuration returns the underlying time.Duration.
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

// DefaultSettings returns the settings used when no file is given.
func DefaultSettings() *Settings {
	return &Settings{
		Store: StoreSettings{
			Backend: "sqlite",
			Path:    "converge.db",
		},
		Execution: ExecutionSettings{
			Parallelism:   10,
			NodeTimeout:   Duration(5 * time.Minute),
			RetryAttempts: 3,
		},
		Logging: LoggingSettings{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsSettings{
			ListenAddress: ":9090",
		},
		Tracing: TracingSettings{
			Exporter:     "stdout",
			SamplingRate: 1.0,
		},
	}
}

// LoadSettings reads settings from a YAML file, filling unset fields with
// defaults and validating the result.
func LoadSettings(path string) (*Settings, error) {
	settings := DefaultSettings()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings file: %w", err)
		}
		if err := yaml.Unmarshal(data, settings); err != nil {
			return nil, fmt.Errorf("failed to parse settings file: %w", err)
		}
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// Validate checks settings consistency.
func (s *Settings) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// OpenStore builds the configured state store backend. The caller owns
// Init and Close.
func (s *Settings) OpenStore() (stores.Store, error) {
	switch s.Store.Backend {
	case "memory":
		return stores.NewMemoryStore(), nil
	case "sqlite":
		return stores.NewSQLiteStore(stores.SQLiteConfig{Path: s.Store.Path})
	case "postgres":
		return stores.NewPostgresStore(s.Store.URL)
	default:
		return nil, fmt.Errorf("unknown store backend %q", s.Store.Backend)
	}
}
