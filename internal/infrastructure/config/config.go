package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/outbreaklab/epidemic-forecast-backend/internal/provider"
)

// Config is the full daemon configuration. Values come from struct defaults,
// then an optional YAML file, then EFB_-prefixed environment variables.
type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment" validate:"oneof=development staging production"`
	LogLevel    string `koanf:"log_level" validate:"oneof=debug info warn error"`

	Providers ProvidersConfig `koanf:"providers"`
	Failover  FailoverConfig  `koanf:"failover"`
	Monitor   MonitorConfig   `koanf:"monitor"`
	Redis     RedisConfig     `koanf:"redis"`
	Database  DatabaseConfig  `koanf:"database"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

// ProvidersConfig holds the fixed priority list and per-provider settings.
// Providers are supplied at construction time only; the core never discovers
// them dynamically.
type ProvidersConfig struct {
	Priority []string `koanf:"priority" validate:"min=1,dive,oneof=openai gemini claude mistral cohere"`

	OpenAI  provider.OpenAIConfig  `koanf:"openai"`
	Gemini  provider.GeminiConfig  `koanf:"gemini"`
	Claude  provider.ClaudeConfig  `koanf:"claude"`
	Mistral provider.MistralConfig `koanf:"mistral"`
	Cohere  provider.CohereConfig  `koanf:"cohere"`
}

type FailoverConfig struct {
	FailureThreshold int           `koanf:"failure_threshold" validate:"min=1"`
	RequestTimeout   time.Duration `koanf:"request_timeout"`
	StateFile        string        `koanf:"state_file"`
	AuditCapacity    int           `koanf:"audit_capacity" validate:"min=1"`
	HorizonDays      int           `koanf:"horizon_days" validate:"min=1,max=30"`
}

type MonitorConfig struct {
	Interval             time.Duration `koanf:"interval"`
	Window               time.Duration `koanf:"window"`
	ProbeTimeout         time.Duration `koanf:"probe_timeout"`
	DegradedThresholdPct float64       `koanf:"degraded_threshold_pct" validate:"min=0,max=100"`
	RingCapacity         int           `koanf:"ring_capacity" validate:"min=1"`
}

type RedisConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	StateKey string `koanf:"state_key"`
}

type DatabaseConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
}

type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// Load reads configuration from defaults, an optional YAML file, and the
// environment, then validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Providers: ProvidersConfig{
			Priority: []string{"openai", "gemini", "claude", "mistral", "cohere"},
		},
		Failover: FailoverConfig{
			FailureThreshold: 3,
			RequestTimeout:   60 * time.Second,
			StateFile:        "data/provider_lock.json",
			AuditCapacity:    1000,
			HorizonDays:      7,
		},
		Monitor: MonitorConfig{
			Interval:             300 * time.Second,
			Window:               300 * time.Second,
			ProbeTimeout:         10 * time.Second,
			DegradedThresholdPct: 50,
			RingCapacity:         256,
		},
		Redis: RedisConfig{
			StateKey: "efb:failover:lock_state",
		},
		Metrics: MetricsConfig{
			Addr: ":9097",
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Double underscore separates nesting levels so keys like log_level
	// survive: EFB_FAILOVER__FAILURE_THRESHOLD -> failover.failure_threshold.
	if err := k.Load(env.Provider("EFB_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "EFB_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}
