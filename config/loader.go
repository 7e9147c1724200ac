// =============================================================================
// layerflow configuration loader
// =============================================================================
// YAML file plus environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("layerflow.yaml").
//	    WithEnvPrefix("LAYERFLOW").
//	    Load()
//
// Precedence: defaults -> YAML file -> environment
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete layerflow configuration.
type Config struct {
	Log        LogConfig        `yaml:"log" env:"LOG"`
	Store      StoreConfig      `yaml:"store" env:"STORE"`
	Database   DatabaseConfig   `yaml:"database" env:"DATABASE"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" env:"CHECKPOINT"`
	Engine     EngineConfig     `yaml:"engine" env:"ENGINE"`
	Reasoner   ReasonerConfig   `yaml:"reasoner" env:"REASONER"`
	Registry   RegistryConfig   `yaml:"registry" env:"REGISTRY"`
	Metrics    MetricsConfig    `yaml:"metrics" env:"METRICS"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" env:"TELEMETRY"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// json or console
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// StoreConfig selects the checkpoint and session stores.
type StoreConfig struct {
	// Target is the checkpoint store URL: memory://, redis://, postgres://,
	// mysql://, sqlite:// or mongodb://.
	Target string `yaml:"target" env:"TARGET"`
	// SessionTarget is the session metadata store URL: memory:// or a SQL URL.
	SessionTarget string        `yaml:"session_target" env:"SESSION_TARGET"`
	Namespace     string        `yaml:"namespace" env:"NAMESPACE"`
	KeyPrefix     string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	TTL           time.Duration `yaml:"ttl" env:"TTL"`
}

// DatabaseConfig holds SQL connection pool settings.
type DatabaseConfig struct {
	MaxOpenConns        int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns        int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime     time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime     time.Duration `yaml:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
	AutoMigrate         bool          `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// UnitCheckpointConfig overrides the checkpoint policy for one unit.
type UnitCheckpointConfig struct {
	Mode          string        `yaml:"mode"`
	Interval      time.Duration `yaml:"interval"`
	TerminalNodes []string      `yaml:"terminal_nodes"`
}

// CheckpointConfig holds the default checkpoint policy and per-unit overrides.
type CheckpointConfig struct {
	// none, manual, auto, periodic or on_complete
	DefaultMode   string                          `yaml:"default_mode" env:"DEFAULT_MODE"`
	Interval      time.Duration                   `yaml:"interval" env:"INTERVAL"`
	TerminalNodes []string                        `yaml:"terminal_nodes" env:"TERMINAL_NODES"`
	Units         map[string]UnitCheckpointConfig `yaml:"units" env:"-"`
}

// EngineConfig tunes the pipeline engine.
type EngineConfig struct {
	MaxWorkers  int           `yaml:"max_workers" env:"MAX_WORKERS"`
	TaskTimeout time.Duration `yaml:"task_timeout" env:"TASK_TIMEOUT"`
	// StrictDecoding rejects malformed task items from the reasoner.
	StrictDecoding              bool `yaml:"strict_decoding" env:"STRICT_DECODING"`
	RequireApprovalAfterExecute bool `yaml:"require_approval_after_execute" env:"REQUIRE_APPROVAL_AFTER_EXECUTE"`
}

// ReasonerConfig selects and tunes the reasoning service.
type ReasonerConfig struct {
	// scripted or openai
	Provider      string        `yaml:"provider" env:"PROVIDER"`
	Model         string        `yaml:"model" env:"MODEL"`
	APIKey        string        `yaml:"api_key" env:"API_KEY"`
	BaseURL       string        `yaml:"base_url" env:"BASE_URL"`
	Temperature   float64       `yaml:"temperature" env:"TEMPERATURE"`
	MaxTokens     int           `yaml:"max_tokens" env:"MAX_TOKENS"`
	ContextTokens int           `yaml:"context_tokens" env:"CONTEXT_TOKENS"`
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
	RateLimitRPS  float64       `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	Burst         int           `yaml:"burst" env:"BURST"`
}

// RegistryConfig holds unit selection weights.
type RegistryConfig struct {
	PrimaryBonus    float64 `yaml:"primary_bonus" env:"PRIMARY_BONUS"`
	SecondaryBonus  float64 `yaml:"secondary_bonus" env:"SECONDARY_BONUS"`
	PriorityWeight  float64 `yaml:"priority_weight" env:"PRIORITY_WEIGHT"`
	PreferenceBonus float64 `yaml:"preference_bonus" env:"PREFERENCE_BONUS"`
	HistoryWeight   float64 `yaml:"history_weight" env:"HISTORY_WEIGHT"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	Addr      string `yaml:"addr" env:"ADDR"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// Loader
// =============================================================================

// Loader builds a Config.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the LAYERFLOW env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "LAYERFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a validator run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// A missing file leaves the defaults in place.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// comma separated
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads the configuration or panics.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

var (
	checkpointModes = []string{"none", "manual", "auto", "periodic", "on_complete"}
	logLevels       = []string{"debug", "info", "warn", "error"}
	providers       = []string{"scripted", "openai"}
)

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains(logLevels, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level %q is not one of %v", c.Log.Level, logLevels))
	}
	if c.Store.Target == "" {
		errs = append(errs, errors.New("store.target is required"))
	}
	if !slices.Contains(checkpointModes, c.Checkpoint.DefaultMode) {
		errs = append(errs, fmt.Errorf("checkpoint.default_mode %q is not one of %v", c.Checkpoint.DefaultMode, checkpointModes))
	}
	for unit, u := range c.Checkpoint.Units {
		if u.Mode != "" && !slices.Contains(checkpointModes, u.Mode) {
			errs = append(errs, fmt.Errorf("checkpoint.units.%s.mode %q is not one of %v", unit, u.Mode, checkpointModes))
		}
	}
	if c.Engine.MaxWorkers <= 0 {
		errs = append(errs, errors.New("engine.max_workers must be positive"))
	}
	if !slices.Contains(providers, c.Reasoner.Provider) {
		errs = append(errs, fmt.Errorf("reasoner.provider %q is not one of %v", c.Reasoner.Provider, providers))
	}
	if c.Reasoner.Temperature < 0 || c.Reasoner.Temperature > 2 {
		errs = append(errs, errors.New("reasoner.temperature must be between 0 and 2"))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, errors.New("telemetry.sample_rate must be between 0 and 1"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %w", errors.Join(errs...))
	}
	return nil
}
