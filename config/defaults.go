package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Log:        DefaultLogConfig(),
		Store:      DefaultStoreConfig(),
		Database:   DefaultDatabaseConfig(),
		Checkpoint: DefaultCheckpointConfig(),
		Engine:     DefaultEngineConfig(),
		Reasoner:   DefaultReasonerConfig(),
		Registry:   DefaultRegistryConfig(),
		Metrics:    DefaultMetricsConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultLogConfig returns the default log configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stderr"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultStoreConfig keeps checkpoints and sessions in a local SQLite file.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Target:        "sqlite://layerflow.db",
		SessionTarget: "sqlite://layerflow.db",
		Namespace:     "",
		KeyPrefix:     "layerflow:",
		TTL:           0,
	}
}

// DefaultDatabaseConfig returns the default SQL pool settings.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		AutoMigrate:     true,
	}
}

// DefaultCheckpointConfig checkpoints after every stage.
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		DefaultMode:   "auto",
		Interval:      30 * time.Second,
		TerminalNodes: []string{"respond"},
	}
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxWorkers:  4,
		TaskTimeout: 5 * time.Minute,
	}
}

// DefaultReasonerConfig uses the offline scripted provider.
func DefaultReasonerConfig() ReasonerConfig {
	return ReasonerConfig{
		Provider:      "scripted",
		Model:         "gpt-4o-mini",
		Temperature:   0.2,
		MaxTokens:     2048,
		ContextTokens: 6000,
		Timeout:       2 * time.Minute,
		RateLimitRPS:  0,
		Burst:         1,
	}
}

// DefaultRegistryConfig returns the default unit selection weights.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		PrimaryBonus:    1.0,
		SecondaryBonus:  0.5,
		PriorityWeight:  0.1,
		PreferenceBonus: 0.5,
		HistoryWeight:   0.3,
	}
}

// DefaultMetricsConfig returns the default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   false,
		Namespace: "layerflow",
		Addr:      ":9091",
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "layerflow",
		SampleRate:   0.1,
	}
}
