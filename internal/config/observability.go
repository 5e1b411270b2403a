package config

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTelEnabled bool   `env:"RETRYD_OTEL_ENABLED"`
	ServiceName string `env:"RETRYD_OTEL_SERVICE_NAME"`
}
