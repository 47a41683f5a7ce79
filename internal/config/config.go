package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Delivery      DeliveryConfig      `yaml:"delivery"`
	Aggregation   AggregationConfig   `yaml:"aggregation"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// DeliveryConfig tunes the serving path: trace correlation, request logging,
// and anonymous event acceptance.
type DeliveryConfig struct {
	// TraceTTL bounds how long a served trace id stays attributable.
	TraceTTL time.Duration `yaml:"trace_ttl"`
	// TraceCapacity bounds the in-memory trace context store.
	TraceCapacity int `yaml:"trace_capacity"`
	// BodyMaxSize caps captured request and response bodies in bytes.
	BodyMaxSize int `yaml:"body_max_size"`
	// LogBufferSize is the capacity of the async request log queue.
	LogBufferSize int `yaml:"log_buffer_size"`
	// AnonymousEvents accepts tracked events whose trace id is unknown
	// instead of rejecting them.
	AnonymousEvents bool `yaml:"anonymous_events"`
}

// AggregationConfig controls the background stats scheduler.
type AggregationConfig struct {
	Enabled bool `yaml:"enabled"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "promptlane-delivery"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./data/promptlane.db",
		},
		Delivery: DeliveryConfig{
			TraceTTL:        720 * time.Hour,
			TraceCapacity:   100_000,
			BodyMaxSize:     64 << 10,
			LogBufferSize:   256,
			AnonymousEvents: false,
		},
		Aggregation: AggregationConfig{
			Enabled: true,
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			// Reject multi-document configs to keep runtime configuration
			// unambiguous and avoid hidden trailing documents.
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	driver := strings.TrimSpace(cfg.Storage.Driver)
	switch driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres (got %q)", cfg.Storage.Driver)
	}

	if cfg.Delivery.TraceTTL <= 0 {
		return fmt.Errorf("delivery.trace_ttl must be > 0 (got %v)", cfg.Delivery.TraceTTL)
	}
	if cfg.Delivery.TraceCapacity <= 0 {
		return fmt.Errorf("delivery.trace_capacity must be > 0 (got %d)", cfg.Delivery.TraceCapacity)
	}
	if cfg.Delivery.BodyMaxSize <= 0 {
		return fmt.Errorf("delivery.body_max_size must be > 0 (got %d)", cfg.Delivery.BodyMaxSize)
	}
	if cfg.Delivery.LogBufferSize <= 0 {
		return fmt.Errorf("delivery.log_buffer_size must be > 0 (got %d)", cfg.Delivery.LogBufferSize)
	}

	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}

	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("PROMPTLANE_HOST"); host != "" {
		cfg.Server.Host = host
	}

	if port := os.Getenv("PROMPTLANE_PORT"); port != "" {
		v, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid PROMPTLANE_PORT: %w", err)
		}
		cfg.Server.Port = v
	}

	if storageDriver := os.Getenv("PROMPTLANE_STORAGE_DRIVER"); storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}
	if storagePath := os.Getenv("PROMPTLANE_STORAGE_PATH"); storagePath != "" {
		cfg.Storage.Path = storagePath
	}
	if storageDSN := os.Getenv("PROMPTLANE_STORAGE_DSN"); storageDSN != "" {
		cfg.Storage.DSN = storageDSN
	}

	if traceTTL := os.Getenv("PROMPTLANE_TRACE_TTL"); traceTTL != "" {
		v, err := time.ParseDuration(traceTTL)
		if err != nil {
			return fmt.Errorf("invalid PROMPTLANE_TRACE_TTL: %w", err)
		}
		cfg.Delivery.TraceTTL = v
	}
	if traceCapacity := os.Getenv("PROMPTLANE_TRACE_CAPACITY"); traceCapacity != "" {
		v, err := strconv.Atoi(traceCapacity)
		if err != nil {
			return fmt.Errorf("invalid PROMPTLANE_TRACE_CAPACITY: %w", err)
		}
		cfg.Delivery.TraceCapacity = v
	}
	if bodyMaxSize := os.Getenv("PROMPTLANE_BODY_MAX_SIZE"); bodyMaxSize != "" {
		v, err := strconv.Atoi(bodyMaxSize)
		if err != nil {
			return fmt.Errorf("invalid PROMPTLANE_BODY_MAX_SIZE: %w", err)
		}
		cfg.Delivery.BodyMaxSize = v
	}
	if logBufferSize := os.Getenv("PROMPTLANE_LOG_BUFFER_SIZE"); logBufferSize != "" {
		v, err := strconv.Atoi(logBufferSize)
		if err != nil {
			return fmt.Errorf("invalid PROMPTLANE_LOG_BUFFER_SIZE: %w", err)
		}
		cfg.Delivery.LogBufferSize = v
	}
	if anonymousEvents := os.Getenv("PROMPTLANE_ANONYMOUS_EVENTS"); anonymousEvents != "" {
		v, err := strconv.ParseBool(anonymousEvents)
		if err != nil {
			return fmt.Errorf("invalid PROMPTLANE_ANONYMOUS_EVENTS: %w", err)
		}
		cfg.Delivery.AnonymousEvents = v
	}
	if aggregationEnabled := os.Getenv("PROMPTLANE_AGGREGATION_ENABLED"); aggregationEnabled != "" {
		v, err := strconv.ParseBool(aggregationEnabled)
		if err != nil {
			return fmt.Errorf("invalid PROMPTLANE_AGGREGATION_ENABLED: %w", err)
		}
		cfg.Aggregation.Enabled = v
	}

	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Observability.OTel.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Observability.OTel.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Observability.OTel.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.Observability.OTel.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.TracesEnabled = enabled
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.MetricsEnabled = enabled
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.Observability.OTel.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.Observability.OTel.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.Observability.OTel.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Observability.OTel.Enabled = true
	}

	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}
