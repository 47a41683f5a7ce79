package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Fatalf("server.host=%q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("server.port=%d, want 8080", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage.driver=%q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Delivery.TraceTTL != 720*time.Hour {
		t.Fatalf("delivery.trace_ttl=%v, want 720h", cfg.Delivery.TraceTTL)
	}
	if cfg.Delivery.TraceCapacity != 100_000 {
		t.Fatalf("delivery.trace_capacity=%d, want 100000", cfg.Delivery.TraceCapacity)
	}
	if cfg.Delivery.AnonymousEvents {
		t.Fatalf("delivery.anonymous_events=%v, want false", cfg.Delivery.AnonymousEvents)
	}
	if !cfg.Aggregation.Enabled {
		t.Fatalf("aggregation.enabled=%v, want true", cfg.Aggregation.Enabled)
	}
	if cfg.Observability.OTel.Enabled {
		t.Fatalf("observability.otel.enabled=%v, want false", cfg.Observability.OTel.Enabled)
	}
	if cfg.Observability.OTel.Endpoint != "localhost:4318" {
		t.Fatalf("observability.otel.endpoint=%q, want %q", cfg.Observability.OTel.Endpoint, "localhost:4318")
	}
	if cfg.Observability.OTel.ServiceName != "promptlane-delivery" {
		t.Fatalf("observability.otel.service_name=%q, want %q", cfg.Observability.OTel.ServiceName, "promptlane-delivery")
	}
	if cfg.Server.Address() != "0.0.0.0:8080" {
		t.Fatalf("server address=%q, want 0.0.0.0:8080", cfg.Server.Address())
	}
}

func TestLoadAppliesYAMLAndEnvOverrides(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "promptlane.yaml")
	configYAML := `server:
  host: 127.0.0.1
  port: 9090
storage:
  driver: sqlite
  path: /tmp/custom.db
delivery:
  trace_ttl: 48h
  trace_capacity: 5000
  body_max_size: 12345
  log_buffer_size: 512
  anonymous_events: false
aggregation:
  enabled: false
observability:
  otel:
    enabled: false
    endpoint: localhost:4318
    insecure: true
    service_name: yaml-delivery
    traces_enabled: true
    metrics_enabled: true
    sampling_ratio: 0.25
    export_timeout_ms: 2000
    metric_export_interval_ms: 15000
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("PROMPTLANE_PORT", "7070")
	t.Setenv("PROMPTLANE_TRACE_TTL", "24h")
	t.Setenv("PROMPTLANE_ANONYMOUS_EVENTS", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_SERVICE_NAME", "env-delivery")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.75")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("server.host=%q, want 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("server.port=%d, want 7070 (env override)", cfg.Server.Port)
	}
	if cfg.Delivery.TraceTTL != 24*time.Hour {
		t.Fatalf("delivery.trace_ttl=%v, want 24h (env override)", cfg.Delivery.TraceTTL)
	}
	if cfg.Delivery.TraceCapacity != 5000 {
		t.Fatalf("delivery.trace_capacity=%d, want 5000 (yaml value)", cfg.Delivery.TraceCapacity)
	}
	if cfg.Delivery.BodyMaxSize != 12345 {
		t.Fatalf("delivery.body_max_size=%d, want 12345 (yaml value)", cfg.Delivery.BodyMaxSize)
	}
	if !cfg.Delivery.AnonymousEvents {
		t.Fatalf("delivery.anonymous_events=%v, want true (env override)", cfg.Delivery.AnonymousEvents)
	}
	if cfg.Aggregation.Enabled {
		t.Fatalf("aggregation.enabled=%v, want false (yaml value)", cfg.Aggregation.Enabled)
	}
	if !cfg.Observability.OTel.Enabled {
		t.Fatalf("observability.otel.enabled=%v, want true (env override)", cfg.Observability.OTel.Enabled)
	}
	if cfg.Observability.OTel.Endpoint != "collector:4318" {
		t.Fatalf("observability.otel.endpoint=%q, want env override", cfg.Observability.OTel.Endpoint)
	}
	if cfg.Observability.OTel.ServiceName != "env-delivery" {
		t.Fatalf("observability.otel.service_name=%q, want env override", cfg.Observability.OTel.ServiceName)
	}
	if cfg.Observability.OTel.SamplingRatio != 0.75 {
		t.Fatalf("observability.otel.sampling_ratio=%v, want env override", cfg.Observability.OTel.SamplingRatio)
	}
}

func TestLoadInvalidYAMLReturnsError(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "invalid.yaml")
	if err := os.WriteFile(configPath, []byte("server: ["), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatalf("Load() error=nil, want parse error")
	}
	if !strings.Contains(err.Error(), "parse yaml") {
		t.Fatalf("error=%q, want parse yaml message", err.Error())
	}
}

func TestLoadRejectsUnknownYAMLField(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "invalid-field.yaml")
	configYAML := `delivery:
  trace_ttl: 24h
  unexpected_field: true
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatalf("Load() error=nil, want unknown-field parse error")
	}
	if !strings.Contains(err.Error(), "field unexpected_field not found") {
		t.Fatalf("error=%q, want unknown-field message", err.Error())
	}
}

func TestLoadRejectsMultiDocumentYAML(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "multi-doc.yaml")
	configYAML := `server:
  host: 127.0.0.1
---
aggregation:
  enabled: true
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatalf("Load() error=nil, want multi-document parse error")
	}
	if !strings.Contains(err.Error(), "multiple yaml documents are not supported") {
		t.Fatalf("error=%q, want multi-document message", err.Error())
	}
}

func TestLoadInvalidEnvReturnsError(t *testing.T) {
	t.Setenv("PROMPTLANE_PORT", "not-a-number")

	_, err := Load("")
	if err == nil {
		t.Fatalf("Load() error=nil, want invalid env error")
	}
	if !strings.Contains(err.Error(), "invalid PROMPTLANE_PORT") {
		t.Fatalf("error=%q, want PROMPTLANE_PORT validation message", err.Error())
	}
}

func TestLoadInvalidTraceTTLEnvReturnsError(t *testing.T) {
	t.Setenv("PROMPTLANE_TRACE_TTL", "thirty-days")

	_, err := Load("")
	if err == nil {
		t.Fatalf("Load() error=nil, want invalid env error")
	}
	if !strings.Contains(err.Error(), "invalid PROMPTLANE_TRACE_TTL") {
		t.Fatalf("error=%q, want PROMPTLANE_TRACE_TTL validation message", err.Error())
	}
}

func TestLoadAppliesStandardOTELEnvOverrides(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://otel-collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_SERVICE_NAME", "otel-service-name")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.35")
	t.Setenv("OTEL_TRACES_EXPORTER", "none")
	t.Setenv("OTEL_METRICS_EXPORTER", "otlp")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if !cfg.Observability.OTel.Enabled {
		t.Fatalf("observability.otel.enabled=%v, want true when OTEL_* vars are configured", cfg.Observability.OTel.Enabled)
	}
	if cfg.Observability.OTel.Endpoint != "https://otel-collector:4318" {
		t.Fatalf("observability.otel.endpoint=%q, want OTEL_EXPORTER_OTLP_ENDPOINT override", cfg.Observability.OTel.Endpoint)
	}
	if cfg.Observability.OTel.Insecure {
		t.Fatalf("observability.otel.insecure=%v, want false from OTEL_EXPORTER_OTLP_INSECURE", cfg.Observability.OTel.Insecure)
	}
	if cfg.Observability.OTel.ServiceName != "otel-service-name" {
		t.Fatalf("observability.otel.service_name=%q, want OTEL_SERVICE_NAME fallback", cfg.Observability.OTel.ServiceName)
	}
	if cfg.Observability.OTel.SamplingRatio != 0.35 {
		t.Fatalf("observability.otel.sampling_ratio=%v, want OTEL_TRACES_SAMPLER_ARG fallback", cfg.Observability.OTel.SamplingRatio)
	}
	if cfg.Observability.OTel.TracesEnabled {
		t.Fatalf("observability.otel.traces_enabled=%v, want false from OTEL_TRACES_EXPORTER=none", cfg.Observability.OTel.TracesEnabled)
	}
	if !cfg.Observability.OTel.MetricsEnabled {
		t.Fatalf("observability.otel.metrics_enabled=%v, want true from OTEL_METRICS_EXPORTER=otlp", cfg.Observability.OTel.MetricsEnabled)
	}
}

func TestLoadAppliesOTELSDKDisabledOverride(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_SDK_DISABLED", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Observability.OTel.Enabled {
		t.Fatalf("observability.otel.enabled=%v, want false from OTEL_SDK_DISABLED=true", cfg.Observability.OTel.Enabled)
	}
}

func TestLoadRejectsInvalidStandardOTELExporterEnv(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "zipkin")

	_, err := Load("")
	if err == nil {
		t.Fatalf("Load() error=nil, want OTEL_TRACES_EXPORTER validation error")
	}
	if !strings.Contains(err.Error(), "invalid OTEL_TRACES_EXPORTER") {
		t.Fatalf("error=%q, want OTEL_TRACES_EXPORTER validation message", err.Error())
	}
}

func TestValidateDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate(default) error: %v", err)
	}
}

func TestValidateRequiresPostgresDSN(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Storage.Driver = "postgres"
	cfg.Storage.DSN = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() error=nil, want postgres dsn validation error")
	}
	if !strings.Contains(err.Error(), "storage.dsn is required") {
		t.Fatalf("error=%q, want storage.dsn validation message", err.Error())
	}
}

func TestValidateRejectsUnknownStorageDriver(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Storage.Driver = "mysql"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() error=nil, want storage.driver validation error")
	}
	if !strings.Contains(err.Error(), "storage.driver must be one of") {
		t.Fatalf("error=%q, want storage.driver validation message", err.Error())
	}
}

func TestValidateRejectsNonPositiveDeliverySettings(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "trace ttl", mutate: func(c *Config) { c.Delivery.TraceTTL = 0 }, want: "delivery.trace_ttl"},
		{name: "trace capacity", mutate: func(c *Config) { c.Delivery.TraceCapacity = -1 }, want: "delivery.trace_capacity"},
		{name: "body max size", mutate: func(c *Config) { c.Delivery.BodyMaxSize = 0 }, want: "delivery.body_max_size"},
		{name: "log buffer size", mutate: func(c *Config) { c.Delivery.LogBufferSize = 0 }, want: "delivery.log_buffer_size"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := Default()
			tc.mutate(&cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatalf("Validate() error=nil, want %s validation error", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error=%q, want %s validation message", err.Error(), tc.want)
			}
		})
	}
}

func TestValidateRejectsInvalidOTelSamplingRatio(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Observability.OTel.Enabled = true
	cfg.Observability.OTel.SamplingRatio = 1.5

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() error=nil, want observability.otel.sampling_ratio validation error")
	}
	if !strings.Contains(err.Error(), "observability.otel.sampling_ratio") {
		t.Fatalf("error=%q, want sampling ratio validation message", err.Error())
	}
}

func TestValidateRejectsOTelEnabledWithoutSignals(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Observability.OTel.Enabled = true
	cfg.Observability.OTel.TracesEnabled = false
	cfg.Observability.OTel.MetricsEnabled = false

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() error=nil, want observability.otel traces/metrics validation error")
	}
	if !strings.Contains(err.Error(), "observability.otel requires") {
		t.Fatalf("error=%q, want signal validation message", err.Error())
	}
}

func TestValidateRejectsOTelEnabledWithoutEndpoint(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Observability.OTel.Enabled = true
	cfg.Observability.OTel.Endpoint = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() error=nil, want observability.otel.endpoint validation error")
	}
	if !strings.Contains(err.Error(), "observability.otel.endpoint is required") {
		t.Fatalf("error=%q, want endpoint validation message", err.Error())
	}
}
