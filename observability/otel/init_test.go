package otel

import (
	"context"
	"testing"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" api-key = abc ,broken,=x,tenant=intentbook,")
	if len(got) != 2 || got["api-key"] != "abc" || got["tenant"] != "intentbook" {
		t.Fatalf("unexpected headers: %#v", got)
	}
}

func TestFromEnv(t *testing.T) {
	cfg := FromEnv("intentd", "dev", envMap(map[string]string{
		"OTEL_EXPORTER_OTLP_ENDPOINT": "collector:4318",
		"OTEL_EXPORTER_OTLP_INSECURE": "false",
		"OTEL_METRICS_EXPORTER":       "OTLP",
		"OTEL_TRACES_SAMPLER_ARG":     "0.25",
	}))
	if cfg.Endpoint != "collector:4318" || cfg.Insecure {
		t.Fatalf("unexpected exporter settings: %+v", cfg)
	}
	if !cfg.Traces || !cfg.Metrics || cfg.SampleRatio != 0.25 {
		t.Fatalf("unexpected signals: %+v", cfg)
	}

	disabled := FromEnv("intentd", "", envMap(map[string]string{
		"OTEL_SDK_DISABLED":     "true",
		"OTEL_METRICS_EXPORTER": "otlp",
	}))
	if disabled.Traces || disabled.Metrics {
		t.Fatalf("expected telemetry disabled: %+v", disabled)
	}
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "intentd"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without service name")
	}
}
