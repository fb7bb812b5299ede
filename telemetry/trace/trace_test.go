//
// Copyright (C) 2026 Stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//
//

package trace

import (
	"context"
	"os"
	"testing"

	itelemetry "github.com/stepflow-ai/stepflow/internal/telemetry"
)

func TestTracesEndpoint(t *testing.T) {
	const (
		customEndpoint  = "custom-trace:4317"
		genericEndpoint = "generic-endpoint:4317"
	)

	// Backup originals.
	origTrace := os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT")
	origGeneric := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	// Restore at the end.
	defer func() {
		_ = os.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", origTrace)
		_ = os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", origGeneric)
	}()

	// Case 1: specific variable has precedence over generic.
	_ = os.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", customEndpoint)
	_ = os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", genericEndpoint)
	if ep := tracesEndpoint(itelemetry.ProtocolGRPC); ep != customEndpoint {
		t.Fatalf("expected %s, got %s", customEndpoint, ep)
	}

	// Case 2: fallback to generic when specific is empty.
	_ = os.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "")
	_ = os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", genericEndpoint)
	if ep := tracesEndpoint(itelemetry.ProtocolGRPC); ep != genericEndpoint {
		t.Fatalf("expected %s, got %s", genericEndpoint, ep)
	}

	// Case 3: defaults when none set, per protocol.
	_ = os.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "")
	_ = os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if ep := tracesEndpoint(itelemetry.ProtocolGRPC); ep != "localhost:4317" {
		t.Fatalf("unexpected grpc default endpoint %s", ep)
	}
	if ep := tracesEndpoint(itelemetry.ProtocolHTTP); ep != "localhost:4318" {
		t.Fatalf("unexpected http default endpoint %s", ep)
	}
}

func TestParseEndpointURL(t *testing.T) {
	ep, path, err := parseEndpointURL("http://localhost:3000/api/public/otel")
	if err != nil {
		t.Fatalf("parseEndpointURL returned error: %v", err)
	}
	if ep != "localhost:3000" || path != "/api/public/otel" {
		t.Fatalf("unexpected parse result %s %s", ep, path)
	}

	ep, path, err = parseEndpointURL("collector:4318")
	if err != nil {
		t.Fatalf("parseEndpointURL returned error: %v", err)
	}
	if ep != "collector:4318" || path != "/" {
		t.Fatalf("unexpected parse result %s %s", ep, path)
	}

	if _, _, err = parseEndpointURL("http://"); err == nil {
		t.Fatalf("expected error for URL without host")
	}
}

// TestStartAndClean exercises the happy-path of Start and returned cleanup.
func TestStartAndClean(t *testing.T) {
	const traceEP = "localhost:4317"

	ctx := context.Background()
	clean, err := Start(ctx,
		WithEndpoint(traceEP),
	)
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if clean == nil {
		t.Fatalf("expected non-nil cleanup function")
	}
	_ = clean() // Ignore cleanup error as no collector is running in tests.
}
