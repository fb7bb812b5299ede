//
// Copyright (C) 2026 Stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//
//

// Package telemetry holds the shared telemetry constants and helpers used by
// the exporter bootstrap and the instrumented packages.
package telemetry

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// telemetry service constants.
const (
	ServiceName      = "stepflow"
	ServiceVersion   = "v0.1.0"
	ServiceNamespace = "stepflow-ai"
	InstrumentName   = "stepflow.exec"

	SpanNamePrefixExecuteBlock = "execute_block"
	SpanNamePrefixRunTask      = "run_task"
)

const (
	// ProtocolGRPC uses gRPC protocol for OTLP exporter.
	ProtocolGRPC string = "grpc"
	// ProtocolHTTP uses HTTP protocol for OTLP exporter.
	ProtocolHTTP string = "http"
)

// telemetry attribute keys.
var (
	KeyFrameID      = "stepflow.frame_id"
	KeyBlockPointer = "stepflow.block_pointer"
	KeySnapshotID   = "stepflow.snapshot_id"
	KeyTaskID       = "stepflow.task_id"
	KeyTaskName     = "stepflow.task_name"
	KeyToolName     = "stepflow.tool_name"
)

// NewGRPCConn creates a new gRPC connection to the OpenTelemetry Collector.
func NewGRPCConn(endpoint string) (*grpc.ClientConn, error) {
	// It connects the OpenTelemetry Collector through gRPC connection.
	// You can customize the endpoint using options or environment variables.
	conn, err := grpc.NewClient(endpoint,
		// Note the use of insecure transport here. TLS is recommended in production.
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to collector: %w", err)
	}

	return conn, err
}
