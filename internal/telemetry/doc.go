// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry provides logging, metrics and usage tracking for rigrun-chat.
//
// # Key Types
//
//   - NewLogger: JSON slog logger with optional rotating file output
//   - Metrics: OpenTelemetry instruments implementing cloud.Recorder
//   - Provider: meter and tracer, exported to a rotating file when enabled
//   - UsageTracker: in-memory aggregation of completed exchanges
//
// # Usage
//
//	logger, closeLog, err := telemetry.NewLogger(cfg.Log, os.Stderr)
//	defer closeLog()
//
//	prov, err := telemetry.Setup(ctx, cfg.Telemetry, cfg.MetricsFile(), version)
//	defer prov.Shutdown(context.Background())
//	metrics, err := telemetry.NewMetrics(prov.Meter)
//
// # Privacy
//
// Telemetry is local-only and does not transmit any data.
// Message content is never recorded, only counts and durations.
package telemetry
