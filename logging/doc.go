// Package logging provides a minimal logging interface and adapters for assistantmesh.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the engine, providers and tools use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - RunLogger, a slog based logger carrying thread and run identifiers
//   - ZerologAdapter for deployments that standardise on zerolog
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.New(logging.Config{Level: "info", Format: "json"})
//	eng := engine.New(prov, catalog, engine.WithLogger(logger))
package logging
