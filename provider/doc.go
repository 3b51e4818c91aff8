// Package provider defines the contract between the run orchestration engine
// and a remote assistants backend.
//
// A Provider owns threads, messages and runs. The engine creates them, polls
// run status or consumes a streaming Feed, and submits tool outputs when a
// run requires action. Streaming feeds yield RawEvent values using the
// assistants wire vocabulary; Normalize turns them into Event values so every
// backend shares one decoding step.
//
// Implementations:
//
//   - provider/openai: the OpenAI Assistants API (threads, runs, files, SSE run streams)
//   - provider/anthropic: assistants semantics emulated over the Anthropic Messages API
//   - MockProvider: scripted, in-memory backend for tests and offline demos
package provider
