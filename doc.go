// Package agentloop is an agentic event-loop runtime for Go: it drives a
// model through repeated cycles of streaming completion, tool dispatch, and
// evaluation until the conversation reaches a stop condition.
//
// It provides modular, interface-driven building blocks: a ModelClient
// boundary to LLM providers, a Tool capability for function calling, a
// Conversation store with single-writer semantics, a non-blocking Callback
// Bus for lifecycle observation, and a pluggable Evaluator for deciding
// whether an invocation needs another cycle.
//
// # Quick Start
//
// Build an Agent by composing a ModelClient, a Registry of tools, and
// configuration options:
//
//	registry := agentloop.NewRegistry()
//	registry.Add(fetch.New())
//
//	a := agentloop.New(
//		anthropic.New(apiKey, "claude-opus-4"),
//		registry,
//		agentloop.WithSystemPrompt("You are a helpful assistant."),
//		agentloop.WithMaxCycles(25),
//	)
//
//	conv := agentloop.NewConversation("session-1")
//	answer, err := a.Run(ctx, conv, "What's the weather in Tokyo?")
//
// # Core Interfaces
//
// The root package defines the contracts every component implements:
//
//   - [ModelClient] — streaming LLM backend
//   - [Tool] — pluggable capability for model-invoked function calls
//   - [Strategy] — the Evaluator's continue/stop decision function
//   - [Tracer] — span-based telemetry
//   - [Observer] — lifecycle event subscriber on the Callback Bus
//
// # Included Implementations
//
// Model clients: model/anthropic, model/bedrock.
// Storage: store/sqlite (local), store/postgres (remote).
// Telemetry: telemetry/otel.
// Config: config (TOML-backed AgentConfig loading).
// Tools: tools/fetch, tools/pdf, tools/markdown, tools/calculate, tools/file.
//
// See the cmd/agentloop directory for a complete reference CLI.
package agentloop
