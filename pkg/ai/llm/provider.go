// Package llm implements the Planner's model-backend provider chain:
// build prompts, call a language model, parse structured output, and
// fail over to the next provider on error, grounded on original_source
// ai_service.py's AIService and spec.md §4.4.
package llm

import "context"

// StreamSink receives incremental tokens as a provider streams a
// response. Providers that cannot stream simply never call it.
type StreamSink func(chunk string)

// Provider is one backend the Planner can call: a local inference
// endpoint or a cloud model API. Implementations must treat ctx
// cancellation as an immediate abort of the in-flight call.
type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}

// StreamingProvider is implemented by providers that support token
// streaming (Ollama, Anthropic). Bedrock does not implement it, so the
// client falls back to a single Generate call and reports the whole
// response as one chunk.
type StreamingProvider interface {
	Provider
	GenerateStream(ctx context.Context, prompt string, sink StreamSink) (string, error)
}
