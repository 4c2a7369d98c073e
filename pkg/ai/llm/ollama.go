package llm

import (
	"context"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

// OllamaProvider wraps langchaingo's Ollama client: the "local inference
// endpoint" tried first in the failover chain, per spec.md §4.4.
type OllamaProvider struct {
	model       *ollama.LLM
	temperature float64
}

func NewOllamaProvider(endpoint, model string, temperature float64) (*OllamaProvider, error) {
	opts := []ollama.Option{ollama.WithModel(model)}
	if endpoint != "" {
		opts = append(opts, ollama.WithServerURL(endpoint))
	}
	m, err := ollama.New(opts...)
	if err != nil {
		return nil, err
	}
	return &OllamaProvider{model: m, temperature: temperature}, nil
}

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) Generate(ctx context.Context, prompt string) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, p.model, prompt, llms.WithTemperature(p.temperature))
}

func (p *OllamaProvider) GenerateStream(ctx context.Context, prompt string, sink StreamSink) (string, error) {
	var full strings.Builder
	result, err := llms.GenerateFromSinglePrompt(ctx, p.model, prompt,
		llms.WithTemperature(p.temperature),
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			full.Write(chunk)
			sink(string(chunk))
			return nil
		}),
	)
	if err != nil {
		return "", err
	}
	if result == "" {
		return full.String(), nil
	}
	return result, nil
}
