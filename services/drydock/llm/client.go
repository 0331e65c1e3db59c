package llm

import "context"

// GenerationParams are the per-request sampling knobs. Nil fields keep the
// backend defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Client is the inference boundary every stage goes through.
type Client interface {
	// Generate returns one completion for the prompt.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// GenerateBatch returns n independent completions for the prompt in
	// one request.
	GenerateBatch(ctx context.Context, prompt string, n int, params GenerationParams) ([]string, error)
}

// Float32 returns a pointer to v.
func Float32(v float32) *float32 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// GreedyParams are the deterministic-generation settings: temperature 0.
func GreedyParams(maxTokens int) GenerationParams {
	return GenerationParams{
		Temperature: Float32(0),
		MaxTokens:   Int(maxTokens),
	}
}

// SampledParams are the stochastic-generation settings at a fixed
// temperature.
func SampledParams(temperature float32, maxTokens int) GenerationParams {
	return GenerationParams{
		Temperature: Float32(temperature),
		MaxTokens:   Int(maxTokens),
	}
}
