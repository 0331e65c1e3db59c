package llm

import (
	"context"
	"testing"
	"time"
)

func TestSuggestedWait(t *testing.T) {
	cases := []struct {
		message string
		want    time.Duration
	}{
		{"Rate limit reached. Please try again in 1.234s.", 1234 * time.Millisecond},
		{"Please try again in 20s.", 20 * time.Second},
		{"Rate limit reached, no hint here", rateLimitSleep},
		{"", rateLimitSleep},
		{"try again in 0s", rateLimitSleep},
	}
	for _, tc := range cases {
		if got := suggestedWait(tc.message); got != tc.want {
			t.Errorf("suggestedWait(%q) = %v, want %v", tc.message, got, tc.want)
		}
	}
}

func TestBuildRequest(t *testing.T) {
	c := &OpenAIClient{model: "gpt-4o-2024-05-13"}

	req := c.buildRequest("fix it", 5, SampledParams(0.8, 1024))
	if req.Model != "gpt-4o-2024-05-13" {
		t.Errorf("Model = %q", req.Model)
	}
	if req.N != 5 {
		t.Errorf("N = %d, want 5", req.N)
	}
	if req.Temperature != 0.8 {
		t.Errorf("Temperature = %v, want 0.8", req.Temperature)
	}
	if req.MaxCompletionTokens != 1024 {
		t.Errorf("MaxCompletionTokens = %d, want 1024", req.MaxCompletionTokens)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "fix it" {
		t.Errorf("Messages = %v", req.Messages)
	}

	greedy := c.buildRequest("fix it", 1, GreedyParams(512))
	if greedy.Temperature != 0 {
		t.Errorf("greedy Temperature = %v, want 0", greedy.Temperature)
	}
}

func TestMockClient(t *testing.T) {
	t.Run("replies in order, last repeats", func(t *testing.T) {
		m := &MockClient{Replies: []string{"one", "two"}}

		got1, err := m.Generate(context.Background(), "p1", GenerationParams{})
		if err != nil || got1 != "one" {
			t.Fatalf("Generate() = %q, %v", got1, err)
		}
		got2, _ := m.Generate(context.Background(), "p2", GenerationParams{})
		got3, _ := m.Generate(context.Background(), "p3", GenerationParams{})
		if got2 != "two" || got3 != "two" {
			t.Errorf("replies = %q, %q, want two, two", got2, got3)
		}
		if m.CallCount() != 3 {
			t.Errorf("CallCount() = %d, want 3", m.CallCount())
		}
	})

	t.Run("batch returns n completions", func(t *testing.T) {
		m := &MockClient{Replies: []string{"a"}}
		out, err := m.GenerateBatch(context.Background(), "p", 3, GenerationParams{})
		if err != nil {
			t.Fatal(err)
		}
		if len(out) != 3 {
			t.Errorf("len = %d, want 3", len(out))
		}
	})

	t.Run("reply func", func(t *testing.T) {
		m := &MockClient{ReplyFunc: func(prompt string, n int) ([]string, error) {
			out := make([]string, n)
			for i := range out {
				out[i] = prompt
			}
			return out, nil
		}}
		out, err := m.GenerateBatch(context.Background(), "echo", 2, GenerationParams{})
		if err != nil || out[0] != "echo" || out[1] != "echo" {
			t.Fatalf("GenerateBatch() = %v, %v", out, err)
		}
	})

	t.Run("canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		m := &MockClient{Replies: []string{"x"}}
		if _, err := m.Generate(ctx, "p", GenerationParams{}); err == nil {
			t.Error("expected context error")
		}
	})

	t.Run("records params", func(t *testing.T) {
		m := &MockClient{Replies: []string{"x"}}
		_, _ = m.GenerateBatch(context.Background(), "p", 4, SampledParams(0.8, 256))
		if len(m.Calls) != 1 || m.Calls[0].N != 4 || *m.Calls[0].Params.Temperature != 0.8 {
			t.Errorf("Calls = %+v", m.Calls)
		}
	})
}
