package llm

import (
	"context"
	"sync"
)

// MockCall records one request made against a MockClient.
type MockCall struct {
	Prompt string
	N      int
	Params GenerationParams
}

// MockClient is a scripted Client for tests.
//
// Replies are consumed in order; when they run out the last one repeats.
// Set ReplyFunc for per-prompt scripting, or Err to fail every call.
type MockClient struct {
	mu      sync.Mutex
	Replies []string
	Err     error

	// ReplyFunc, when set, overrides Replies.
	ReplyFunc func(prompt string, n int) ([]string, error)

	Calls []MockCall
	next  int
}

func (m *MockClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	out, err := m.generate(ctx, prompt, 1, params)
	if err != nil {
		return "", err
	}
	return out[0], nil
}

func (m *MockClient) GenerateBatch(ctx context.Context, prompt string, n int, params GenerationParams) ([]string, error) {
	return m.generate(ctx, prompt, n, params)
}

func (m *MockClient) generate(ctx context.Context, prompt string, n int, params GenerationParams) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockCall{Prompt: prompt, N: n, Params: params})

	if m.Err != nil {
		return nil, m.Err
	}
	if m.ReplyFunc != nil {
		return m.ReplyFunc(prompt, n)
	}

	out := make([]string, n)
	for i := range out {
		out[i] = m.pop()
	}
	return out, nil
}

func (m *MockClient) pop() string {
	if len(m.Replies) == 0 {
		return ""
	}
	reply := m.Replies[m.next]
	if m.next < len(m.Replies)-1 {
		m.next++
	}
	return reply
}

// CallCount returns the number of requests made.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
