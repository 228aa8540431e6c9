package llm

import (
	"context"
	"errors"
	"sync"
)

// ScriptedMockProvider is a mock provider that returns a pre-defined
// sequence of responses. Useful for testing multi-turn interactions
// (e.g. the agent loop). Streaming responses are split into small
// chunks to exercise incremental consumers.
type ScriptedMockProvider struct {
	mu        sync.Mutex
	Responses []string
	Err       error
	ChunkSize int
	// CallCount tracks how many times Chat or ChatStream has been called.
	CallCount int
}

// NewScriptedMockProvider creates a new ScriptedMockProvider.
func NewScriptedMockProvider(responses ...string) *ScriptedMockProvider {
	return &ScriptedMockProvider{
		Responses: responses,
		ChunkSize: 7,
	}
}

// Chat pops the next scripted response or returns the configured error.
func (s *ScriptedMockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	content, err := s.next()
	if err != nil {
		return nil, err
	}
	return &ChatResponse{
		Content: content,
		Usage: Usage{
			PromptTokens:     10,
			CompletionTokens: 10,
			TotalTokens:      20,
		},
	}, nil
}

// ChatStream pops the next scripted response and streams it in chunks.
func (s *ScriptedMockProvider) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	content, err := s.next()
	if err != nil {
		return nil, err
	}

	size := s.ChunkSize
	if size <= 0 {
		size = 7
	}

	chunks := make(chan StreamChunk, len(content)/size+2)
	go func() {
		defer close(chunks)
		for i := 0; i < len(content); i += size {
			end := i + size
			if end > len(content) {
				end = len(content)
			}
			select {
			case <-ctx.Done():
				chunks <- StreamChunk{Error: ctx.Err()}
				return
			case chunks <- StreamChunk{Content: content[i:end]}:
			}
		}
		chunks <- StreamChunk{Done: true, Usage: &Usage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20}}
	}()
	return chunks, nil
}

func (s *ScriptedMockProvider) next() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.CallCount++

	if s.Err != nil {
		return "", s.Err
	}
	if len(s.Responses) == 0 {
		return "", errors.New("scripted mock: no more responses available")
	}
	content := s.Responses[0]
	s.Responses = s.Responses[1:]
	return content, nil
}

// AddResponse appends a response to the queue.
func (s *ScriptedMockProvider) AddResponse(response string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Responses = append(s.Responses, response)
}

// Ensure ScriptedMockProvider implements StreamingProvider.
var _ StreamingProvider = (*ScriptedMockProvider)(nil)
