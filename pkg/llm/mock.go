package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient answers without a network and records every request it saw.
type MockClient struct {
	mu       sync.Mutex
	requests []ChatCompletionRequest
}

// NewMockClient creates a new mock client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

var _ LLMClient = (*MockClient)(nil)

// Requests returns a copy of the requests received so far.
func (m *MockClient) Requests() []ChatCompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatCompletionRequest(nil), m.requests...)
}

func (m *MockClient) record(req *ChatCompletionRequest) {
	m.mu.Lock()
	m.requests = append(m.requests, *req)
	m.mu.Unlock()
}

// CreateChatCompletion returns a canned response derived from the request.
func (m *MockClient) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	m.record(req)
	content := mockReply(req)

	return &ChatCompletionResponse{
		ID:      fmt.Sprintf("mock-chatcmpl-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      &ChatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: mockUsage(req, content),
	}, nil
}

// CreateChatCompletionStream streams the canned response in small chunks.
func (m *MockClient) CreateChatCompletionStream(ctx context.Context, req *ChatCompletionRequest, callback StreamCallback) (*Usage, error) {
	m.record(req)
	content := mockReply(req)
	id := fmt.Sprintf("mock-chatcmpl-%d", time.Now().UnixNano())

	pieces := chunkString(content, 10)
	for i, piece := range pieces {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		choice := Choice{Delta: &ChatMessage{Role: "assistant", Content: piece}}
		if i == len(pieces)-1 {
			choice.FinishReason = "stop"
		}
		if err := callback(&StreamChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: time.Now().Unix(),
			Model:   req.Model,
			Choices: []Choice{choice},
		}); err != nil {
			return nil, err
		}
	}
	return mockUsage(req, content), nil
}

// ListModels returns a fixed model list.
func (m *MockClient) ListModels(ctx context.Context) ([]Model, error) {
	return []Model{
		{ID: "mock-gpt-4", Object: "model", Created: time.Now().Unix(), OwnedBy: "mock"},
	}, nil
}

func mockReply(req *ChatCompletionRequest) string {
	if len(req.Tools) > 0 {
		return fmt.Sprintf("[MOCK] I would call tool '%s' to help with this request.", req.Tools[0].Function.Name)
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(req.Messages[i].Content, 100))
		}
	}
	return "[MOCK] This is a mock response from the LLM client."
}

func mockUsage(req *ChatCompletionRequest, content string) *Usage {
	prompt := 0
	for _, msg := range req.Messages {
		prompt += len(msg.Content) / 4
	}
	return &Usage{
		PromptTokens:     prompt,
		CompletionTokens: len(content) / 4,
		TotalTokens:      prompt + len(content)/4,
	}
}

func chunkString(s string, size int) []string {
	if s == "" {
		return []string{""}
	}
	var chunks []string
	for i := 0; i < len(s); i += size {
		end := i + size
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[i:end])
	}
	return chunks
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
