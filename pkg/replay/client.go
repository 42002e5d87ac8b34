package replay

import (
	"context"
	"encoding/json"

	"github.com/xiaot623/gogo/rollout/pkg/llm"
	"github.com/xiaot623/gogo/rollout/pkg/protocol"
)

// ReplayClient serves chat completions from the replay cache when the budget
// at the caller's span path allows it, and from the live client otherwise.
type ReplayClient struct {
	live        llm.LLMClient
	interceptor *Interceptor
}

var _ llm.LLMClient = (*ReplayClient)(nil)

// NewReplayClient wraps live.
func NewReplayClient(live llm.LLMClient, interceptor *Interceptor) *ReplayClient {
	return &ReplayClient{live: live, interceptor: interceptor}
}

// CreateChatCompletion replays or calls through.
func (c *ReplayClient) CreateChatCompletion(ctx context.Context, req *llm.ChatCompletionRequest) (*llm.ChatCompletionResponse, error) {
	path := PathFrom(ctx)
	if resp := c.replay(ctx, path, req.Model); resp != nil {
		return resp, nil
	}
	return c.live.CreateChatCompletion(ctx, c.withOverrides(path, req))
}

// CreateChatCompletionStream replays as a single chunk or streams live.
func (c *ReplayClient) CreateChatCompletionStream(ctx context.Context, req *llm.ChatCompletionRequest, callback llm.StreamCallback) (*llm.Usage, error) {
	path := PathFrom(ctx)
	if resp := c.replay(ctx, path, req.Model); resp != nil {
		choices := make([]llm.Choice, len(resp.Choices))
		for i, choice := range resp.Choices {
			choices[i] = llm.Choice{Index: choice.Index, Delta: choice.Message, FinishReason: choice.FinishReason}
		}
		if err := callback(&llm.StreamChunk{
			ID:      resp.ID,
			Object:  "chat.completion.chunk",
			Created: resp.Created,
			Model:   resp.Model,
			Choices: choices,
			Usage:   resp.Usage,
		}); err != nil {
			return nil, err
		}
		return resp.Usage, nil
	}
	return c.live.CreateChatCompletionStream(ctx, c.withOverrides(path, req), callback)
}

// ListModels always calls through.
func (c *ReplayClient) ListModels(ctx context.Context) ([]llm.Model, error) {
	return c.live.ListModels(ctx)
}

// replay returns a synthesized response, or nil when the call must go live.
func (c *ReplayClient) replay(ctx context.Context, path, model string) *llm.ChatCompletionResponse {
	if path == "" || c.interceptor == nil || !c.interceptor.Active() {
		return nil
	}
	record, err := c.interceptor.Next(ctx, path)
	if err != nil || record == nil {
		return nil
	}
	resp, err := Synthesize(record.Output, model)
	if err != nil {
		return nil
	}
	return resp
}

// withOverrides applies the server-reported override for path to a copy of req.
func (c *ReplayClient) withOverrides(path string, req *llm.ChatCompletionRequest) *llm.ChatCompletionRequest {
	if c.interceptor == nil {
		return req
	}
	override, ok := c.interceptor.Override(path)
	if !ok {
		return req
	}
	return ApplyOverride(req, override)
}

// ApplyOverride returns a copy of req with the system prompt and tools replaced.
func ApplyOverride(req *llm.ChatCompletionRequest, o protocol.Override) *llm.ChatCompletionRequest {
	out := *req
	if o.SystemPrompt != nil {
		out.Messages = make([]llm.ChatMessage, 0, len(req.Messages)+1)
		replaced := false
		for _, msg := range req.Messages {
			if msg.Role == "system" && !replaced {
				msg.Content = *o.SystemPrompt
				replaced = true
			}
			out.Messages = append(out.Messages, msg)
		}
		if !replaced {
			out.Messages = append([]llm.ChatMessage{{Role: "system", Content: *o.SystemPrompt}}, out.Messages...)
		}
	}
	if len(o.Tools) > 0 {
		var tools []llm.Tool
		if err := json.Unmarshal(o.Tools, &tools); err == nil {
			out.Tools = tools
		}
	}
	return &out
}
