package replay

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xiaot623/gogo/rollout/pkg/llm"
)

// Synthesize builds a provider-shaped response from a recorded output. It
// accepts a full chat completion object, a message or content-block list
// (text and tool_use blocks), a JSON string, or plain text.
func Synthesize(output, model string) (*llm.ChatCompletionResponse, error) {
	var decoded interface{}
	if err := json.Unmarshal([]byte(output), &decoded); err != nil {
		return completion(model, &llm.ChatMessage{Role: "assistant", Content: output}), nil
	}

	switch v := decoded.(type) {
	case string:
		return completion(model, &llm.ChatMessage{Role: "assistant", Content: v}), nil

	case []interface{}:
		return completion(model, messageFromBlocks(v)), nil

	case map[string]interface{}:
		if _, ok := v["choices"]; ok {
			var resp llm.ChatCompletionResponse
			if err := json.Unmarshal([]byte(output), &resp); err != nil {
				return nil, fmt.Errorf("failed to decode recorded completion: %w", err)
			}
			if resp.Model == "" {
				resp.Model = model
			}
			return &resp, nil
		}
		switch content := v["content"].(type) {
		case string:
			msg := &llm.ChatMessage{Role: "assistant", Content: content}
			msg.ToolCalls = toolCallsFrom(v["tool_calls"])
			return completion(model, msg), nil
		case []interface{}:
			return completion(model, messageFromBlocks(content)), nil
		}
		if text, ok := v["text"].(string); ok {
			return completion(model, &llm.ChatMessage{Role: "assistant", Content: text}), nil
		}
	}

	return completion(model, &llm.ChatMessage{Role: "assistant", Content: output}), nil
}

func messageFromBlocks(blocks []interface{}) *llm.ChatMessage {
	msg := &llm.ChatMessage{Role: "assistant"}
	var text strings.Builder
	for _, b := range blocks {
		block, ok := b.(map[string]interface{})
		if !ok {
			if s, ok := b.(string); ok {
				text.WriteString(s)
			}
			continue
		}
		switch block["type"] {
		case "text":
			s, _ := block["text"].(string)
			text.WriteString(s)
		case "tool_use":
			name, _ := block["name"].(string)
			id, _ := block["id"].(string)
			args, _ := json.Marshal(block["input"])
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
				ID:       id,
				Type:     "function",
				Function: llm.ToolCallFunction{Name: name, Arguments: string(args)},
			})
		}
	}
	msg.Content = text.String()
	return msg
}

func toolCallsFrom(v interface{}) []llm.ToolCall {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var calls []llm.ToolCall
	if json.Unmarshal(data, &calls) != nil {
		return nil
	}
	return calls
}

func completion(model string, msg *llm.ChatMessage) *llm.ChatCompletionResponse {
	finish := "stop"
	if len(msg.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	return &llm.ChatCompletionResponse{
		ID:      fmt.Sprintf("replay-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []llm.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: finish,
		}},
	}
}
