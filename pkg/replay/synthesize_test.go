package replay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthesize(t *testing.T) {
	tests := []struct {
		name      string
		output    string
		content   string
		toolCalls int
		finish    string
	}{
		{"plain text", "hello there", "hello there", 0, "stop"},
		{"json string", `"hello"`, "hello", 0, "stop"},
		{"content blocks", `[{"type":"text","text":"Let me look. "},{"type":"tool_use","id":"tu_1","name":"search","input":{"q":"go"}}]`, "Let me look. ", 1, "tool_calls"},
		{"message with blocks", `{"role":"assistant","content":[{"type":"text","text":"hi"}]}`, "hi", 0, "stop"},
		{"message with text content", `{"role":"assistant","content":"ok","tool_calls":[{"id":"c1","type":"function","function":{"name":"f","arguments":"{}"}}]}`, "ok", 1, "tool_calls"},
		{"number", `42`, "42", 0, "stop"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := Synthesize(tt.output, "gpt")
			require.NoError(t, err)
			require.Len(t, resp.Choices, 1)
			msg := resp.Choices[0].Message
			assert.Equal(t, "assistant", msg.Role)
			assert.Equal(t, tt.content, msg.Content)
			assert.Len(t, msg.ToolCalls, tt.toolCalls)
			assert.Equal(t, tt.finish, resp.Choices[0].FinishReason)
			assert.Equal(t, "gpt", resp.Model)
		})
	}
}

func TestSynthesizeToolUseArguments(t *testing.T) {
	resp, err := Synthesize(`[{"type":"tool_use","id":"tu_1","name":"search","input":{"q":"go"}}]`, "m")
	require.NoError(t, err)
	call := resp.Choices[0].Message.ToolCalls[0]
	assert.Equal(t, "tu_1", call.ID)
	assert.Equal(t, "search", call.Function.Name)
	assert.JSONEq(t, `{"q":"go"}`, call.Function.Arguments)
}

func TestSynthesizeFullCompletion(t *testing.T) {
	output := `{"id":"chatcmpl-1","object":"chat.completion","model":"recorded","choices":[{"index":0,"message":{"role":"assistant","content":"A"},"finish_reason":"stop"}]}`
	resp, err := Synthesize(output, "gpt")
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, "recorded", resp.Model)
	assert.Equal(t, "A", resp.Choices[0].Message.Content)
}
