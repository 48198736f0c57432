package provider

import "encoding/json"

// ParseStreamUsage extracts token usage from one streamed chunk payload.
// Only the final frame of an OpenAI-style stream carries usage; callers
// keep the last successful parse.
func ParseStreamUsage(data string) (inputTokens, outputTokens int64, ok bool) {
	var chunk struct {
		Usage *struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal([]byte(data), &chunk); err != nil || chunk.Usage == nil {
		return 0, 0, false
	}
	return chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens, true
}
