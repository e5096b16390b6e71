package llms

// ChunkText pulls the incremental text out of a provider-native stream
// chunk. Unknown shapes yield the empty string.
func ChunkText(chunk map[string]any) string {
	// OpenAI family: choices[0].delta.content.
	if choices, ok := chunk["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if delta, ok := choice["delta"].(map[string]any); ok {
				if text, ok := delta["content"].(string); ok {
					return text
				}
			}
		}
	}
	// Anthropic: delta.text.
	if delta, ok := chunk["delta"].(map[string]any); ok {
		if text, ok := delta["text"].(string); ok {
			return text
		}
	}
	// Gemini: candidates[0].content.parts[0].text.
	if candidates, ok := chunk["candidates"].([]any); ok && len(candidates) > 0 {
		if candidate, ok := candidates[0].(map[string]any); ok {
			if content, ok := candidate["content"].(map[string]any); ok {
				if parts, ok := content["parts"].([]any); ok && len(parts) > 0 {
					if part, ok := parts[0].(map[string]any); ok {
						if text, ok := part["text"].(string); ok {
							return text
						}
					}
				}
			}
		}
	}
	// Ollama native: message.content.
	if message, ok := chunk["message"].(map[string]any); ok {
		if text, ok := message["content"].(string); ok {
			return text
		}
	}
	// Synthetic chunks from the agent loop.
	if text, ok := chunk["content"].(string); ok {
		return text
	}
	return ""
}
