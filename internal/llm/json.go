package llm

import (
	"github.com/personal-context-engine/internal/jsonx"
)

// ExtractJSONBlock finds the JSON object or array embedded in a model reply.
// Models wrap JSON in prose or code fences often enough that callers must
// never unmarshal a raw reply directly; they take the block returned here
// and decode it into their own validated types.
func ExtractJSONBlock(content string) ([]byte, bool) {
	start := -1
	for i, c := range content {
		if c == '{' || c == '[' {
			start = i
			break
		}
	}
	if start == -1 {
		return nil, false
	}

	text := content[start:]
	closer := byte('}')
	if text[0] == '[' {
		closer = byte(']')
	}

	// Trailing prose after the JSON is common; scan closers from the end
	// until a prefix validates.
	for i := len(text) - 1; i >= 0; i-- {
		if text[i] != closer {
			continue
		}
		candidate := []byte(text[:i+1])
		if jsonx.Valid(candidate) {
			return candidate, true
		}
	}
	return nil, false
}
