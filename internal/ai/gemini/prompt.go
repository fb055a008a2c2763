package gemini

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

const defaultMaxPromptChars = 6000

// boundedJSON marshals v and cuts the result to at most limit runes so a
// single oversized CV cannot blow up the prompt.
func boundedJSON(v any, limit int) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal prompt payload: %w", err)
	}
	return truncate(string(raw), limit), nil
}

func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "..."
}

func render(template string, values map[string]string) string {
	out := template
	for k, v := range values {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}

// extractJSON strips a markdown fence the model sometimes adds despite the
// JSON response type.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSpace(raw)
		if idx := strings.LastIndex(raw, "```"); idx != -1 {
			raw = raw[:idx]
		}
	}
	return strings.TrimSpace(strings.Trim(raw, "`"))
}
