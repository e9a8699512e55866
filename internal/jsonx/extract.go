// Package jsonx extracts JSON embedded in free-form text.
//
// Search workers frequently wrap their structured payloads in protocol
// content blocks or surround them with commentary. This package pulls the
// JSON object out of such text so callers can unmarshal it normally.
package jsonx

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Extract returns the JSON object portion of text. It handles:
//  1. Pure JSON - returned as-is
//  2. JSON fenced in markdown code blocks
//  3. A JSON object embedded in surrounding prose
//
// Only objects are handled; brace matching is simple and may fail when
// unbalanced braces appear inside string values.
func Extract(text string) (string, error) {
	text = stripCodeFences(text)

	var probe interface{}
	if err := json.Unmarshal([]byte(text), &probe); err == nil {
		return text, nil
	}

	start := strings.Index(text, "{")
	if start != -1 {
		end := strings.LastIndex(text, "}")
		if end > start {
			candidate := text[start : end+1]
			if err := json.Unmarshal([]byte(candidate), &probe); err == nil {
				return candidate, nil
			}
		}
	}

	preview := text
	if len(preview) > 100 {
		preview = preview[:100] + "..."
	}
	return "", fmt.Errorf("no JSON object in text: %q", preview)
}

// ExtractInto extracts the JSON portion of text and unmarshals it into T.
func ExtractInto[T any](text string) (T, error) {
	var out T
	raw, err := Extract(text)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, fmt.Errorf("unmarshal extracted JSON: %w", err)
	}
	return out, nil
}

// stripCodeFences removes markdown code block markers around text.
func stripCodeFences(text string) string {
	trimmed := strings.TrimSpace(text)

	if strings.HasPrefix(trimmed, "```json") {
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "```json"))
	} else if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
	}
	if strings.HasSuffix(trimmed, "```") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, "```"))
	}
	return trimmed
}
