package common

import (
	"encoding/json"
	"strings"
)

// ParseAttributes turns attribute text as stored or emitted by a model into
// a map. JSON objects are decoded; any other non-empty text is kept under
// the key "raw".
func ParseAttributes(text string) map[string]any {
	text = strings.TrimSpace(text)
	if text == "" || text == "null" || text == "{}" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err == nil && out != nil {
		return out
	}
	// Double-encoded objects ("{\"a\":1}") show up regularly.
	var inner string
	if err := json.Unmarshal([]byte(text), &inner); err == nil {
		return ParseAttributes(inner)
	}
	return map[string]any{"raw": text}
}

// MergeAttributes copies every key of src that is missing in dst. Existing
// keys of dst win.
func MergeAttributes(dst map[string]any, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
	return dst
}
