// internal/judge/jsonextract.go
package judge

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	json "github.com/json-iterator/go"
)

var (
	// \x60 is a backtick; raw strings cannot hold one.
	fencedObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")
	fencedBlockRegex  = regexp.MustCompile("(?s)^\x60\x60\x60[a-zA-Z]*\\s*(.*?)\\s*\x60\x60\x60$")
)

// extractObject locates a JSON object inside a model reply: bare, fenced in markdown,
// or embedded in conversational text.
func extractObject(response string) (string, bool) {
	response = strings.TrimSpace(response)
	if strings.HasPrefix(response, "{") && strings.HasSuffix(response, "}") {
		return response, true
	}
	if m := fencedObjectRegex.FindStringSubmatch(response); len(m) > 1 {
		return m[1], true
	}
	first := strings.Index(response, "{")
	last := strings.LastIndex(response, "}")
	if first == -1 || last <= first {
		return "", false
	}
	return response[first : last+1], true
}

// decodeObject extracts and unmarshals the first JSON object of a model reply into T.
func decodeObject[T any](response string) (*T, error) {
	raw, ok := extractObject(response)
	if !ok {
		return nil, fmt.Errorf("no JSON object in response (%s)", truncate(response, 120))
	}
	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("failed to decode JSON response: %w", err)
	}
	return &out, nil
}

// stripFence removes a surrounding markdown code fence (```diff, ```go, ...) from a patch payload.
func stripFence(content string) string {
	content = strings.TrimSpace(content)
	if m := fencedBlockRegex.FindStringSubmatch(content); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return content
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
