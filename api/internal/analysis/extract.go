package analysis

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var fencedJSON = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(\\{.*?\\})\\s*```")

var errNoObject = errors.New("no JSON object found in response text")

// extractObject finds the JSON object in model output. First success wins:
// whole text, fenced block, first balanced {...}, then first '{' to last '}'.
func extractObject(text string) (map[string]any, ParseStrategy, error) {
	text = strings.TrimSpace(text)

	if m, ok := decodeObject(text); ok {
		return m, ParsedDirect, nil
	}
	if sub := fencedJSON.FindStringSubmatch(text); len(sub) == 2 {
		if m, ok := decodeObject(sub[1]); ok {
			return m, ParsedFenced, nil
		}
	}
	if m, ok := firstBalanced(text); ok {
		return m, ParsedBalanced, nil
	}
	if i, j := strings.Index(text, "{"), strings.LastIndex(text, "}"); i >= 0 && j > i {
		if m, ok := decodeObject(text[i : j+1]); ok {
			return m, ParsedGreedy, nil
		}
	}
	return nil, "", errNoObject
}

func decodeObject(s string) (map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}

// firstBalanced tries every '{' in order and returns the first candidate whose
// matching brace closes a valid object. Braces inside strings do not count.
func firstBalanced(s string) (map[string]any, bool) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		if end := matchBrace(s, start); end > start {
			if m, ok := decodeObject(s[start : end+1]); ok {
				return m, true
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, false
}

func matchBrace(s string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
