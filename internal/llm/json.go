package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON is returned when a model answer holds no JSON object.
var ErrNoJSON = errors.New("no JSON object in model answer")

// ExtractObject returns the JSON object in a model answer. JSON mode answers
// still arrive wrapped in a ``` fence or after a lead-in sentence at times;
// both are dropped. The result is valid JSON.
func ExtractObject(answer string) ([]byte, error) {
	s := strings.TrimSpace(answer)
	if rest, ok := strings.CutPrefix(s, "```"); ok {
		// The fence line may carry a language tag such as "json".
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.Contains(rest[:nl], "{") {
			rest = rest[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(rest), "```")
	}

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return nil, ErrNoJSON
	}
	if open := strings.IndexByte(s, '['); open >= 0 && open < start {
		return nil, fmt.Errorf("%w: answer is an array", ErrNoJSON)
	}
	obj := []byte(s[start : end+1])
	if !json.Valid(obj) {
		return nil, fmt.Errorf("%w: object is malformed", ErrNoJSON)
	}
	return obj, nil
}
