package ratelimit

import "strings"

// MatchEndpoint returns the configuration whose route pattern fits path and
// method, or nil. Patterns use ServeMux wildcards, so "/runs/{id}/cancel"
// matches "/runs/42/cancel", and a pattern ending in "/" matches every path
// below it. The most specific pattern wins; earlier entries win ties.
func MatchEndpoint(path string, method string, configs []EndpointConfig) *EndpointConfig {
	var best *EndpointConfig
	bestScore := -1
	for i := range configs {
		config := &configs[i]
		if config.Method != "" && config.Method != method {
			continue
		}
		if score, ok := matchPattern(config.Path, path); ok && score > bestScore {
			best, bestScore = config, score
		}
	}
	return best
}

// matchPattern reports whether path fits pattern, scoring literal segments 2
// and wildcards 1 so that "/runs/{id}/export" outranks "/runs/".
func matchPattern(pattern, path string) (int, bool) {
	want := segments(pattern)
	got := segments(path)

	subtree := strings.HasSuffix(pattern, "/")
	if subtree && len(got) <= len(want) {
		return 0, false
	}
	if !subtree && len(got) != len(want) {
		return 0, false
	}

	score := 0
	for i, seg := range want {
		switch {
		case strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}"):
			score++
		case seg == got[i]:
			score += 2
		default:
			return 0, false
		}
	}
	return score, true
}

func segments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
