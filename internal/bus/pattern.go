package bus

import "strings"

// MatchRoutingKey reports whether key matches a topic binding pattern.
// "*" matches exactly one word, "#" matches zero or more words.
func MatchRoutingKey(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern = pattern[1:]
		key = key[1:]
	}
	return len(key) == 0
}

// MatchAny reports whether key matches at least one of patterns.
func MatchAny(patterns []string, key string) bool {
	for _, p := range patterns {
		if MatchRoutingKey(p, key) {
			return true
		}
	}
	return false
}

// ExpandPatterns resolves binding patterns to concrete routing keys using the
// list of keys known to exist. Patterns without wildcards are kept as is.
func ExpandPatterns(patterns, known []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(k string) {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for _, p := range patterns {
		if !strings.ContainsAny(p, "*#") {
			add(p)
			continue
		}
		for _, k := range known {
			if MatchRoutingKey(p, k) {
				add(k)
			}
		}
	}
	return out
}
