package xhist

import "strings"

// Routing keys are dot-separated words ("events.PERSON_ADDED"). Patterns follow the
// AMQP topic convention: "*" matches exactly one word, "#" matches zero or more words.
const (
	wordSeparator = "."
	wildcardOne   = "*"
	wildcardMany  = "#"
)

// ValidRoutingKey reports whether key is a concrete routing key (non-empty, no wildcards,
// no empty words).
func ValidRoutingKey(key string) bool {
	if key == "" {
		return false
	}
	for _, w := range strings.Split(key, wordSeparator) {
		if w == "" || w == wildcardOne || w == wildcardMany {
			return false
		}
	}
	return true
}

// ValidPattern reports whether pattern is a well formed subscription pattern.
func ValidPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	for _, w := range strings.Split(pattern, wordSeparator) {
		if w == "" {
			return false
		}
		if w != wildcardOne && w != wildcardMany && strings.ContainsAny(w, wildcardOne+wildcardMany) {
			return false
		}
	}
	return true
}

// HasWildcard reports whether pattern contains "*" or "#" words.
func HasWildcard(pattern string) bool {
	for _, w := range strings.Split(pattern, wordSeparator) {
		if w == wildcardOne || w == wildcardMany {
			return true
		}
	}
	return false
}

// MatchRoutingKey reports whether key is selected by pattern.
func MatchRoutingKey(pattern, key string) bool {
	return matchWords(strings.Split(pattern, wordSeparator), strings.Split(key, wordSeparator))
}

func matchWords(pat, key []string) bool {
	for len(pat) > 0 {
		switch pat[0] {
		case wildcardMany:
			// Collapse runs of "#" and try every possible split of the remaining key.
			rest := pat[1:]
			for len(rest) > 0 && rest[0] == wildcardMany {
				rest = rest[1:]
			}
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(rest, key[i:]) {
					return true
				}
			}
			return false
		case wildcardOne:
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pat[0] {
				return false
			}
		}
		pat, key = pat[1:], key[1:]
	}
	return len(key) == 0
}
