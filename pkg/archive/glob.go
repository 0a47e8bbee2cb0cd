package archive

import (
	"strings"
	"unicode/utf8"
)

// MatchPattern reports whether name matches a wildcard pattern, ignoring
// case. '*' matches any run of characters (including none) and '?' matches
// exactly one. An empty pattern matches everything.
func MatchPattern(pattern, name string) bool {
	if pattern == "" {
		return true
	}
	return matchGlob(strings.ToLower(pattern), strings.ToLower(name))
}

func matchGlob(pattern, name string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for len(pattern) > 0 && pattern[0] == '*' {
				pattern = pattern[1:]
			}
			if pattern == "" {
				return true
			}
			// Greedy: try the longest remaining suffix first.
			for i := len(name); i >= 0; i-- {
				if i < len(name) && !utf8.RuneStart(name[i]) {
					continue
				}
				if matchGlob(pattern, name[i:]) {
					return true
				}
			}
			return false

		case '?':
			if name == "" {
				return false
			}
			_, size := utf8.DecodeRuneInString(name)
			pattern, name = pattern[1:], name[size:]

		default:
			pr, psize := utf8.DecodeRuneInString(pattern)
			nr, nsize := utf8.DecodeRuneInString(name)
			if name == "" || pr != nr {
				return false
			}
			pattern, name = pattern[psize:], name[nsize:]
		}
	}

	return name == ""
}
