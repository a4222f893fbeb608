// Package invalidation supplements the core cache contract with an external
// collaborator for pattern-based invalidation: given a set of known cache
// keys and a wildcard/regex pattern, it finds which keys match and invokes
// Remove on each through the caller's composed backend. It never reaches
// into a backend's internals to enumerate keys itself — the core has no
// such operation, by design — so callers supply the candidate key set
// (typically a side index a caller already maintains for its own routes).
package invalidation

import (
	"errors"
	"regexp"
	"strings"
	"sync"
)

// PatternMatcher matches cache-key strings against wildcard or regex
// patterns, adapted from the teacher's hand-rolled matcher: prefix/suffix/
// contains wildcards take an O(n*k) fast path, anything more complex falls
// through to a cached compiled regex.
//
// Supported patterns:
//   - Exact: "user:123" matches only "user:123"
//   - Prefix wildcard: "user:*" matches "user:123", "user:456"
//   - Suffix wildcard: "*:profile" matches "user:profile", "product:profile"
//   - Contains: "*:123:*" matches any key containing ":123:"
//   - Regex: "user:[0-9]+" matches "user:123", "user:456"
type PatternMatcher struct {
	regexCache sync.Map // map[string]*regexp.Regexp
}

// NewPatternMatcher creates a matcher with an empty regex cache.
func NewPatternMatcher() *PatternMatcher {
	return &PatternMatcher{}
}

// Match returns every key in keys matching pattern.
func (pm *PatternMatcher) Match(pattern string, keys []string) []string {
	if pattern == "" {
		return []string{}
	}

	if !IsWildcard(pattern) && !IsRegex(pattern) {
		for _, key := range keys {
			if key == pattern {
				return []string{key}
			}
		}
		return []string{}
	}

	if IsWildcard(pattern) {
		return pm.matchWildcard(pattern, keys)
	}
	return pm.matchRegex(pattern, keys)
}

// IsWildcard reports whether pattern contains a wildcard character.
func IsWildcard(pattern string) bool {
	return strings.Contains(pattern, "*")
}

// IsRegex reports whether pattern contains a regex metacharacter.
func IsRegex(pattern string) bool {
	for _, char := range []string{"[", "]", "(", ")", "^", "$", "+", "?", "{", "}", "|"} {
		if strings.Contains(pattern, char) {
			return true
		}
	}
	return false
}

func (pm *PatternMatcher) matchWildcard(pattern string, keys []string) []string {
	matches := make([]string, 0)

	if pattern == "*" {
		return keys
	}

	switch {
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*"):
		substring := strings.Trim(pattern, "*")
		for _, key := range keys {
			if strings.Contains(key, substring) {
				matches = append(matches, key)
			}
		}
	case strings.HasPrefix(pattern, "*"):
		suffix := strings.TrimPrefix(pattern, "*")
		for _, key := range keys {
			if strings.HasSuffix(key, suffix) {
				matches = append(matches, key)
			}
		}
	case strings.HasSuffix(pattern, "*"):
		prefix := strings.TrimSuffix(pattern, "*")
		for _, key := range keys {
			if strings.HasPrefix(key, prefix) {
				matches = append(matches, key)
			}
		}
	default:
		return pm.matchRegex(wildcardToRegex(pattern), keys)
	}

	return matches
}

func (pm *PatternMatcher) matchRegex(pattern string, keys []string) []string {
	var re *regexp.Regexp
	if cached, ok := pm.regexCache.Load(pattern); ok {
		re = cached.(*regexp.Regexp)
	} else {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return []string{}
		}
		pm.regexCache.Store(pattern, re)
	}

	matches := make([]string, 0)
	for _, key := range keys {
		if re.MatchString(key) {
			matches = append(matches, key)
		}
	}
	return matches
}

// wildcardToRegex converts a wildcard pattern into an anchored regex, e.g.
// "user:*:profile" -> "^user:.*:profile$".
func wildcardToRegex(pattern string) string {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, "\\*", ".*")
	return "^" + escaped + "$"
}

// MatchCount returns the number of keys matching pattern. An exact pattern
// is counted without building a slice; any other pattern is counted as the
// length of the slice Match returns.
func (pm *PatternMatcher) MatchCount(pattern string, keys []string) int {
	if pattern == "" {
		return 0
	}
	if !IsWildcard(pattern) && !IsRegex(pattern) {
		for _, key := range keys {
			if key == pattern {
				return 1
			}
		}
		return 0
	}
	return len(pm.Match(pattern, keys))
}

// ValidatePattern rejects patterns that are too long or fail to compile as
// regex, guarding against ReDoS and malformed input before a pattern ever
// reaches Match.
func (pm *PatternMatcher) ValidatePattern(pattern string) error {
	if pattern == "" {
		return nil
	}
	if len(pattern) > 1000 {
		return errors.New("invalidation: pattern too long")
	}
	if IsRegex(pattern) {
		if _, err := regexp.Compile(pattern); err != nil {
			return err
		}
	}
	return nil
}

// ClearCache empties the compiled-regex cache.
func (pm *PatternMatcher) ClearCache() {
	pm.regexCache = sync.Map{}
}

// CacheSize returns the number of compiled regex patterns currently cached.
func (pm *PatternMatcher) CacheSize() int {
	count := 0
	pm.regexCache.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}
