package invalidation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Allowlist is a static set of patterns permitted for pattern-based
// invalidation, loaded once at startup. Requiring an explicit allowlist
// keeps a mistyped or overly broad pattern (e.g. "*") from silently wiping
// an entire cache tier through an external trigger — a caller widening the
// blast radius of invalidation has to do so by editing this file, not by
// however a webhook payload happens to be shaped.
type Allowlist struct {
	Patterns []string `yaml:"patterns"`

	index map[string]struct{}
}

// LoadAllowlist reads a YAML file of the form:
//
//	patterns:
//	  - "user:*"
//	  - "product:*:profile"
func LoadAllowlist(path string) (*Allowlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("invalidation: reading allowlist %s: %w", path, err)
	}

	var a Allowlist
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("invalidation: parsing allowlist %s: %w", path, err)
	}
	a.reindex()
	return &a, nil
}

// NewAllowlist builds an Allowlist directly from a pattern slice, for
// callers that source it from somewhere other than a YAML file (tests, or
// configuration already loaded through pkg/config).
func NewAllowlist(patterns []string) *Allowlist {
	a := &Allowlist{Patterns: patterns}
	a.reindex()
	return a
}

func (a *Allowlist) reindex() {
	a.index = make(map[string]struct{}, len(a.Patterns))
	for _, p := range a.Patterns {
		a.index[p] = struct{}{}
	}
}

// Allows reports whether pattern is present in the allowlist verbatim.
// Patterns are matched exactly, not as wildcards against each other — an
// allowlist entry "user:*" permits invalidating with that exact pattern,
// it does not itself get wildcard-expanded.
func (a *Allowlist) Allows(pattern string) bool {
	if a == nil {
		return false
	}
	_, ok := a.index[pattern]
	return ok
}
