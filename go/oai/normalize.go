package oai

import (
	"fmt"
	"regexp"
	"strings"
)

// Normalizer rewrites raw OAI identifiers into local record ids: an
// optional prefix strip followed by an ordered list of regex rewrites.
// The search/replace lists are position-correlated and must be applied
// in their configured order.
type Normalizer struct {
	prefix string
	rules  []rewriteRule
}

type rewriteRule struct {
	re          *regexp.Regexp
	replacement string
}

// NewNormalizer compiles the rewrite pipeline. Patterns may carry
// surrounding slash delimiters, which are stripped before compiling.
func NewNormalizer(prefix string, search, replace []string) (*Normalizer, error) {
	if len(search) != len(replace) {
		return nil, fmt.Errorf("%d search patterns but %d replacements", len(search), len(replace))
	}
	var n = &Normalizer{prefix: prefix}
	for i, pattern := range search {
		var re, err = regexp.Compile(stripDelimiters(pattern))
		if err != nil {
			return nil, fmt.Errorf("compiling idSearch pattern %q: %w", pattern, err)
		}
		n.rules = append(n.rules, rewriteRule{re: re, replacement: replace[i]})
	}
	return n, nil
}

// Normalize applies the prefix strip and every rewrite rule in order.
func (n *Normalizer) Normalize(id string) string {
	id = strings.TrimPrefix(id, n.prefix)
	for _, r := range n.rules {
		id = r.re.ReplaceAllString(id, r.replacement)
	}
	return id
}

func stripDelimiters(pattern string) string {
	if len(pattern) >= 2 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
		return pattern[1 : len(pattern)-1]
	}
	return pattern
}
