// Package tokenize substitutes reversible placeholder tokens for PII at
// the sandbox boundary. Sensitive values entering guest code are replaced
// with tokens of the form TKN_<CATEGORY>_<NNNNNN>; tokens appearing in
// guest output or outgoing tool arguments are mapped back to the raw
// values before leaving the gateway.
package tokenize

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Pattern-detected categories. The "name" category cannot be detected by
// pattern and is driven by map-key heuristics instead.
var patterns = []struct {
	category string
	re       *regexp.Regexp
}{
	{"email", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"credit_card", regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`)},
	{"phone", regexp.MustCompile(`(?:\+?1[\s\-.]?)?\(?\d{3}\)?[\s\-.]?\d{3}[\s\-.]?\d{4}\b`)},
}

var tokenRe = regexp.MustCompile(`TKN_[A-Z_]+_\d{6}`)

// Context is a per-session bidirectional token map. Tokens are stable: the
// same raw value always produces the same token within one Context.
type Context struct {
	mu      sync.Mutex
	types   map[string]bool // enabled categories
	counter int
	byRaw   map[string]string // raw value -> token
	byToken map[string]string // token -> raw value
}

// NewContext creates a Context tokenizing the given categories.
// Supported: email, phone, ssn, credit_card, name.
func NewContext(types []string) *Context {
	enabled := make(map[string]bool, len(types))
	for _, t := range types {
		enabled[strings.ToLower(t)] = true
	}
	return &Context{
		types:   enabled,
		byRaw:   make(map[string]string),
		byToken: make(map[string]string),
	}
}

// token returns the stable token for raw under category, minting one on
// first sight.
func (c *Context) token(category, raw string) string {
	if tok, ok := c.byRaw[raw]; ok {
		return tok
	}
	c.counter++
	tok := fmt.Sprintf("TKN_%s_%06d", strings.ToUpper(category), c.counter)
	c.byRaw[raw] = tok
	c.byToken[tok] = raw
	return tok
}

// TokenizeString replaces every enabled-category PII match in s.
func (c *Context) TokenizeString(s string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokenizeLocked(s)
}

func (c *Context) tokenizeLocked(s string) string {
	for _, p := range patterns {
		if !c.types[p.category] {
			continue
		}
		s = p.re.ReplaceAllStringFunc(s, func(m string) string {
			return c.token(p.category, m)
		})
	}
	return s
}

// DetokenizeString restores raw values for every known token in s.
// Unknown tokens pass through unchanged.
func (c *Context) DetokenizeString(s string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return tokenRe.ReplaceAllStringFunc(s, func(tok string) string {
		if raw, ok := c.byToken[tok]; ok {
			return raw
		}
		return tok
	})
}

// TokenizeValue recursively tokenizes strings within JSON-shaped values
// (string, []any, map[string]any). Map values under name-like keys are
// tokenized wholesale when the name category is enabled. Other types pass
// through unchanged.
func (c *Context) TokenizeValue(v any) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokenizeValueLocked(v, "")
}

func (c *Context) tokenizeValueLocked(v any, key string) any {
	switch t := v.(type) {
	case string:
		if c.types["name"] && isNameKey(key) && t != "" && !tokenRe.MatchString(t) {
			return c.token("name", t)
		}
		return c.tokenizeLocked(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = c.tokenizeValueLocked(item, key)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = c.tokenizeValueLocked(item, k)
		}
		return out
	default:
		return v
	}
}

// DetokenizeValue recursively restores raw values within JSON-shaped values.
func (c *Context) DetokenizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return c.DetokenizeString(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = c.DetokenizeValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = c.DetokenizeValue(item)
		}
		return out
	default:
		return v
	}
}

// Count returns the number of distinct tokens minted so far.
func (c *Context) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byToken)
}

// isNameKey reports whether a map key designates a person-name field:
// exactly "name", or ending in "name" or "_name".
func isNameKey(key string) bool {
	k := strings.ToLower(key)
	return k == "name" || strings.HasSuffix(k, "_name") || strings.HasSuffix(k, "name")
}
