// Package autoreply maps inbound text to canned replies via keyword matching.
// It is used for sessions that no agent has claimed yet, so common questions
// get an answer before a human engages.
package autoreply

import (
	"strings"
	"sync"
)

// Rule maps a set of keywords to one canned reply.
type Rule struct {
	Keywords []string `json:"keywords"`
	Reply    string   `json:"reply"`
}

// Matcher evaluates rules in order against lowercased input.
// Rule order is the tie-break when several rules would match — the first
// matching rule wins. This is intentional: rules are a flat ordered list,
// not a priority system.
type Matcher struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewMatcher creates a matcher over the given ordered rules.
// Nil or empty rules produce a matcher that never matches.
func NewMatcher(rules []Rule) *Matcher {
	return &Matcher{rules: rules}
}

// Match returns the canned reply for the first rule whose ANY keyword is a
// case-insensitive substring of text. The second return is false when no
// rule matches.
func (m *Matcher) Match(text string) (string, bool) {
	if text == "" {
		return "", false
	}

	lower := strings.ToLower(text)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rule := range m.rules {
		for _, kw := range rule.Keywords {
			if kw == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(kw)) {
				return rule.Reply, true
			}
		}
	}
	return "", false
}

// SetRules atomically replaces the rule set (used by hot reload).
func (m *Matcher) SetRules(rules []Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = rules
}

// RuleCount returns the number of loaded rules.
func (m *Matcher) RuleCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rules)
}
