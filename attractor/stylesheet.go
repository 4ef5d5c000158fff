// ABOUTME: model_stylesheet: a tiny CSS dialect that assigns LLM properties to nodes by selector.
// ABOUTME: Selectors are * / .class / #id; higher specificity wins, explicit node attrs win over all.
package attractor

import (
	"fmt"
	"strings"
	"unicode"
)

// StyleRule is one selector block and its property set.
type StyleRule struct {
	Selector    string
	Properties  map[string]string
	Specificity int
}

// Stylesheet is an ordered list of parsed rules.
type Stylesheet struct {
	Rules []StyleRule
}

// ParseStylesheet parses "selector { key: value; ... }" blocks. Specificity:
// * is 0, .class is 1, #id is 2.
func ParseStylesheet(input string) (*Stylesheet, error) {
	rest := strings.TrimSpace(input)
	if rest == "" {
		return nil, fmt.Errorf("empty stylesheet")
	}

	ss := &Stylesheet{}
	for {
		rest = strings.TrimSpace(rest)
		if rest == "" {
			break
		}

		braceIdx := strings.Index(rest, "{")
		if braceIdx < 0 {
			return nil, fmt.Errorf("expected '{' in stylesheet")
		}
		selector := strings.TrimSpace(rest[:braceIdx])
		if selector == "" {
			return nil, fmt.Errorf("empty selector")
		}
		specificity, err := selectorSpecificity(selector)
		if err != nil {
			return nil, err
		}
		rest = rest[braceIdx+1:]

		closeIdx := strings.Index(rest, "}")
		if closeIdx < 0 {
			return nil, fmt.Errorf("expected '}' to close rule for selector %q", selector)
		}
		props, err := parseProperties(rest[:closeIdx])
		if err != nil {
			return nil, fmt.Errorf("parsing properties for %q: %w", selector, err)
		}
		rest = rest[closeIdx+1:]

		ss.Rules = append(ss.Rules, StyleRule{
			Selector:    selector,
			Properties:  props,
			Specificity: specificity,
		})
	}

	if len(ss.Rules) == 0 {
		return nil, fmt.Errorf("no rules found in stylesheet")
	}
	return ss, nil
}

// selectorSpecificity validates a selector and returns its rank.
func selectorSpecificity(selector string) (int, error) {
	switch {
	case selector == "*":
		return 0, nil
	case strings.HasPrefix(selector, "."):
		if name := selector[1:]; name == "" || !isValidIdentifier(name) {
			return 0, fmt.Errorf("invalid class selector %q", selector)
		}
		return 1, nil
	case strings.HasPrefix(selector, "#"):
		if name := selector[1:]; name == "" || !isValidIdentifier(name) {
			return 0, fmt.Errorf("invalid ID selector %q", selector)
		}
		return 2, nil
	}
	return 0, fmt.Errorf("invalid selector %q: must be *, .class, or #id", selector)
}

// isValidIdentifier allows letter/_ first, then letters, digits, _, -.
func isValidIdentifier(s string) bool {
	for i, r := range s {
		if i == 0 && !unicode.IsLetter(r) && r != '_' {
			return false
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' {
			return false
		}
	}
	return len(s) > 0
}

// parseProperties splits "key: value;" declarations.
func parseProperties(s string) (map[string]string, error) {
	props := make(map[string]string)
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		colonIdx := strings.Index(part, ":")
		if colonIdx < 0 {
			return nil, fmt.Errorf("expected ':' in property declaration %q", part)
		}
		key := strings.TrimSpace(part[:colonIdx])
		if key == "" {
			return nil, fmt.Errorf("empty property name in %q", part)
		}
		props[key] = strings.TrimSpace(part[colonIdx+1:])
	}
	return props, nil
}

// Apply writes resolved stylesheet properties onto every node, never
// overwriting an attribute the node declared itself.
func (ss *Stylesheet) Apply(g *Graph) {
	for _, node := range g.Nodes {
		for key, val := range ss.MatchNode(node) {
			if _, exists := node.Attrs[key]; !exists {
				node.Attrs[key] = val
			}
		}
	}
}

// MatchNode resolves the property set for one node. Later rules of equal or
// higher specificity override earlier ones.
func (ss *Stylesheet) MatchNode(node *Node) map[string]string {
	resolved := make(map[string]string)
	specOf := make(map[string]int)

	for _, rule := range ss.Rules {
		if !selectorMatches(rule.Selector, node) {
			continue
		}
		for key, val := range rule.Properties {
			if prev, seen := specOf[key]; !seen || rule.Specificity >= prev {
				resolved[key] = val
				specOf[key] = rule.Specificity
			}
		}
	}
	return resolved
}

// selectorMatches tests one selector against one node. Class matching honors
// a comma-separated class attribute.
func selectorMatches(selector string, node *Node) bool {
	switch {
	case selector == "*":
		return true
	case strings.HasPrefix(selector, "#"):
		return node.ID == selector[1:]
	case strings.HasPrefix(selector, "."):
		className := selector[1:]
		for _, c := range strings.Split(node.Attrs["class"], ",") {
			if strings.TrimSpace(c) == className {
				return true
			}
		}
	}
	return false
}
