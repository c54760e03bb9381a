// Package filter applies an optional allow/deny rule set to parsed servers
// before scheduling, generalizing the teacher's FilterEngine (filter.go)
// from its fixed "Iran-specific" rule set to a data-driven rules file.
package filter

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/jsonc"

	"proxycache/internal/model"
)

// Rule is one allow/deny rule, loaded from a JSONC rules file. Type is one
// of "protocol" or "domain"; Action is one of "include" or "exclude".
type Rule struct {
	Type    string `json:"type"`
	Pattern string `json:"pattern"`
	Action  string `json:"action"`
	Enabled bool   `json:"enabled"`
}

// Engine holds the compiled rule set. A config with no matching rule is
// included by default, matching the teacher's shouldIncludeConfig idiom.
type Engine struct {
	protocolAllow map[model.Kind]bool // non-empty => allowlist
	domainDeny    []string            // substring blacklist
}

// New compiles rules into an Engine.
func New(rules []Rule) *Engine {
	e := &Engine{protocolAllow: make(map[model.Kind]bool)}
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		switch r.Type {
		case "protocol":
			if r.Action == "include" {
				e.protocolAllow[model.Kind(strings.ToUpper(r.Pattern))] = true
			}
		case "domain":
			if r.Action == "exclude" {
				e.domainDeny = append(e.domainDeny, r.Pattern)
			}
		}
	}
	return e
}

// LoadRulesFile parses a JSON-with-comments rules file via
// github.com/tidwall/jsonc, so operators can annotate why a domain is
// blocked without breaking the parser.
func LoadRulesFile(r io.Reader) ([]Rule, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	clean := jsonc.ToJSON(raw)

	var rules []Rule
	if err := json.Unmarshal(clean, &rules); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	return rules, nil
}

// Apply filters servers, preserving order. A server survives unless an
// enabled rule excludes it: a non-empty protocol allowlist that doesn't
// name its Kind, or a domain-deny substring match against its Address.
func (e *Engine) Apply(servers []*model.Server) []*model.Server {
	if e == nil {
		return servers
	}
	out := make([]*model.Server, 0, len(servers))
	for _, s := range servers {
		if e.allows(s) {
			out = append(out, s)
		}
	}
	return out
}

func (e *Engine) allows(s *model.Server) bool {
	if len(e.protocolAllow) > 0 && !e.protocolAllow[s.Kind] {
		return false
	}
	for _, denied := range e.domainDeny {
		if denied != "" && strings.Contains(s.Address, denied) {
			return false
		}
	}
	return true
}
