package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/trustgate/trustgate/internal/domain/policy"
)

// seedFile is the on-disk shape of a policy seed.
type seedFile struct {
	Rules    []seedRule    `yaml:"rules"`
	Patterns []seedPattern `yaml:"redactionPatterns"`
}

type seedRule struct {
	Category    string         `yaml:"category"`
	PluginID    string         `yaml:"pluginId"`
	Action      string         `yaml:"action"`
	Condition   map[string]any `yaml:"condition"`
	Description string         `yaml:"description"`
	Priority    int            `yaml:"priority"`
	Enabled     *bool          `yaml:"enabled"`
}

type seedPattern struct {
	Name        string `yaml:"name"`
	Regex       string `yaml:"regex"`
	Replacement string `yaml:"replacement"`
	Enabled     *bool  `yaml:"enabled"`
}

// PolicySeed holds parsed seed rules and patterns, validated but without
// ids or timestamps; the caller assigns those at insert time.
type PolicySeed struct {
	Rules    []policy.Rule
	Patterns []policy.RedactionPattern
}

// LoadPolicySeed parses a YAML seed file. Conditions are written in YAML
// using the same single-key operator objects as the JSON predicate trees.
func LoadPolicySeed(path string) (*PolicySeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy seed %s: %w", path, err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy seed %s: %w", path, err)
	}

	seed := &PolicySeed{}
	for i, sr := range f.Rules {
		rule := policy.Rule{
			Scope:       policy.Scope{Category: sr.Category, PluginID: sr.PluginID},
			Action:      policy.Action(sr.Action),
			Description: sr.Description,
			Priority:    sr.Priority,
			Enabled:     sr.Enabled == nil || *sr.Enabled,
		}
		if sr.Condition != nil {
			node, err := conditionNode(sr.Condition)
			if err != nil {
				return nil, fmt.Errorf("seed rule %d: %w", i, err)
			}
			rule.Condition = node
		}
		switch rule.Action {
		case policy.ActionAllow, policy.ActionBlock, policy.ActionRedact, policy.ActionRequireApproval:
		default:
			return nil, fmt.Errorf("seed rule %d: unknown action %q", i, sr.Action)
		}
		seed.Rules = append(seed.Rules, rule)
	}
	for _, sp := range f.Patterns {
		seed.Patterns = append(seed.Patterns, policy.RedactionPattern{
			Name:        sp.Name,
			Regex:       sp.Regex,
			Replacement: sp.Replacement,
			Enabled:     sp.Enabled == nil || *sp.Enabled,
		})
	}
	return seed, nil
}

// conditionNode round-trips the YAML condition through JSON so the
// predicate parser (which owns operator validation) builds the tree.
func conditionNode(cond map[string]any) (*policy.Node, error) {
	raw, err := json.Marshal(cond)
	if err != nil {
		return nil, fmt.Errorf("encode condition: %w", err)
	}
	var node policy.Node
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("parse condition: %w", err)
	}
	if err := node.Validate(); err != nil {
		return nil, fmt.Errorf("invalid condition: %w", err)
	}
	return &node, nil
}
