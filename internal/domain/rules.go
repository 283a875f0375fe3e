package domain

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// PatternRule is one static detection rule.
type PatternRule struct {
	ID          string       `yaml:"id" validate:"required"`
	Category    string       `yaml:"category" validate:"oneof=unsafe-memory process network filesystem ffi obfuscation shell"`
	Severity    m.Severity   `yaml:"severity" validate:"oneof=Low Medium High Critical"`
	Description string       `yaml:"description" validate:"required"`
	Pattern     string       `yaml:"pattern" validate:"required"`
	Languages   []m.Language `yaml:"languages"`

	re *regexp.Regexp
}

// Applies reports whether the rule covers lang. Rules without languages cover all.
func (r *PatternRule) Applies(lang m.Language) bool {
	return len(r.Languages) == 0 || slices.Contains(r.Languages, lang)
}

// CapabilityRules lists requirement names that imply a capability.
type CapabilityRules struct {
	Network    []string `yaml:"network"`
	Process    []string `yaml:"process"`
	FileSystem []string `yaml:"filesystem"`
}

// EcosystemRules holds the name tables for one package registry.
type EcosystemRules struct {
	KnownMalicious []string        `yaml:"known_malicious"`
	Trusted        []string        `yaml:"trusted"`
	Reference      []string        `yaml:"reference"`
	Capabilities   CapabilityRules `yaml:"capabilities"`
}

// Rules is the full rule table used by the static scanner and the dependency assessor.
type Rules struct {
	Patterns           []*PatternRule                 `yaml:"patterns" validate:"required,dive"`
	SuspiciousKeywords []string                       `yaml:"suspicious_keywords"`
	SuspiciousAuthors  []string                       `yaml:"suspicious_authors"`
	Ecosystems         map[m.Ecosystem]EcosystemRules `yaml:"ecosystems"`
}

// Ecosystem returns the tables for eco, empty when none are configured.
func (r *Rules) Ecosystem(eco m.Ecosystem) EcosystemRules {
	return r.Ecosystems[eco]
}

// DefaultRules returns the embedded rule table.
func DefaultRules() (*Rules, error) {
	return ParseRules(defaultRulesYAML)
}

// LoadRules reads the rule table at path, or the embedded one when path is empty.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return DefaultRules()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("failed to read rules file", "path", path, "error", err)
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	rules, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("rules file %s: %w", path, err)
	}

	return rules, nil
}

// ParseRules decodes, validates and compiles a YAML rule table.
func ParseRules(data []byte) (*Rules, error) {
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}

	if err := validator.New().Struct(&rules); err != nil {
		return nil, &m.ConfigurationError{Problems: []string{err.Error()}, Err: err}
	}

	seen := make(map[string]bool, len(rules.Patterns))

	for _, rule := range rules.Patterns {
		if seen[rule.ID] {
			return nil, &m.ConfigurationError{Problems: []string{fmt.Sprintf("duplicate rule id %q", rule.ID)}}
		}

		seen[rule.ID] = true

		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, &m.ConfigurationError{Problems: []string{fmt.Sprintf("rule %s: invalid pattern", rule.ID)}, Err: err}
		}

		rule.re = re
	}

	for i, kw := range rules.SuspiciousKeywords {
		rules.SuspiciousKeywords[i] = strings.ToLower(kw)
	}

	return &rules, nil
}
