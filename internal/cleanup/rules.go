package cleanup

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/macjediwizard/calfeedsync/internal/calstore"
)

// ErrInvalidRules is returned for unreadable or malformed rules files.
var ErrInvalidRules = errors.New("invalid cleanup rules")

// PatternRule groups events whose fields match a regular expression.
type PatternRule struct {
	Name   string   `yaml:"name"`
	Regex  string   `yaml:"regex"`
	Fields []string `yaml:"fields"`

	re *regexp.Regexp
}

// Match reports whether any configured field of ev matches the rule.
func (r PatternRule) Match(ev calstore.Event) bool {
	if r.re == nil {
		return false
	}
	fields := r.Fields
	if len(fields) == 0 {
		fields = []string{"title"}
	}
	for _, f := range fields {
		switch f {
		case "title":
			if r.re.MatchString(ev.Title) {
				return true
			}
		case "description":
			if r.re.MatchString(calstore.StripMarker(ev.Description)) {
				return true
			}
		}
	}
	return false
}

// Rules is the optional cleanup rules file.
type Rules struct {
	Patterns []PatternRule `yaml:"patterns"`
	Preserve Preserve      `yaml:"preserve"`
}

// LoadRules reads and compiles a YAML rules file.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRules, err)
	}
	return ParseRules(data)
}

// ParseRules parses and compiles YAML rules.
func ParseRules(data []byte) (*Rules, error) {
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRules, err)
	}

	switch rules.Preserve {
	case "":
		rules.Preserve = PreserveOldest
	case PreserveOldest, PreserveNewest:
	default:
		return nil, fmt.Errorf("%w: preserve must be oldest or newest, got %q", ErrInvalidRules, rules.Preserve)
	}

	for i := range rules.Patterns {
		p := &rules.Patterns[i]
		if p.Name == "" {
			p.Name = fmt.Sprintf("pattern-%d", i+1)
		}
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %s: %w", ErrInvalidRules, p.Name, err)
		}
		p.re = re
		for _, f := range p.Fields {
			if f != "title" && f != "description" {
				return nil, fmt.Errorf("%w: pattern %s: unknown field %q", ErrInvalidRules, p.Name, f)
			}
		}
	}

	return &rules, nil
}
