package intent

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// Rule maps a phrase set to a route.
type Rule struct {
	Name          string   `yaml:"name"`
	Route         Route    `yaml:"route"`
	Phrases       []string `yaml:"phrases"`
	Unless        []string `yaml:"unless"`
	RequireEntity bool     `yaml:"require_entity"`
	Confidence    float64  `yaml:"confidence"`

	match  *regexp.Regexp
	except *regexp.Regexp
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// DefaultRules returns the built-in rule table.
func DefaultRules() []Rule {
	rules, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("intent: built-in rules are invalid: %v", err))
	}
	return rules
}

// LoadRules reads a rule table from a YAML file. An empty path yields the
// built-in rules.
func LoadRules(path string) ([]Rule, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// ParseRules decodes and compiles a YAML rule table.
func ParseRules(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("rule table is empty")
	}

	seen := make(map[string]bool, len(f.Rules))
	for i := range f.Rules {
		r := &f.Rules[i]
		if r.Name == "" {
			return nil, fmt.Errorf("rule %d: name is required", i)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("rule %q: duplicate name", r.Name)
		}
		seen[r.Name] = true
		if !r.Route.Valid() {
			return nil, fmt.Errorf("rule %q: unknown route %q", r.Name, r.Route)
		}
		if len(r.Phrases) == 0 {
			return nil, fmt.Errorf("rule %q: at least one phrase is required", r.Name)
		}
		if r.Confidence == 0 {
			r.Confidence = 0.8
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return nil, fmt.Errorf("rule %q: confidence %v out of range", r.Name, r.Confidence)
		}
		r.match = phraseRegexp(r.Phrases)
		if len(r.Unless) > 0 {
			r.except = phraseRegexp(r.Unless)
		}
	}
	return f.Rules, nil
}

// phraseRegexp compiles phrases into one case-insensitive alternation
// anchored on word boundaries. Runs of spaces inside a phrase match any
// whitespace.
func phraseRegexp(phrases []string) *regexp.Regexp {
	alts := make([]string, 0, len(phrases))
	for _, p := range phrases {
		words := strings.Fields(strings.ToLower(p))
		if len(words) == 0 {
			continue
		}
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		alts = append(alts, strings.Join(words, `\s+`))
	}
	if len(alts) == 0 {
		return regexp.MustCompile(`$^`)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(alts, "|") + `)\b`)
}

// fire returns the matched phrase, or "" when the rule does not fire.
func (r *Rule) fire(utterance string, entity string) string {
	if r.match == nil {
		return ""
	}
	m := r.match.FindString(utterance)
	if m == "" {
		return ""
	}
	if r.except != nil && r.except.MatchString(utterance) {
		return ""
	}
	if r.RequireEntity && entity == "" {
		return ""
	}
	return strings.ToLower(m)
}

// entityVariants expands table names into the forms people type: as is,
// underscores as spaces, and a naive singular.
func entityVariants(names []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		for _, form := range []string{n, strings.ReplaceAll(n, "_", " ")} {
			add(form)
			add(singular(form))
		}
	}
	return out
}

func singular(s string) string {
	switch {
	case strings.HasSuffix(s, "ies") && len(s) > 3:
		return s[:len(s)-3] + "y"
	case strings.HasSuffix(s, "ss"):
		return s
	case strings.HasSuffix(s, "s") && len(s) > 1:
		return s[:len(s)-1]
	}
	return s
}
