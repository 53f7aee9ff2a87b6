package pipeline

import (
	"regexp"
	"strings"

	"github.com/gravitational/trace"
)

// substitutionWindow is the minimum number of trailing bytes held back
// while substituting a stream, so matches arriving in pieces can still
// complete.
const substitutionWindow = 1024

// Replacement is one ordered body rewrite rule. Pattern is a literal
// string unless Regex is set, in which case it is compiled as a regular
// expression and Replacement may use $1-style group references.
type Replacement struct {
	Pattern     string `json:"pattern" yaml:"pattern" mapstructure:"pattern"`
	Replacement string `json:"replacement" yaml:"replacement" mapstructure:"replacement"`
	Regex       bool   `json:"regex,omitempty" yaml:"regex,omitempty" mapstructure:"regex"`
}

type rule struct {
	pattern     string
	re          *regexp.Regexp
	replacement string
}

// Rules is a compiled, ordered replacement set shared by all responses.
type Rules struct {
	rules  []rule
	window int
}

// CompileRules validates and compiles an ordered list of replacements.
// A nil result with a nil error means no rules were configured.
func CompileRules(specs []Replacement) (*Rules, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	r := &Rules{window: substitutionWindow}
	for _, spec := range specs {
		if spec.Pattern == "" {
			return nil, trace.BadParameter("replacement pattern must not be empty")
		}
		if spec.Regex {
			re, err := regexp.Compile(spec.Pattern)
			if err != nil {
				return nil, trace.BadParameter("replacement pattern %q: %v", spec.Pattern, err)
			}
			r.rules = append(r.rules, rule{re: re, replacement: spec.Replacement})
			continue
		}
		r.rules = append(r.rules, rule{pattern: spec.Pattern, replacement: spec.Replacement})
		// A literal longer than the default window could otherwise be cut
		// in half at the retention boundary.
		if len(spec.Pattern) > r.window {
			r.window = len(spec.Pattern)
		}
	}
	return r, nil
}

// Empty reports whether there is nothing to apply.
func (r *Rules) Empty() bool {
	return r == nil || len(r.rules) == 0
}

// Apply runs every rule, in declared order, over s.
func (r *Rules) Apply(s string) string {
	if r.Empty() {
		return s
	}
	for _, ru := range r.rules {
		if ru.re != nil {
			s = ru.re.ReplaceAllString(s, ru.replacement)
		} else {
			s = strings.ReplaceAll(s, ru.pattern, ru.replacement)
		}
	}
	return s
}
