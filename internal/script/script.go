// internal/script/script.go
// The script interpreter is deliberately pure: given the same rule set,
// inbound message, and conversation history it always produces the same
// decision, so conversational behavior is testable without a browser.
package script

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Rule is one entry in the ordered rule list. Match is a case-insensitive
// regular expression applied to the inbound message text. Stage, when
// positive, restricts the rule to the Nth inbound message of a conversation.
// An empty Reply records the message but leaves it unanswered.
type Rule struct {
	Name  string `yaml:"name"`
	Match string `yaml:"match"`
	Stage int    `yaml:"stage"`
	Reply string `yaml:"reply"`
}

type compiledRule struct {
	name  string
	re    *regexp.Regexp
	stage int
	tmpl  *template.Template
}

// RuleSet is a compiled, read-only rule list. It is safe to share across
// sessions: evaluation touches no mutable state.
type RuleSet struct {
	rules []compiledRule
}

// Input carries everything a rule may observe. InboundCount includes the
// message being evaluated; PriorReplies is the bot's own previous messages in
// arrival order.
type Input struct {
	ConversationID string
	Message        string
	InboundCount   int
	PriorReplies   []string
}

// Decision is the interpreter's output. A zero Reply means no-op: the message
// stays recorded but unanswered. Rule names the matching rule, if any.
type Decision struct {
	Rule    string
	Reply   string
	Matched bool
}

// NoOp reports whether the decision produces no outgoing reply.
func (d Decision) NoOp() bool { return d.Reply == "" }

// Load reads and compiles a rule file.
func Load(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule file: %w", err)
	}
	rs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("rule file %s: %w", path, err)
	}
	return rs, nil
}

// Parse compiles a YAML rule list. All patterns and templates are validated
// here so evaluation can never fail.
func Parse(data []byte) (*RuleSet, error) {
	var raw struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}
	if len(raw.Rules) == 0 {
		return nil, fmt.Errorf("rule set contains no rules")
	}

	rs := &RuleSet{rules: make([]compiledRule, 0, len(raw.Rules))}
	for i, r := range raw.Rules {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", i+1)
		}
		if r.Match == "" {
			return nil, fmt.Errorf("rule %s: match pattern is required", name)
		}
		pattern := r.Match
		if !strings.HasPrefix(pattern, "(?i)") {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid match pattern: %w", name, err)
		}

		var tmpl *template.Template
		if r.Reply != "" {
			tmpl, err = template.New(name).Option("missingkey=error").Parse(r.Reply)
			if err != nil {
				return nil, fmt.Errorf("rule %s: invalid reply template: %w", name, err)
			}
			// Probe-execute so field typos fail at load time, not mid-conversation.
			if err := tmpl.Execute(&strings.Builder{}, Input{}); err != nil {
				return nil, fmt.Errorf("rule %s: reply template references unknown fields: %w", name, err)
			}
		}

		rs.rules = append(rs.rules, compiledRule{name: name, re: re, stage: r.Stage, tmpl: tmpl})
	}
	return rs, nil
}

// Len returns the number of compiled rules.
func (rs *RuleSet) Len() int { return len(rs.rules) }

// Evaluate selects the first rule whose pattern (and stage, if set) matches
// the inbound message, and expands its reply template. No matching rule, or a
// matching rule with no reply, yields a no-op decision; Evaluate never errors.
func (rs *RuleSet) Evaluate(in Input) Decision {
	for _, r := range rs.rules {
		if r.stage > 0 && r.stage != in.InboundCount {
			continue
		}
		if !r.re.MatchString(in.Message) {
			continue
		}
		if r.tmpl == nil {
			return Decision{Rule: r.name, Matched: true}
		}
		var sb strings.Builder
		if err := r.tmpl.Execute(&sb, in); err != nil {
			// Templates are probe-validated at load time; an execution failure
			// here would be a template engine quirk, and the contract says a
			// decision, never an error.
			return Decision{Rule: r.name, Matched: true}
		}
		return Decision{Rule: r.name, Reply: sb.String(), Matched: true}
	}
	return Decision{}
}
