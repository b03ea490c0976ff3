// Package policy decides whether the agent may execute a shell command.
//
// The rule set is an additive allow-list: anything not explicitly
// matched is denied. Argument patterns are regular expressions applied
// to the whole joined argument string, a text-matching approximation
// rather than a shell-grammar analyzer; operators anchor patterns
// themselves.
package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// Rule is one allow-list entry
type Rule struct {
	Command     string `json:"command" mapstructure:"command"`
	Subcommand  string `json:"subcommand,omitempty" mapstructure:"subcommand"`
	ArgsPattern string `json:"args_pattern,omitempty" mapstructure:"args_pattern"`
	Sudo        bool   `json:"sudo,omitempty" mapstructure:"sudo"`
}

// Decision is the outcome of evaluating a command against the rule set
type Decision struct {
	Allowed bool
	Reason  string
}

// compiledRule carries the rule plus its compiled pattern. A rule whose
// pattern failed to compile is kept but never matches (fail closed).
type compiledRule struct {
	rule    Rule
	pattern *regexp.Regexp
	broken  bool
}

// Engine evaluates commands against an immutable rule set. Config
// reloads build a fresh engine and swap it; an engine is never mutated.
type Engine struct {
	rules     []compiledRule
	allowSudo bool
	logger    zerolog.Logger
}

// NewEngine compiles the rule set. Malformed patterns are logged and
// disabled rather than rejected, so one bad rule cannot widen or take
// down the policy.
func NewEngine(rules []Rule, allowSudo bool, logger zerolog.Logger) *Engine {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		cr := compiledRule{rule: r}
		if r.ArgsPattern != "" {
			re, err := regexp.Compile(r.ArgsPattern)
			if err != nil {
				logger.Warn().
					Err(err).
					Str("command", r.Command).
					Str("pattern", r.ArgsPattern).
					Msg("Invalid argument pattern, rule disabled")
				cr.broken = true
			} else {
				cr.pattern = re
			}
		}
		compiled = append(compiled, cr)
	}

	return &Engine{
		rules:     compiled,
		allowSudo: allowSudo,
		logger:    logger,
	}
}

// SudoAllowed reports the global sudo gate
func (e *Engine) SudoAllowed() bool {
	return e.allowSudo
}

// RuleCount returns the number of loaded rules, broken ones included
func (e *Engine) RuleCount() int {
	return len(e.rules)
}

// Evaluate decides whether a command invocation is permitted.
//
// sudo invocations are denied outright when the global gate is off,
// before any rule is consulted. A rule matches when its command equals
// the base command name, its subcommand (if set) equals the given
// subcommand, and its pattern (if set) matches the joined argument
// string.
func (e *Engine) Evaluate(command, subcommand string, args []string, sudo bool) Decision {
	if command == "" {
		return Decision{Allowed: false, Reason: "empty command"}
	}

	if sudo && !e.allowSudo {
		e.logger.Warn().
			Str("command", command).
			Msg("Sudo execution denied by global gate")
		return Decision{Allowed: false, Reason: "sudo execution is disabled"}
	}

	base := baseName(command)
	joined := joinArgs(subcommand, args)

	for _, cr := range e.rules {
		if cr.broken {
			continue
		}
		if cr.rule.Command != base {
			continue
		}
		if cr.rule.Subcommand != "" && cr.rule.Subcommand != subcommand {
			continue
		}
		if cr.rule.Sudo && !sudo {
			// Rule is scoped to sudo invocations only.
			continue
		}
		if cr.pattern != nil && !cr.pattern.MatchString(joined) {
			continue
		}
		return Decision{Allowed: true, Reason: fmt.Sprintf("matched rule for %q", cr.rule.Command)}
	}

	return Decision{Allowed: false, Reason: fmt.Sprintf("no rule allows %q", base)}
}

// baseName strips a path prefix so /usr/bin/git matches a "git" rule
func baseName(command string) string {
	if idx := strings.LastIndexByte(command, '/'); idx >= 0 {
		return command[idx+1:]
	}
	return command
}

// joinArgs builds the whole-string form patterns are matched against
func joinArgs(subcommand string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	if subcommand != "" {
		parts = append(parts, subcommand)
	}
	parts = append(parts, args...)
	return strings.Join(parts, " ")
}
