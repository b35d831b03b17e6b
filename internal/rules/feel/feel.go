// Package feel evaluates the FEEL-subset micro-templates permitted
// in a rule's action result.
//
// Two forms are supported:
//
//	{name}                       substitutes the fact value at key
//	                             `name`; a missing key yields "".
//	string join(v1, sep, v2, …)  joins the even-indexed argument
//	                             values with the first separator.
//	                             Arguments are quoted string literals
//	                             or {name} substitutions. The
//	                             two-argument form string join(v, sep)
//	                             returns v: a single value joins to
//	                             itself.
//
// Any evaluation error returns the original template string
// unchanged; template faults never propagate into the evaluation
// hot path.
package feel

import (
	"regexp"
	"strings"

	"go.chromium.org/luci/common/errors"

	"github.com/khoantd/rule-engine-sub000/internal/rules/lang"
)

// substitutionRE matches {name} substitution expressions.
var substitutionRE = regexp.MustCompile(`\{(\w+)\}`)

// joinRE matches the `string join(…)` form, capturing the argument
// list.
var joinRE = regexp.MustCompile(`^\s*string join\((.*)\)\s*$`)

// IsTemplate reports whether an action result needs template
// evaluation rather than literal emission.
func IsTemplate(actionResult string) bool {
	return strings.Contains(actionResult, "string join") ||
		substitutionRE.MatchString(actionResult)
}

// Expand evaluates the template against a fact map. On any error
// the original template is returned unchanged.
func Expand(template string, facts map[string]interface{}) string {
	out, err := expand(template, facts)
	if err != nil {
		return template
	}
	return out
}

func expand(template string, facts map[string]interface{}) (string, error) {
	if m := joinRE.FindStringSubmatch(template); m != nil {
		return expandJoin(m[1], facts)
	}
	return substitute(template, facts), nil
}

// substitute replaces every {name} with the fact value at that key;
// missing keys substitute the empty string.
func substitute(s string, facts map[string]interface{}) string {
	return substitutionRE.ReplaceAllStringFunc(s, func(match string) string {
		name := match[1 : len(match)-1]
		value, ok := facts[name]
		if !ok {
			return ""
		}
		return lang.Canonical(value)
	})
}

// expandJoin evaluates a `string join` argument list. Arguments
// alternate value, separator, value, separator, …; the even-indexed
// values are joined with the first separator.
func expandJoin(argList string, facts map[string]interface{}) (string, error) {
	args, err := splitArgs(argList)
	if err != nil {
		return "", err
	}
	if len(args) == 0 {
		return "", errors.New("string join requires at least one argument")
	}

	resolved := make([]string, len(args))
	for i, arg := range args {
		v, err := resolveArg(arg, facts)
		if err != nil {
			return "", err
		}
		resolved[i] = v
	}

	if len(resolved) == 1 {
		return resolved[0], nil
	}
	separator := resolved[1]
	values := make([]string, 0, (len(resolved)+1)/2)
	for i := 0; i < len(resolved); i += 2 {
		values = append(values, resolved[i])
	}
	if len(values) == 1 {
		// Two-argument form: a single value joins to itself.
		return values[0], nil
	}
	return strings.Join(values, separator), nil
}

// resolveArg resolves a single argument: a quoted string literal or
// a {name} substitution.
func resolveArg(arg string, facts map[string]interface{}) (string, error) {
	arg = strings.TrimSpace(arg)
	if len(arg) >= 2 {
		if (arg[0] == '"' && arg[len(arg)-1] == '"') ||
			(arg[0] == '\'' && arg[len(arg)-1] == '\'') {
			return arg[1 : len(arg)-1], nil
		}
	}
	if m := substitutionRE.FindStringSubmatch(arg); m != nil && len(m[0]) == len(arg) {
		value, ok := facts[m[1]]
		if !ok {
			return "", nil
		}
		return lang.Canonical(value), nil
	}
	return "", errors.Reason("argument %q is not a string literal or {name} reference", arg).Err()
}

// splitArgs splits a comma-separated argument list, respecting
// balanced double and single quotes.
func splitArgs(s string) ([]string, error) {
	var args []string
	var current strings.Builder
	var quote byte

	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case quote != 0:
			current.WriteByte(ch)
			if ch == quote {
				quote = 0
			}
		case ch == '"' || ch == '\'':
			quote = ch
			current.WriteByte(ch)
		case ch == ',':
			args = append(args, strings.TrimSpace(current.String()))
			current.Reset()
		default:
			current.WriteByte(ch)
		}
	}
	if quote != 0 {
		return nil, errors.Reason("unbalanced %q quote in argument list", string(quote)).Err()
	}
	if trimmed := strings.TrimSpace(current.String()); trimmed != "" || len(args) > 0 {
		args = append(args, trimmed)
	}
	return args, nil
}
