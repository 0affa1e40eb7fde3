// Package template substitutes {{name}} placeholders in command specs.
// Values are passed to child processes as positional argv entries, never
// through a shell, so shell escaping is off by default; the escape mode
// and the warning check exist for operators who template into wrapper
// scripts.
package template

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// DefaultUserControlled lists variable names whose values originate from
// request payloads rather than operator config.
var DefaultUserControlled = []string{"prompt"}

// Options controls substitution behavior.
type Options struct {
	// ShellEscape wraps user-controlled values in POSIX single quotes.
	ShellEscape bool

	// UserControlled overrides DefaultUserControlled when non-nil.
	UserControlled []string
}

func (o Options) userControlledSet() map[string]bool {
	names := o.UserControlled
	if names == nil {
		names = DefaultUserControlled
	}
	set := map[string]bool{}
	for _, n := range names {
		set[strings.TrimSpace(n)] = true
	}
	return set
}

// Apply substitutes every {{name}} placeholder in s from vars. Unknown
// names resolve to the empty string, never an error.
func Apply(s string, vars map[string]string) string {
	return ApplyWithOptions(s, vars, Options{})
}

// ApplyWithOptions is Apply with an explicit escape mode.
func ApplyWithOptions(s string, vars map[string]string, opts Options) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	userControlled := opts.userControlledSet()
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := placeholderRe.FindStringSubmatch(m)
		name := sub[1]
		val := vars[name]
		if opts.ShellEscape && userControlled[name] {
			return shellQuote(val)
		}
		return val
	})
}

// ApplyAll substitutes placeholders in every element of list.
func ApplyAll(list []string, vars map[string]string, opts Options) []string {
	if len(list) == 0 {
		return nil
	}
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = ApplyWithOptions(s, vars, opts)
	}
	return out
}

// ApplyMap substitutes placeholders in every value of m. Keys are left
// untouched.
func ApplyMap(m map[string]string, vars map[string]string, opts Options) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = ApplyWithOptions(v, vars, opts)
	}
	return out
}

// shellQuote wraps s in single quotes, escaping embedded single quotes
// with the '"'"' idiom.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// shellMeta are characters that change meaning under a POSIX shell.
const shellMeta = "`|;&<>*?[]{}~#!$()"

// CheckVariables returns human-readable warnings for user-controlled
// variables whose values contain shell metacharacters. Intended for
// operator logging, not for blocking requests.
func CheckVariables(vars map[string]string, userControlled []string) []string {
	if userControlled == nil {
		userControlled = DefaultUserControlled
	}
	warnings := []string{}
	names := append([]string{}, userControlled...)
	sort.Strings(names)
	for _, name := range names {
		val, ok := vars[name]
		if !ok {
			continue
		}
		found := []string{}
		for _, r := range shellMeta {
			if strings.ContainsRune(val, r) {
				found = append(found, string(r))
			}
		}
		if len(found) > 0 {
			warnings = append(warnings, fmt.Sprintf("variable %q contains shell metacharacters (%s); values are passed as argv, not through a shell", name, strings.Join(found, " ")))
		}
	}
	return warnings
}
