// Package template implements shepherd's deterministic text templating
// (C1): variable substitution over an Env plus a registry of named filters.
// Unlike text/template, an unresolved reference is always a hard failure —
// the engine never silently substitutes the empty string.
package template

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/cast"

	"github.com/wtsi-hgi/shepherd/pkg/shepherdapi"
)

// Filter is a named, pure text transform applied with the `|filter` syntax,
// e.g. `{{ source.address | dirname }}`.
type Filter func(string) string

// Engine renders `{{ name }}` / `{{ name | filter }}` templates against an
// Env. It owns the filter registry; the zero value is not usable, use New.
type Engine struct {
	filters map[string]Filter
}

var refPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.]*)((?:\s*\|\s*[a-zA-Z_][a-zA-Z0-9_]*)*)\s*\}\}`)

// New returns an Engine pre-loaded with the mandatory built-in filters
// (§4.1: sh_escape, dirname) plus the additive ones carried over from the
// original implementation's filter table (basename, to_lowercase).
func New() *Engine {
	e := &Engine{filters: make(map[string]Filter)}
	e.Register("sh_escape", ShellEscape)
	e.Register("dirname", Dirname)
	e.Register("basename", Basename)
	e.Register("to_lowercase", strings.ToLower)
	return e
}

// Register adds or replaces a named filter.
func (e *Engine) Register(name string, f Filter) {
	e.filters[name] = f
}

// Filter looks up a registered filter by name.
func (e *Engine) Filter(name string) (Filter, bool) {
	f, ok := e.filters[name]
	return f, ok
}

// Render substitutes every `{{ name }}` / `{{ name | filter1 | filter2 }}`
// reference in text against env, applying filters left to right. Any name
// not present in env, or any filter not in the registry, is a hard failure
// citing the offending name and the template text (so the Named-Route
// Resolver and Task Expander can report UnresolvedVariable with context).
func (e *Engine) Render(text string, env shepherdapi.Env) (string, error) {
	var outerErr error
	result := refPattern.ReplaceAllStringFunc(text, func(match string) string {
		if outerErr != nil {
			return match
		}
		sub := refPattern.FindStringSubmatch(match)
		name := sub[1]
		filterChain := sub[2]

		value, ok := env[name]
		if !ok {
			outerErr = shepherdapi.New(shepherdapi.KindUnresolvedVariable,
				"variable %q referenced in template %q is not defined in the environment", name, text)
			return match
		}

		for _, filterName := range splitFilters(filterChain) {
			f, ok := e.filters[filterName]
			if !ok {
				outerErr = shepherdapi.New(shepherdapi.KindUnresolvedVariable,
					"filter %q referenced in template %q is not registered", filterName, text)
				return match
			}
			value = f(value)
		}

		return value
	})

	if outerErr != nil {
		return "", outerErr
	}
	return result, nil
}

func splitFilters(chain string) []string {
	chain = strings.TrimSpace(chain)
	if chain == "" {
		return nil
	}
	parts := strings.Split(chain, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// UsedVars returns the set of variable names a template references,
// ignoring filters — used by the "template round-trip" law in tests and by
// callers that want to validate an Env before rendering.
func UsedVars(text string) []string {
	matches := refPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		if _, ok := seen[m[1]]; !ok {
			seen[m[1]] = struct{}{}
			out = append(out, m[1])
		}
	}
	return out
}

// AsString coerces an arbitrary config/template scalar to its string form,
// the way the rest of the domain stack leans on spf13/cast for loose
// coercion rather than hand-rolled switch statements.
func AsString(v any) string {
	return cast.ToString(v)
}

var shellUnsafe = regexp.MustCompile(`(["$` + "`" + `\\])`)

// ShellEscape renders s safe for interpolation inside a double-quoted POSIX
// shell string: it backslash-escapes characters that the shell would
// otherwise treat specially, and wraps the result in quotes.
func ShellEscape(s string) string {
	escaped := shellUnsafe.ReplaceAllString(s, `\$1`)
	return fmt.Sprintf(`"%s"`, escaped)
}

// Dirname returns the POSIX directory-name portion of a path-like string,
// mirroring os.path.dirname's semantics (no trailing slash, "." for a bare
// filename).
func Dirname(s string) string {
	idx := strings.LastIndex(s, "/")
	if idx < 0 {
		return "."
	}
	if idx == 0 {
		return "/"
	}
	return s[:idx]
}

// Basename returns the final path component of a path-like string.
func Basename(s string) string {
	idx := strings.LastIndex(s, "/")
	return s[idx+1:]
}
