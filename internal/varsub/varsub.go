// Package varsub implements the `{{var}}` substitution spec §3 requires for
// Request URLs and header values. It is a single-pass literal substitution,
// not general templating, so it is built on strings/strconv rather than
// text/template (see DESIGN.md's standard-library justification).
package varsub

import (
	"strings"

	"github.com/firasghr/loadengine/internal/model"
)

// Layers is an ordered list of variable sources, most specific first.
// Resolve consults them in order and uses the first one that defines a
// given name; later layers act as fallbacks. Design mode and Load mode
// each build their own Layers value and don't agree on whether globals or
// collection variables rank second (spec §4.H only fixes environment as
// most specific); see the call sites in internal/control for the order
// actually in effect.
type Layers []map[string]string

// Lookup returns the value bound to name across the layers, most specific
// layer first, and whether any layer defined it.
func (l Layers) Lookup(name string) (string, bool) {
	for _, layer := range l {
		if layer == nil {
			continue
		}
		if v, ok := layer[name]; ok {
			return v, true
		}
	}
	return "", false
}

// Substitute replaces every `{{name}}` occurrence in s with the value bound
// to name across layers. An unresolved name is left verbatim (including its
// braces) so a missing variable is visible rather than silently erased.
func Substitute(s string, layers Layers) string {
	return SubstituteWith(s, layers, func(_, v string) string { return v })
}

// SubstituteWith behaves like Substitute but passes every resolved
// name/value pair through xform before writing it to the result. Substitute
// itself is xform as the identity; callers that need to log a resolved
// string instead of sending it (e.g. redacting variables flagged secret)
// supply a different xform over the same parse.
func SubstituteWith(s string, layers Layers, xform func(name, value string) string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	var out strings.Builder
	out.Grow(len(s))

	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			out.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			out.WriteString(rest)
			break
		}
		end += start

		out.WriteString(rest[:start])
		name := strings.TrimSpace(rest[start+2 : end])
		if v, ok := layers.Lookup(name); ok {
			out.WriteString(xform(name, v))
		} else {
			out.WriteString(rest[start : end+2])
		}
		rest = rest[end+2:]
	}
	return out.String()
}

// Flatten reduces a model.VariableMap to a plain string map containing only
// its enabled entries, the form Layers and Substitute operate on.
func Flatten(vm model.VariableMap) map[string]string {
	out := make(map[string]string, len(vm))
	for k, v := range vm {
		if v.Enabled {
			out[k] = v.Value
		}
	}
	return out
}

// SubstituteMap applies Substitute to every value in m, returning a new map
// (m itself is not mutated).
func SubstituteMap(m map[string]string, layers Layers) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = Substitute(v, layers)
	}
	return out
}
