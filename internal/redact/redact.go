// Package redact scrubs known secret values out of text before it leaves the
// process, such as agent output posted to an issue.
package redact

import (
	"sort"
	"strings"
)

// MinValueLength is the shortest value that gets replaced. Shorter values
// would match ordinary text.
const MinValueLength = 4

type secret struct {
	name  string
	value string
}

// Redactor replaces secret values with <<SECRET:name>> markers.
// It is immutable and safe for concurrent use.
type Redactor struct {
	secrets []secret
}

// New builds a Redactor from a name → value map. Empty and short values are
// skipped.
func New(values map[string]string) *Redactor {
	r := &Redactor{}
	for name, v := range values {
		if len(v) < MinValueLength {
			continue
		}
		r.secrets = append(r.secrets, secret{name: name, value: v})
	}
	// Longest first, so a value containing another is replaced whole.
	sort.Slice(r.secrets, func(i, j int) bool {
		if len(r.secrets[i].value) != len(r.secrets[j].value) {
			return len(r.secrets[i].value) > len(r.secrets[j].value)
		}
		return r.secrets[i].name < r.secrets[j].name
	})
	return r
}

// Marker returns the replacement for name.
func Marker(name string) string {
	return "<<SECRET:" + name + ">>"
}

// Len returns the number of values the Redactor replaces.
func (r *Redactor) Len() int {
	return len(r.secrets)
}

// Redact returns text with every known value replaced by its marker.
func (r *Redactor) Redact(text string) string {
	for _, s := range r.secrets {
		text = strings.ReplaceAll(text, s.value, Marker(s.name))
	}
	return text
}

// Leaks returns the sorted names whose values appear in text.
func (r *Redactor) Leaks(text string) []string {
	var names []string
	for _, s := range r.secrets {
		if strings.Contains(text, s.value) {
			names = append(names, s.name)
		}
	}
	sort.Strings(names)
	return names
}
