// Package msgtemplate fills {{key}} placeholders in SMS templates.
//
// Substitution is a display and send-time convenience only: values are
// inserted as-is with no escaping.
package msgtemplate

import "strings"

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// Substitute replaces every {{key}} in tmpl whose key is present in values.
// Placeholders without a value are left verbatim. The template is scanned
// once, so placeholders appearing inside substituted values are not expanded.
func Substitute(tmpl string, values map[string]string) string {
	if len(values) == 0 || !strings.Contains(tmpl, openDelim) {
		return tmpl
	}

	var b strings.Builder
	b.Grow(len(tmpl))

	rest := tmpl
	for {
		i := strings.Index(rest, openDelim)
		if i < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:i])
		rest = rest[i:]

		key, ok := placeholderAt(rest)
		if ok {
			if v, found := values[key]; found {
				b.WriteString(v)
				rest = rest[len(openDelim)+len(key)+len(closeDelim):]
				continue
			}
		}
		// not ours, keep one brace and look again from the next byte
		b.WriteByte(rest[0])
		rest = rest[1:]
	}
	return b.String()
}

// Placeholders returns the distinct keys referenced by tmpl in order of
// first appearance.
func Placeholders(tmpl string) []string {
	var keys []string
	seen := make(map[string]bool)

	rest := tmpl
	for {
		i := strings.Index(rest, openDelim)
		if i < 0 {
			return keys
		}
		rest = rest[i:]
		if key, ok := placeholderAt(rest); ok {
			if !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
			rest = rest[len(openDelim)+len(key)+len(closeDelim):]
			continue
		}
		rest = rest[1:]
	}
}

// placeholderAt parses "{{key}}" at the start of s.
func placeholderAt(s string) (string, bool) {
	if !strings.HasPrefix(s, openDelim) {
		return "", false
	}
	end := strings.Index(s[len(openDelim):], closeDelim)
	if end <= 0 {
		return "", false
	}
	key := s[len(openDelim) : len(openDelim)+end]
	if strings.ContainsAny(key, "{}") {
		return "", false
	}
	return key, true
}
