package coding

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// gsm7Replacements covers what word processors like to insert automatically.
var gsm7Replacements = map[rune]string{
	'\u2018': "'",
	'\u2019': "'",
	'\u201a': "'",
	'\u201c': "\"",
	'\u201d': "\"",
	'\u201e': "\"",
	'\u2013': "-",
	'\u2014': "-",
	'\u2026': "...",
	'\u2022': "*",
	'\u00a0': " ",
	'\t':     " ",
}

// Sanitize rewrites msg so that it encodes as GSM-7. Typographic punctuation
// is replaced, accented letters fall back to their base letter and anything
// else becomes '?'.
func Sanitize(msg string) string {
	var b strings.Builder
	b.Grow(len(msg))

	for _, r := range msg {
		if isEncodable(r) {
			b.WriteRune(r)
			continue
		}
		if sub, ok := gsm7Replacements[r]; ok {
			b.WriteString(sub)
			continue
		}
		if base, ok := stripAccent(r); ok {
			b.WriteRune(base)
			continue
		}
		b.WriteByte('?')
	}
	return b.String()
}

func stripAccent(r rune) (rune, bool) {
	decomposed := norm.NFD.String(string(r))
	base, _ := utf8.DecodeRuneInString(decomposed)
	if base == r || !isEncodable(base) {
		return 0, false
	}
	return base, true
}
