// Package fsops is the patch/FS layer. Every source write in the pipeline
// routes through here: payloads are entity-sanitized, syntax-checked,
// written atomically, and archived as numbered unified diffs.
//
// The JSON transport rule is that embedded source uses standard JSON
// escaping; HTML entities are never a correct escape. The decoders below
// exist solely as defense-in-depth against upstream encoding bugs.
package fsops

import (
	"html"
	"strings"
)

// DecodeEntities runs the strict pass then, if entity residue remains, the
// aggressive pass. Both passes are idempotent: applying DecodeEntities to
// its own output returns the input unchanged.
func DecodeEntities(payload string) string {
	out := decodeStrict(payload)
	if looksEntityEncoded(out) {
		out = decodeAggressive(out)
	}
	return out
}

// decodeStrict is the standard entity decode.
func decodeStrict(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	return html.UnescapeString(s)
}

// looksEntityEncoded reports whether a payload still carries the quote
// corruption signatures the strict pass leaves alone.
func looksEntityEncoded(s string) bool {
	if strings.Contains(s, "&quot;") || strings.Contains(s, "&#34;") || strings.Contains(s, "&amp;quot;") {
		return true
	}
	// A payload whose only quotes are escaped-quote literals was
	// double-escaped in transport: real source always has raw quotes
	// alongside any escaped ones.
	return strings.Contains(s, `\"`) && !strings.ContainsRune(strings.ReplaceAll(s, `\"`, ""), '"')
}

// decodeAggressive rewrites the residue: repeated &amp;-stacking, bare
// quote entities, and whole-document escaped-quote literals. Safe to apply
// repeatedly; once raw quotes exist the literal rewrite no longer fires.
func decodeAggressive(s string) string {
	// Collapse &amp;-stacking first so &amp;quot; becomes &quot;.
	for strings.Contains(s, "&amp;") {
		s = strings.ReplaceAll(s, "&amp;", "&")
	}
	s = strings.ReplaceAll(s, "&quot;", `"`)
	s = strings.ReplaceAll(s, "&#34;", `"`)
	s = strings.ReplaceAll(s, "&#x22;", `"`)
	s = strings.ReplaceAll(s, "&apos;", "'")
	s = strings.ReplaceAll(s, "&#39;", "'")

	// Whole-document escaped quotes: only rewrite when no raw quote
	// exists, which keeps the pass idempotent and leaves legitimate
	// in-string escapes untouched.
	if strings.Contains(s, `\"`) && !strings.ContainsRune(strings.ReplaceAll(s, `\"`, ""), '"') {
		s = strings.ReplaceAll(s, `\"`, `"`)
	}
	return s
}
