// Package route implements the WAGI route pattern: a compact matcher
// supporting exact paths and "prefix/..." wildcards.
package route

import "strings"

const prefixSuffix = "/..."

// Kind distinguishes the two shapes a Pattern can take.
type Kind int

const (
	// Exact matches only an identical URI path.
	Exact Kind = iota
	// Prefix matches any URI path beginning with the stem.
	Prefix
)

// Pattern is a parsed route pattern. The zero value is not meaningful;
// construct one with Parse.
type Pattern struct {
	kind Kind
	// text holds the exact path for Exact, or the stem (without the
	// trailing "/...") for Prefix.
	text string
}

// Parse reads a path-like string. If it ends in "/...", the remainder is
// stored as a Prefix pattern; otherwise the whole string is stored as an
// Exact pattern. Parse("/...") yields Prefix("").
func Parse(pathText string) Pattern {
	if stem, ok := strings.CutSuffix(pathText, prefixSuffix); ok {
		return Pattern{kind: Prefix, text: stem}
	}
	return Pattern{kind: Exact, text: pathText}
}

// Kind reports whether the pattern is Exact or Prefix.
func (p Pattern) Kind() Kind { return p.kind }

// Matches reports whether uriPath matches this pattern.
func (p Pattern) Matches(uriPath string) bool {
	switch p.kind {
	case Exact:
		return p.text == uriPath
	case Prefix:
		return strings.HasPrefix(uriPath, p.text)
	default:
		return false
	}
}

// ScriptName returns the CGI SCRIPT_NAME value for this pattern: the exact
// path for Exact, or the stem (always leading-slash-normalized) for Prefix.
func (p Pattern) ScriptName() string {
	switch p.kind {
	case Exact:
		return p.text
	case Prefix:
		if strings.HasPrefix(p.text, "/") {
			return p.text
		}
		return "/" + p.text
	default:
		return ""
	}
}

// OriginalText reconstructs the pattern as it was originally written,
// re-appending "/..." for a Prefix pattern.
func (p Pattern) OriginalText() string {
	switch p.kind {
	case Exact:
		return p.text
	case Prefix:
		return p.text + prefixSuffix
	default:
		return ""
	}
}

// RelativePath strips this pattern's base (stem or exact path) from the
// front of uriPath. If the pattern does not match uriPath, it returns ""
// rather than failing — this is a degenerate case the caller is expected
// to tolerate (see the package tests for the canonical edge cases).
func (p Pattern) RelativePath(uriPath string) string {
	if !p.Matches(uriPath) {
		return ""
	}
	rel, ok := strings.CutPrefix(uriPath, p.text)
	if !ok {
		return ""
	}
	return rel
}

// String implements fmt.Stringer, returning the original text.
func (p Pattern) String() string {
	return p.OriginalText()
}
