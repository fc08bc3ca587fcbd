package helpers

import (
	"html"
	"regexp"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicyOnce sync.Once
	strictPolicy     *bluemonday.Policy
)

// StrictHTMLPolicy returns a singleton bluemonday policy that strips every HTML
// element and attribute.
func StrictHTMLPolicy() *bluemonday.Policy {
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strictPolicy
}

// SanitizeHTMLStrict removes every HTML tag from s while stripping leading and
// trailing whitespace. The result is still HTML-escaped.
func SanitizeHTMLStrict(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return strings.TrimSpace(StrictHTMLPolicy().Sanitize(s))
}

var (
	tagAt     = regexp.MustCompile(`^</?([A-Za-z][A-Za-z0-9]*)(?:\s+[A-Za-z_:][-A-Za-z0-9_:.]*\s*=\s*(?:"[^"]*"|'[^']*'|[^\s"'<>=]+))*\s*/?>`)
	commentAt = regexp.MustCompile(`^<!--(?s:.*?)-->`)

	htmlElements = toSet(`a abbr address article aside audio b bdi bdo blockquote body br button
		canvas caption cite code col colgroup data dd del details dfn div dl dt em embed fieldset
		figcaption figure font footer form h1 h2 h3 h4 h5 h6 head header hr html i iframe img input
		ins kbd label legend li link main mark meta nav noscript object ol optgroup option p param
		picture pre q s samp script section select small source span strike strong style sub
		summary sup table tbody td template textarea tfoot th thead time title tr track u ul var
		video wbr`)
)

func toSet(words string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(words) {
		out[w] = struct{}{}
	}
	return out
}

// escapeStrayLT escapes every '<' that does not open a well-formed tag of a
// known HTML element or a comment, so text like "P<E" or "a<b and c>d" is
// kept as text by the sanitizer.
func escapeStrayLT(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for {
		i := strings.IndexByte(s, '<')
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		s = s[i:]
		if m := commentAt.FindString(s); m != "" {
			b.WriteString(m)
			s = s[len(m):]
			continue
		}
		if m := tagAt.FindStringSubmatch(s); m != nil {
			if _, ok := htmlElements[strings.ToLower(m[1])]; ok {
				b.WriteString(m[0])
				s = s[len(m[0]):]
				continue
			}
		}
		b.WriteString("&lt;")
		s = s[1:]
	}
}

// PlainText strips real markup like SanitizeHTMLStrict and then unescapes
// entities, so LLM-produced text such as "Ρ&Δ", quotes or comparisons like
// "a<b" survive unchanged.
func PlainText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(html.UnescapeString(SanitizeHTMLStrict(escapeStrayLT(s))))
}

// CollapseWhitespace joins all whitespace runs into single spaces.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate cuts s to at most limit runes, appending an ellipsis when cut.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return strings.TrimSpace(string(r[:limit])) + "…"
}
