package helpers

import (
	"net/url"
	"strconv"
	"strings"
)

// SourceLine is one numbered entry in a sources section.
type SourceLine struct {
	Index int
	Title string
	URL   string
	Label string
}

// FormatSourceLine renders a numbered source in a consistent layout:
// [n] Title (domain) - label <URL>
func FormatSourceLine(s SourceLine) string {
	var parts []string
	parts = append(parts, "["+strconv.Itoa(s.Index)+"]")

	title := strings.TrimSpace(s.Title)
	if title == "" {
		title = Domain(s.URL)
	}
	if title != "" {
		parts = append(parts, title)
	}
	if domain := Domain(s.URL); domain != "" && domain != title {
		parts = append(parts, "("+domain+")")
	}
	if label := strings.TrimSpace(s.Label); label != "" {
		parts = append(parts, "- "+label)
	}
	if link := strings.TrimSpace(s.URL); link != "" {
		parts = append(parts, "<"+link+">")
	}
	return strings.Join(parts, " ")
}

// FormatSourceLines renders a collection of sources.
func FormatSourceLines(lines []SourceLine) []string {
	if len(lines) == 0 {
		return nil
	}
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, FormatSourceLine(l))
	}
	return out
}

// Domain returns the lower-cased host of raw without default ports or "www.".
func Domain(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Host)
	host = strings.TrimSuffix(host, ":80")
	host = strings.TrimSuffix(host, ":443")
	return strings.TrimPrefix(host, "www.")
}
