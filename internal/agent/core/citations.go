package core

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/newsdesk/internal/helpers"
)

var sourceLabels = map[string]string{
	SourceDiscovery:               "Αρχικό άρθρο",
	SourceGreekContext:            "Ελληνική οπτική",
	SourceInternationalContext:    "Διεθνής οπτική",
	SourceFactVerifyGreek:         "Επαλήθευση από ελληνικές πηγές",
	SourceFactVerifyInternational: "Επαλήθευση από διεθνείς πηγές",
}

// sourceOrder fixes the group order used in prompts and reports.
var sourceOrder = []string{
	SourceDiscovery,
	SourceGreekContext,
	SourceInternationalContext,
	SourceFactVerifyGreek,
	SourceFactVerifyInternational,
}

// SourceLabel returns the Greek label for a source agent tag.
func SourceLabel(agent string) string {
	if l, ok := sourceLabels[agent]; ok {
		return l
	}
	return agent
}

// TagCitations returns a copy of cs with SourceAgent set to agent and, when
// claim is non-empty, ClaimVerified set to claim.
func TagCitations(cs []Citation, agent, claim string) []Citation {
	if len(cs) == 0 {
		return nil
	}
	out := make([]Citation, len(cs))
	for i, c := range cs {
		c.SourceAgent = agent
		if claim != "" {
			c.ClaimVerified = claim
		}
		out[i] = c
	}
	return out
}

// DedupCitations keeps the first citation for every distinct URL, preserving
// input order. URLs are compared verbatim, so the empty URL is one more key.
func DedupCitations(cs []Citation) []Citation {
	seen := make(map[string]struct{}, len(cs))
	out := make([]Citation, 0, len(cs))
	for _, c := range cs {
		if _, dup := seen[c.URL]; dup {
			continue
		}
		seen[c.URL] = struct{}{}
		out = append(out, c)
	}
	return out
}

// CitationGroup is the citations attributed to one source agent.
type CitationGroup struct {
	SourceAgent string
	Label       string
	Citations   []Citation
}

// GroupBySource groups cs by SourceAgent. Known agents come first in pipeline
// order, unknown tags follow in first-seen order.
func GroupBySource(cs []Citation) []CitationGroup {
	byAgent := make(map[string][]Citation)
	var extra []string
	for _, c := range cs {
		if _, known := sourceLabels[c.SourceAgent]; !known {
			if _, seen := byAgent[c.SourceAgent]; !seen {
				extra = append(extra, c.SourceAgent)
			}
		}
		byAgent[c.SourceAgent] = append(byAgent[c.SourceAgent], c)
	}
	var groups []CitationGroup
	for _, agent := range append(append([]string{}, sourceOrder...), extra...) {
		if list, ok := byAgent[agent]; ok {
			groups = append(groups, CitationGroup{SourceAgent: agent, Label: SourceLabel(agent), Citations: list})
		}
	}
	return groups
}

// NumberedSources returns the primary article followed by every unique
// citation, deduplicated by URL with the primary article winning.
func NumberedSources(story Story, cs []Citation) []Citation {
	all := make([]Citation, 0, len(cs)+1)
	if story.SourceURL != "" {
		all = append(all, Citation{URL: story.SourceURL, Title: story.SourceName, SourceAgent: SourceDiscovery})
	}
	all = append(all, cs...)
	return DedupCitations(all)
}

// BuildSourcesSection renders the Greek sources block injected into the
// synthesis prompt. The primary article is always [1] when it has a URL.
func BuildSourcesSection(story Story, cs []Citation) string {
	sources := NumberedSources(story, cs)
	var b strings.Builder
	b.WriteString("ΠΗΓΕΣ\n")
	if len(sources) == 0 {
		b.WriteString("Δεν βρέθηκαν πηγές.\n")
		return b.String()
	}
	lines := make([]helpers.SourceLine, len(sources))
	for i, c := range sources {
		lines[i] = helpers.SourceLine{Index: i + 1, Title: c.Title, URL: c.URL, Label: SourceLabel(c.SourceAgent)}
	}
	for _, l := range helpers.FormatSourceLines(lines) {
		b.WriteString(l)
		b.WriteByte('\n')
	}

	b.WriteString("\nΚατανομή ανά πηγή ανάλυσης:\n")
	for _, g := range GroupBySource(sources) {
		fmt.Fprintf(&b, "- %s: %d\n", g.Label, len(g.Citations))
	}
	return b.String()
}
