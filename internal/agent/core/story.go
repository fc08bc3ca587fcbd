package core

import (
	"fmt"
	"strings"
)

// InternationalThreshold is the relevance score from which a story always
// receives an international perspective.
const InternationalThreshold = 7

// alwaysInternational lists categories that get international context
// regardless of score.
var alwaysInternational = map[string]struct{}{
	"international": {},
	"science":       {},
	"technology":    {},
}

// NeedsInternationalContext reports whether the international context agent
// should be consulted for s.
func (s Story) NeedsInternationalContext() bool {
	if _, ok := alwaysInternational[strings.ToLower(s.Category)]; ok {
		return true
	}
	return s.InternationalRelevanceScore >= InternationalThreshold
}

// Key returns the result map key "{category}_{id}".
func (s Story) Key() string {
	return fmt.Sprintf("%s_%d", s.Category, s.ID)
}

// DisplayHeadline prefers the Greek headline when present.
func (s Story) DisplayHeadline() string {
	if s.HeadlineGreek != "" {
		return s.HeadlineGreek
	}
	return s.Headline
}
