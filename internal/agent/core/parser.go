package core

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/newsdesk/internal/helpers"
	"go.uber.org/zap"
)

// ExpectedStories is the batch size every discovery prompt asks for.
const ExpectedStories = 10

// DefaultRelevanceScore is used when a story carries no usable score.
const DefaultRelevanceScore = 5

var (
	jsonFencePattern  = regexp.MustCompile("(?is)```json\\s*(.*?)```")
	anyFencePattern   = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*\\s*(.*?)```")
	trailingComma     = regexp.MustCompile(`,(\s*[}\]])`)
	schemePattern     = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.-]*://`)
	diagnosticPreview = 200
)

// DiscoveryParser turns raw discovery-agent output into validated stories.
type DiscoveryParser struct {
	logger *zap.Logger
}

// NewDiscoveryParser returns a parser that logs diagnostics to logger.
func NewDiscoveryParser(logger *zap.Logger) *DiscoveryParser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiscoveryParser{logger: logger.Named("parser")}
}

// ParseDiscoveryOutput parses raw with a parser that discards diagnostics.
func ParseDiscoveryOutput(raw, category string) ([]Story, Errors) {
	return NewDiscoveryParser(nil).Parse(raw, category)
}

// ValidateStoryBatch flags batch-level anomalies. Every entry is a warning.
func ValidateStoryBatch(stories []Story) Errors {
	var errs Errors
	if len(stories) != ExpectedStories {
		errs = append(errs, newError(KindValidation, PhaseDiscovery, "Expected %d stories, got %d", ExpectedStories, len(stories)))
	}
	seen := make(map[string]int, len(stories))
	ids := make(map[string]struct{}, len(stories))
	for _, s := range stories {
		if _, dup := ids[s.Key()]; dup {
			errs = append(errs, newError(KindValidation, PhaseDiscovery, "Duplicate story id %d in category %s", s.ID, s.Category))
		}
		ids[s.Key()] = struct{}{}
		if s.SourceURL != "" {
			if first, dup := seen[s.SourceURL]; dup {
				errs = append(errs, newError(KindValidation, PhaseDiscovery, "Duplicate source_url %s (stories %d and %d)", s.SourceURL, first, s.ID))
			} else {
				seen[s.SourceURL] = s.ID
			}
		}
		if strings.TrimSpace(s.Headline) == "" {
			errs = append(errs, newError(KindValidation, PhaseDiscovery, "Story %d has empty headline", s.ID))
		}
		if strings.TrimSpace(s.Summary) == "" {
			errs = append(errs, newError(KindValidation, PhaseDiscovery, "Story %d has empty summary", s.ID))
		}
	}
	return errs
}

// Parse extracts up to ExpectedStories stories from raw. It never panics;
// every failure is reported in the returned Errors alongside whatever stories
// could be salvaged.
func (p *DiscoveryParser) Parse(raw, category string) (stories []Story, errs Errors) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("discovery parser panic", zap.String("category", category), zap.Any("panic", r))
			errs = append(errs, newError(KindParse, PhaseDiscovery, "Unexpected parser failure: %v", r))
		}
	}()

	doc, ok := p.decode(raw)
	if !ok {
		p.logDiagnostics(raw, category)
		errs = append(errs, newError(KindParse, PhaseDiscovery, "Failed to parse JSON from discovery output (%d chars)", len(raw)))
		return nil, errs.WithCategory(category)
	}

	obj, isObj := doc.(map[string]interface{})
	if !isObj {
		errs = append(errs, newError(KindStructural, PhaseDiscovery, "Discovery output is not a JSON object"))
		return nil, errs.WithCategory(category)
	}
	rawStories, present := obj["stories"]
	if !present {
		errs = append(errs, newError(KindStructural, PhaseDiscovery, "Missing 'stories' key in discovery output"))
		return nil, errs.WithCategory(category)
	}
	entries, isList := rawStories.([]interface{})
	if !isList {
		errs = append(errs, newError(KindStructural, PhaseDiscovery, "'stories' is not a list"))
		return nil, errs.WithCategory(category)
	}

	if len(entries) < ExpectedStories {
		errs = append(errs, newError(KindValidation, PhaseDiscovery, "Only %d stories returned (expected %d)", len(entries), ExpectedStories))
	}
	if len(entries) > ExpectedStories {
		p.logger.Debug("dropping extra stories", zap.String("category", category), zap.Int("returned", len(entries)))
		entries = entries[:ExpectedStories]
	}

	ids := newIDAllocator()
	for i, entry := range entries {
		story, storyErrs, ok := p.parseStory(i, entry, category)
		errs = append(errs, storyErrs...)
		if !ok {
			continue
		}
		if story.ID <= 0 {
			story.ID = ids.take(i + 1)
		} else if want := story.ID; !ids.free(want) {
			story.ID = ids.take(want)
			errs = append(errs, newError(KindValidation, PhaseDiscovery, "Story %d has duplicate id %d, renumbered to %d", i+1, want, story.ID))
		} else {
			ids.take(want)
		}
		stories = append(stories, story)
	}
	return stories, errs.WithCategory(category)
}

// idAllocator keeps story ids unique within one category batch.
type idAllocator map[int]struct{}

func newIDAllocator() idAllocator { return make(idAllocator) }

func (a idAllocator) free(id int) bool {
	_, used := a[id]
	return !used
}

// take claims want when it is free, else the smallest free id above zero.
func (a idAllocator) take(want int) int {
	id := want
	if id <= 0 || !a.free(id) {
		for id = 1; !a.free(id); id++ {
		}
	}
	a[id] = struct{}{}
	return id
}

// decode tries each extraction strategy in order and returns the first value
// that unmarshals.
func (p *DiscoveryParser) decode(raw string) (interface{}, bool) {
	for _, candidate := range extractionCandidates(raw) {
		if v, ok := unmarshalLenient(candidate); ok {
			return v, true
		}
	}
	return nil, false
}

func extractionCandidates(raw string) []string {
	var out []string
	if m := jsonFencePattern.FindStringSubmatch(raw); m != nil {
		out = append(out, m[1])
	}
	if m := anyFencePattern.FindStringSubmatch(raw); m != nil {
		out = append(out, m[1])
	}
	if braces := largestBraceSpan(raw); braces != "" {
		out = append(out, braces)
	}
	out = append(out, raw)
	return out
}

// largestBraceSpan returns the substring from the first '{' to the last '}'.
func largestBraceSpan(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func unmarshalLenient(candidate string) (interface{}, bool) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return nil, false
	}
	var v interface{}
	if err := json.Unmarshal([]byte(candidate), &v); err == nil {
		return v, true
	}
	repaired := trailingComma.ReplaceAllString(candidate, "$1")
	if repaired == candidate {
		return nil, false
	}
	if err := json.Unmarshal([]byte(repaired), &v); err == nil {
		return v, true
	}
	return nil, false
}

func (p *DiscoveryParser) logDiagnostics(raw, category string) {
	balance := strings.Count(raw, "{") - strings.Count(raw, "}")
	preview := raw
	if len(preview) > diagnosticPreview {
		preview = preview[:diagnosticPreview]
	}
	p.logger.Warn("discovery output could not be parsed",
		zap.String("category", category),
		zap.Int("content_length", len(raw)),
		zap.Bool("has_json_fence", strings.Contains(raw, "```json")),
		zap.Bool("has_fence", strings.Contains(raw, "```")),
		zap.Bool("has_open_brace", strings.Contains(raw, "{")),
		zap.Bool("has_close_brace", strings.Contains(raw, "}")),
		zap.Int("brace_balance", balance),
		zap.String("preview", preview),
	)
}

func (p *DiscoveryParser) parseStory(idx int, entry interface{}, category string) (Story, Errors, bool) {
	var errs Errors
	pos := idx + 1
	m, ok := entry.(map[string]interface{})
	if !ok {
		errs = append(errs, newError(KindParse, PhaseDiscovery, "Story %d is not an object", pos))
		return Story{}, errs, false
	}

	// zero means unassigned; Parse allocates it
	id, ok := coerceInt(m["id"])
	if !ok || id <= 0 {
		id = 0
	}
	s := Story{
		ID:                 id,
		Headline:           textField(m, "headline"),
		HeadlineGreek:      textField(m, "headline_greek"),
		Summary:            textField(m, "summary"),
		SourceName:         textField(m, "source_name"),
		SourceURL:          normalizeSourceURL(textField(m, "source_url")),
		PublishedDate:      textField(m, "published_date"),
		Stakeholders:       coerceStakeholders(m["stakeholders"]),
		RelevanceReasoning: textField(m, "relevance_reasoning"),
		Category:           category,
	}
	if s.Headline == "" {
		errs = append(errs, newError(KindParse, PhaseDiscovery, "Story %d missing required field: headline", pos))
		return Story{}, errs, false
	}
	if s.Summary == "" {
		errs = append(errs, newError(KindParse, PhaseDiscovery, "Story %d missing required field: summary", pos))
		return Story{}, errs, false
	}
	if s.SourceName == "" {
		s.SourceName = "Unknown"
	}

	score, present := m["international_relevance_score"]
	switch {
	case !present || score == nil:
		s.InternationalRelevanceScore = DefaultRelevanceScore
	default:
		n, ok := coerceInt(score)
		if !ok {
			errs = append(errs, newError(KindValidation, PhaseDiscovery, "Story %d has invalid international_relevance_score %v, defaulting to %d", pos, score, DefaultRelevanceScore))
			n = DefaultRelevanceScore
		}
		s.InternationalRelevanceScore = clampScore(n)
	}
	return s, errs, true
}

func textField(m map[string]interface{}, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return helpers.PlainText(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func normalizeSourceURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" || schemePattern.MatchString(u) {
		return u
	}
	return "https://" + strings.TrimPrefix(u, "//")
}

func coerceStakeholders(v interface{}) []string {
	out := []string{}
	switch t := v.(type) {
	case nil:
	case []interface{}:
		for _, item := range t {
			if item == nil {
				continue
			}
			if s := helpers.PlainText(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, part := range strings.Split(t, ",") {
			if s := helpers.PlainText(part); s != "" {
				out = append(out, s)
			}
		}
	default:
		if s := helpers.PlainText(fmt.Sprint(t)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func coerceInt(v interface{}) (int, bool) {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return int(math.Trunc(t)), true
	case string:
		s := strings.TrimSpace(t)
		if n, err := strconv.Atoi(s); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return int(math.Trunc(f)), true
		}
	}
	return 0, false
}

func clampScore(n int) int {
	if n < 1 {
		return 1
	}
	if n > 10 {
		return 10
	}
	return n
}
