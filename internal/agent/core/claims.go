package core

import (
	"regexp"
	"strings"
)

// MaxClaims bounds how many claims one story verifies.
const MaxClaims = 10

// minPlanForFallback is the plan length from which a plan without any
// recognisable claim line still yields a generic claim.
const minPlanForFallback = 100

// GenericClaimText is the pseudo-claim used when the interrogation plan has no
// enumerable claims.
const GenericClaimText = "Επαλήθευσε τους κύριους ισχυρισμούς του θέματος"

var (
	explicitClaimLine = regexp.MustCompile(`(?i)^\s*(?:[-*•]\s*)?(?:\*\*)?(?:claim|ισχυρισμός)\s*#?\d+\s*(?:\*\*)?\s*[:.)-]\s*(?:\*\*)?\s*(.+)$`)
	numberedLine      = regexp.MustCompile(`^\s*\d+\s*[.)]\s+(.+)$`)
	bulletLine        = regexp.MustCompile(`^\s*[-*•]\s+(.+)$`)
	minClaimLength    = 10

	internationalKeywords = regexp.MustCompile(`(?i)\b(international|global|world|foreign|europe|european|eu|un|nato)\b`)
	internationalStems    = []string{"διεθν", "παγκόσμ", "ευρωπ", "εξωτερικ", "ε.ε.", "οηε", "νατο"}

	verdictLine     = regexp.MustCompile(`(?i)^\s*(?:\*\*)?(?:verdict|status|ετυμηγορία)(?:\*\*)?\s*:\s*(.+)$`)
	partialPattern  = regexp.MustCompile(`(?i)\bPARTIALLY[-_ ]TRUE\b|ΜΕΡΙΚΩΣ ΑΛΗΘΕΣ|ΜΕΡΙΚΩΣ ΑΛΗΘΗΣ`)
	falsePattern    = regexp.MustCompile(`(?i)\bFALSE\b|ΨΕΥΔΕΣ|ΨΕΥΔΗΣ`)
	truePattern     = regexp.MustCompile(`(?i)\bTRUE\b|ΑΛΗΘΕΣ|ΑΛΗΘΗΣ`)
	unverifiedMatch = regexp.MustCompile(`(?i)\bUNVERIFIED\b|ΑΝΕΠΙΒΕΒΑΙΩΤΟ`)
)

// ExtractClaims pulls candidate claims out of a free-text interrogation plan.
//
// This is a lossy heuristic. Explicit "Claim N:" lines are preferred; only
// when none exist do numbered and bulleted lines count. A long plan without
// any match yields one generic claim so the phase still verifies something.
// Routing fields are left empty; see RouteClaim.
func ExtractClaims(plan string) []Claim {
	lines := strings.Split(plan, "\n")

	claims := matchLines(lines, explicitClaimLine)
	if len(claims) == 0 {
		claims = matchLines(lines, numberedLine, bulletLine)
	}
	if len(claims) == 0 && len(strings.TrimSpace(plan)) >= minPlanForFallback {
		claims = []Claim{{Text: GenericClaimText}}
	}
	if len(claims) > MaxClaims {
		claims = claims[:MaxClaims]
	}
	return claims
}

func matchLines(lines []string, patterns ...*regexp.Regexp) []Claim {
	var out []Claim
	for _, line := range lines {
		for _, p := range patterns {
			m := p.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			text := cleanClaimText(m[1])
			if len([]rune(text)) >= minClaimLength {
				out = append(out, Claim{Text: text, OriginalLine: strings.TrimSpace(line)})
			}
			break
		}
	}
	return out
}

func cleanClaimText(s string) string {
	s = strings.ReplaceAll(s, "**", "")
	s = strings.Trim(strings.TrimSpace(s), `"'«»`)
	return strings.TrimSpace(s)
}

// RouteClaim picks which context agent verifies text. Claims mentioning an
// international scope go to the international agent when one exists; all
// others, and every claim of a story without an international agent, go to
// the Greek agent.
func RouteClaim(text string, hasInternational bool) string {
	if !hasInternational {
		return AgentTypeGreek
	}
	if internationalKeywords.MatchString(text) {
		return AgentTypeInternational
	}
	lower := strings.ToLower(text)
	for _, stem := range internationalStems {
		if strings.Contains(lower, stem) {
			return AgentTypeInternational
		}
	}
	return AgentTypeGreek
}

// ParseVerdict reads the verdict out of a verification response. An explicit
// "VERDICT:" line wins over a scan of the whole text.
func ParseVerdict(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if m := verdictLine.FindStringSubmatch(line); m != nil {
			if v := scanVerdict(m[1]); v != "" {
				return v
			}
		}
	}
	if v := scanVerdict(text); v != "" {
		return v
	}
	return VerdictUnverified
}

func scanVerdict(s string) string {
	switch {
	case partialPattern.MatchString(s):
		return VerdictPartiallyTrue
	case unverifiedMatch.MatchString(s):
		return VerdictUnverified
	case falsePattern.MatchString(s):
		return VerdictFalse
	case truePattern.MatchString(s):
		return VerdictTrue
	}
	return ""
}
