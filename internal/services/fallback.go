package services

import (
	"fmt"
	"strings"
)

// Deterministic LLM-free scorers. They exist so that the engine degrades
// gracefully when the model is unreachable for non-quota reasons; they
// are liveness signals, not good evaluations.

var (
	experienceKeywords  = []string{"experience", "years", "worked", "developed"}
	techKeywords        = []string{"javascript", "python", "java", "react", "node", "sql", "database"}
	achievementKeywords = []string{"led", "managed", "built", "created", "achieved", "improved"}

	codeKeywords = []string{"api", "endpoint", "function", "class", "database", "server", "docker", "test", "code"}
	docKeywords  = []string{"readme", "documentation", "setup", "install", "instructions"}
)

// FallbackCVScore produces a keyword-based CV stage result. The match
// rate is the fraction of job-title tokens contained in the CV, clamped
// to [0.3, 0.9]; keyword classes shift the sub-scores within 0.15 of it.
func FallbackCVScore(cvText, jobTitle string) *CVStageResult {
	cvLower := strings.ToLower(cvText)
	jobTokens := tokenize(jobTitle)

	matched := 0
	var missing []string
	for _, token := range jobTokens {
		if strings.Contains(cvLower, token) {
			matched++
		} else {
			missing = append(missing, token)
		}
	}

	matchRate := 0.3
	if len(jobTokens) > 0 {
		matchRate = clampFloat(float64(matched)/float64(len(jobTokens)), 0.3, 0.9)
	}

	experienceMatch := modulate(matchRate, containsAny(cvLower, experienceKeywords))
	techScore := modulate(matchRate, containsAny(cvLower, techKeywords))
	achievementScore := modulate(matchRate, containsAny(cvLower, achievementKeywords))

	var strengths []string
	if containsAny(cvLower, techKeywords) {
		strengths = append(strengths, "mentions relevant technologies")
	}
	if containsAny(cvLower, achievementKeywords) {
		strengths = append(strengths, "describes concrete accomplishments")
	}

	return &CVStageResult{
		MatchRate:       matchRate,
		ExperienceMatch: experienceMatch,
		Strengths:       strengths,
		Weaknesses:      nil,
		MissingSkills:   missing,
		OverallAssessment: fmt.Sprintf(
			"Automated keyword screening matched %d of %d role terms. Technical alignment %.2f, achievement signal %.2f. A full AI evaluation was unavailable; treat these scores as indicative only.",
			matched, len(jobTokens), techScore, achievementScore),
		technicalScore:   techScore,
		achievementScore: achievementScore,
	}
}

// FallbackProjectScore produces a keyword-and-length-based project stage
// result: base 3.0, plus a length bonus, plus code and documentation
// keyword bonuses, capped at 5.0.
func FallbackProjectScore(projectText string) *ProjectStageResult {
	textLower := strings.ToLower(projectText)

	score := 3.0
	score += minFloat(1.0, float64(len(projectText))/2000.0*0.5)

	hasCode := containsAny(textLower, codeKeywords)
	if hasCode {
		score += 0.5
	}

	hasDocs := containsAny(textLower, docKeywords)
	if hasDocs {
		score += 0.3
	}

	if score > 5.0 {
		score = 5.0
	}

	docScore := 3.0
	if hasDocs {
		docScore = 4.0
	}

	return &ProjectStageResult{
		OverallScore:         score,
		TechnicalQuality:     score,
		ComplexityLevel:      score,
		InnovationScore:      3.0,
		DocumentationQuality: docScore,
		Strengths:            nil,
		Improvements:         []string{"resubmit when AI evaluation is available for a detailed review"},
	}
}

// modulate shifts base by 0.1 up or down on keyword presence, bounded to
// base +/- 0.15 and [0,1].
func modulate(base float64, present bool) float64 {
	shifted := base - 0.1
	if present {
		shifted = base + 0.1
	}
	return clampFloat(shifted, maxFloat(0, base-0.15), minFloat(1, base+0.15))
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	var tokens []string
	for _, f := range fields {
		if len(f) >= 2 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
