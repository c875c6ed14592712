package services

import (
	"fmt"
	"regexp"
	"strings"
)

type PromptBuilder struct{}

func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{}
}

// BuildCVEvaluationPrompt creates the prompt for the CV scoring stage.
func (pb *PromptBuilder) BuildCVEvaluationPrompt(jobTitle, jobRequirements, scoringRubric, cvText string) string {
	return fmt.Sprintf(`You are an expert HR recruiter evaluating a candidate's CV for a %s position.

JOB REQUIREMENTS:
%s

SCORING RUBRIC:
%s

CANDIDATE CV:
%s

Evaluate the candidate's CV against the job requirements using the scoring rubric.

Return your response in the following JSON format:
{
  "matchRate": <overall match as decimal 0-1>,
  "experienceMatch": <experience alignment as decimal 0-1>,
  "strengths": ["<strength 1>", "<strength 2>"],
  "weaknesses": ["<weakness 1>", "<weakness 2>"],
  "missingSkills": ["<missing skill 1>"],
  "overallAssessment": "<detailed feedback 3-5 sentences explaining strengths and gaps>"
}

Be objective and thorough. Provide specific examples from the CV to justify your scores.`,
		jobTitle, orPlaceholder(jobRequirements), orPlaceholder(scoringRubric), cvText)
}

// BuildProjectEvaluationPrompt creates the prompt for the project-report
// scoring stage.
func (pb *PromptBuilder) BuildProjectEvaluationPrompt(jobTitle, techRequirements, scoringRubric, projectText string) string {
	return fmt.Sprintf(`You are an expert technical evaluator assessing a candidate's project report for a %s position.

TECHNICAL REQUIREMENTS:
%s

SCORING RUBRIC:
%s

CANDIDATE'S PROJECT REPORT:
%s

Evaluate the project report against the technical requirements using the scoring rubric.

Return your response in the following JSON format (all scores on a 1-5 scale):
{
  "overallScore": <1-5>,
  "technicalQuality": <1-5>,
  "complexityLevel": <1-5>,
  "innovationScore": <1-5>,
  "documentationQuality": <1-5>,
  "strengths": ["<strength 1>", "<strength 2>"],
  "improvements": ["<improvement 1>", "<improvement 2>"]
}

Be thorough and specific. Reference actual implementation details from the report.`,
		jobTitle, orPlaceholder(techRequirements), orPlaceholder(scoringRubric), projectText)
}

// BuildRecommendationPrompt creates the prompt for the final
// hire/no-hire stage. The response is free-form text anchored on three
// headers that ParseRecommendationResponse knows how to find.
func (pb *PromptBuilder) BuildRecommendationPrompt(jobTitle, cvAssessment, projectAssessment string, matchRate, projectScore float64) string {
	return fmt.Sprintf(`You are an expert technical hiring manager making a final assessment of a candidate for a %s position.

CV EVALUATION:
- Match Rate: %.2f (out of 1.0)
- Assessment: %s

PROJECT EVALUATION:
- Project Score: %.2f (out of 5.0)
- Assessment: %s

Respond in exactly this structure:

RECOMMENDATION: <one of HIRE, CONDITIONAL_HIRE, REJECT>

DETAILED FEEDBACK:
<3-5 sentences covering overall strengths and key gaps>

SPECIFIC RECOMMENDATIONS:
<concrete next steps for the hiring team>

Be direct and actionable.`,
		jobTitle, matchRate, cvAssessment, projectScore, projectAssessment)
}

var (
	recommendationPattern = regexp.MustCompile(`(?s)RECOMMENDATION:\s*(.+?)\s*(?:DETAILED FEEDBACK:|SPECIFIC RECOMMENDATIONS:|$)`)
	feedbackPattern       = regexp.MustCompile(`(?s)DETAILED FEEDBACK:\s*(.+?)\s*(?:SPECIFIC RECOMMENDATIONS:|$)`)
	specificPattern       = regexp.MustCompile(`(?s)SPECIFIC RECOMMENDATIONS:\s*(.+)\s*$`)
)

// ParseRecommendationResponse splits the final-stage response on its
// three anchor headers. Missing sections come back empty.
func ParseRecommendationResponse(text string) (recommendation, feedback, specifics string) {
	if m := recommendationPattern.FindStringSubmatch(text); len(m) == 2 {
		recommendation = strings.TrimSpace(m[1])
	}
	if m := feedbackPattern.FindStringSubmatch(text); len(m) == 2 {
		feedback = strings.TrimSpace(m[1])
	}
	if m := specificPattern.FindStringSubmatch(text); len(m) == 2 {
		specifics = strings.TrimSpace(m[1])
	}
	return recommendation, feedback, specifics
}

// FormatRAGContext flattens search results into a prompt section.
func FormatRAGContext(results []SearchResult) string {
	if len(results) == 0 {
		return "No relevant context found."
	}

	var parts []string
	for i, result := range results {
		parts = append(parts, fmt.Sprintf("--- Context %d (Score: %.2f) ---\n%s",
			i+1, result.Score, strings.TrimSpace(result.Text)))
	}

	return strings.Join(parts, "\n\n")
}

func orPlaceholder(s string) string {
	if strings.TrimSpace(s) == "" {
		return "No reference material available."
	}
	return s
}
