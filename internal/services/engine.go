package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hirelens/evaluator/internal/apperrors"
	"hirelens/evaluator/internal/models"
)

const maxFeedbackLength = 4000

// WorkItem is what the dispatcher enqueues and a worker hands to the
// engine: everything needed to evaluate without further document lookups.
type WorkItem struct {
	JobID       string    `json:"job_id"`
	RecordID    uuid.UUID `json:"record_id"`
	JobTitle    string    `json:"job_title"`
	CVText      string    `json:"cv_text"`
	ProjectText string    `json:"project_text"`
	OwnerID     string    `json:"owner_id"`
	Attempts    int       `json:"attempts"`
}

// CVStageResult is the parsed output of the CV scoring stage.
type CVStageResult struct {
	MatchRate         float64  `json:"matchRate"`
	ExperienceMatch   float64  `json:"experienceMatch"`
	Strengths         []string `json:"strengths"`
	Weaknesses        []string `json:"weaknesses"`
	MissingSkills     []string `json:"missingSkills"`
	OverallAssessment string   `json:"overallAssessment"`

	// set only by the fallback scorer
	technicalScore   float64
	achievementScore float64
}

// ProjectStageResult is the parsed output of the project scoring stage.
type ProjectStageResult struct {
	OverallScore         float64  `json:"overallScore"`
	TechnicalQuality     float64  `json:"technicalQuality"`
	ComplexityLevel      float64  `json:"complexityLevel"`
	InnovationScore      float64  `json:"innovationScore"`
	DocumentationQuality float64  `json:"documentationQuality"`
	Strengths            []string `json:"strengths"`
	Improvements         []string `json:"improvements"`
}

type EngineService interface {
	Evaluate(ctx context.Context, item *WorkItem) (*models.EvaluationResult, error)
}

type engineService struct {
	llm             LLMService
	retriever       RetrieverService
	promptBuilder   *PromptBuilder
	maxResults      int
	threshold       float32
	evaluationModel string
	log             *zap.Logger
}

func NewEngineService(
	llm LLMService,
	retriever RetrieverService,
	maxResults int,
	threshold float32,
	evaluationModel string,
	log *zap.Logger,
) EngineService {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &engineService{
		llm:             llm,
		retriever:       retriever,
		promptBuilder:   NewPromptBuilder(),
		maxResults:      maxResults,
		threshold:       threshold,
		evaluationModel: evaluationModel,
		log:             log,
	}
}

// evaluationContext holds the retrieved reference material for one job.
type evaluationContext struct {
	jobRequirements  []SearchResult
	cvRubric         []SearchResult
	similarCVs       []SearchResult
	caseStudies      []SearchResult
	techRequirements []SearchResult
	projectRubric    []SearchResult
	similarProjects  []SearchResult
}

func (c *evaluationContext) sourceCounts() map[string]int {
	return map[string]int{
		"job_requirements":  len(c.jobRequirements),
		"cv_rubric":         len(c.cvRubric),
		"similar_cvs":       len(c.similarCVs),
		"case_studies":      len(c.caseStudies),
		"tech_requirements": len(c.techRequirements),
		"project_rubric":    len(c.projectRubric),
		"similar_projects":  len(c.similarProjects),
	}
}

// Evaluate implements EngineService: retrieve context, score the CV,
// score the project, generate the final recommendation, assemble a
// schema-valid result. Per-stage LLM failures fall back to deterministic
// scoring; only a quota error at the recommendation stage is fatal.
func (e *engineService) Evaluate(ctx context.Context, item *WorkItem) (*models.EvaluationResult, error) {
	log := e.log.With(zap.String("job_id", item.JobID))

	log.Info("retrieving evaluation context", zap.String("job_title", item.JobTitle))
	evalCtx := e.retrieveContext(ctx, item)

	log.Info("scoring CV")
	cvStage := e.scoreCV(ctx, item, evalCtx, log)

	log.Info("scoring project report")
	projectStage := e.scoreProject(ctx, item, evalCtx, log)

	log.Info("generating overall recommendation")
	recommendation, summary, err := e.generateRecommendation(ctx, item, cvStage, projectStage, log)
	if err != nil {
		return nil, err
	}

	result := e.assembleResult(cvStage, projectStage, recommendation, summary, evalCtx)
	log.Info("evaluation assembled",
		zap.Float64("cv_match_rate", result.CVMatchRate),
		zap.Float64("project_score", result.ProjectScore),
		zap.String("recommendation", string(result.Recommendation)),
	)
	return result, nil
}

// retrieveContext runs all reference searches in parallel. Failures are
// already swallowed to empty lists inside the retriever.
func (e *engineService) retrieveContext(ctx context.Context, item *WorkItem) *evaluationContext {
	evalCtx := &evaluationContext{}

	searches := []struct {
		query      string
		collection string
		filter     SearchFilter
		target     *[]SearchResult
	}{
		{item.JobTitle, CollectionJobDescriptions, nil, &evalCtx.jobRequirements},
		{item.JobTitle + " CV evaluation criteria", CollectionRubrics, SearchFilter{"doc_type": string(models.DocTypeCVRubric)}, &evalCtx.cvRubric},
		{firstChars(item.CVText, 500), CollectionCVDocuments, nil, &evalCtx.similarCVs},
		{item.JobTitle, CollectionCaseStudies, nil, &evalCtx.caseStudies},
		{"technical requirements for " + item.JobTitle, CollectionJobDescriptions, nil, &evalCtx.techRequirements},
		{item.JobTitle + " project evaluation criteria", CollectionRubrics, SearchFilter{"doc_type": string(models.DocTypeProjectRubric)}, &evalCtx.projectRubric},
		{firstChars(item.ProjectText, 500), CollectionProjectDocuments, nil, &evalCtx.similarProjects},
	}

	var wg sync.WaitGroup
	for _, s := range searches {
		wg.Add(1)
		go func(query, collection string, filter SearchFilter, target *[]SearchResult) {
			defer wg.Done()
			*target = e.retriever.Search(ctx, query, collection, e.maxResults, filter, e.threshold)
		}(s.query, s.collection, s.filter, s.target)
	}
	wg.Wait()

	return evalCtx
}

func (e *engineService) scoreCV(ctx context.Context, item *WorkItem, evalCtx *evaluationContext, log *zap.Logger) *CVStageResult {
	prompt := e.promptBuilder.BuildCVEvaluationPrompt(
		item.JobTitle,
		FormatRAGContext(evalCtx.jobRequirements),
		FormatRAGContext(evalCtx.cvRubric),
		item.CVText,
	)

	response, err := e.llm.Evaluate(ctx, prompt, &ChatOptions{Model: e.evaluationModel})
	if err != nil {
		log.Warn("CV scoring call failed, using fallback scorer", zap.Error(err))
		return FallbackCVScore(item.CVText, item.JobTitle)
	}
	if response.Parsed == nil {
		log.Warn("CV scoring returned no JSON, using fallback scorer")
		return FallbackCVScore(item.CVText, item.JobTitle)
	}

	var stage CVStageResult
	if err := json.Unmarshal(response.Parsed, &stage); err != nil {
		log.Warn("CV scoring JSON did not match schema, using fallback scorer", zap.Error(err))
		return FallbackCVScore(item.CVText, item.JobTitle)
	}

	return &stage
}

func (e *engineService) scoreProject(ctx context.Context, item *WorkItem, evalCtx *evaluationContext, log *zap.Logger) *ProjectStageResult {
	prompt := e.promptBuilder.BuildProjectEvaluationPrompt(
		item.JobTitle,
		FormatRAGContext(evalCtx.techRequirements),
		FormatRAGContext(evalCtx.projectRubric),
		item.ProjectText,
	)

	response, err := e.llm.Evaluate(ctx, prompt, &ChatOptions{Model: e.evaluationModel})
	if err != nil {
		log.Warn("project scoring call failed, using fallback scorer", zap.Error(err))
		return FallbackProjectScore(item.ProjectText)
	}
	if response.Parsed == nil {
		log.Warn("project scoring returned no JSON, using fallback scorer")
		return FallbackProjectScore(item.ProjectText)
	}

	var stage ProjectStageResult
	if err := json.Unmarshal(response.Parsed, &stage); err != nil {
		log.Warn("project scoring JSON did not match schema, using fallback scorer", zap.Error(err))
		return FallbackProjectScore(item.ProjectText)
	}

	return &stage
}

// generateRecommendation runs the final chat stage. A quota error here is
// not suppressed; any other failure degrades to a deterministic summary.
func (e *engineService) generateRecommendation(ctx context.Context, item *WorkItem, cvStage *CVStageResult, projectStage *ProjectStageResult, log *zap.Logger) (string, string, error) {
	prompt := e.promptBuilder.BuildRecommendationPrompt(
		item.JobTitle,
		cvStage.OverallAssessment,
		strings.Join(append(projectStage.Strengths, projectStage.Improvements...), "; "),
		cvStage.MatchRate,
		projectStage.OverallScore,
	)

	result, err := e.llm.Chat(ctx, []ChatMessage{{Role: "user", Content: prompt}}, &ChatOptions{Model: e.evaluationModel})
	if err != nil {
		if apperrors.IsQuota(err) {
			return "", "", err
		}
		log.Warn("recommendation call failed, composing deterministic summary", zap.Error(err))
		rec, summary := fallbackSummary(cvStage, projectStage)
		return rec, summary, nil
	}

	recommendation, feedback, specifics := ParseRecommendationResponse(result.Content)
	if recommendation == "" {
		recommendation = result.Content
	}

	summary := feedback
	if specifics != "" {
		if summary != "" {
			summary += "\n\n"
		}
		summary += "Recommendations: " + specifics
	}
	if strings.TrimSpace(summary) == "" {
		summary = strings.TrimSpace(result.Content)
	}

	return recommendation, summary, nil
}

// fallbackSummary derives a recommendation from the weighted aggregate of
// the two scored stages.
func fallbackSummary(cvStage *CVStageResult, projectStage *ProjectStageResult) (string, string) {
	aggregate := 0.4*clampFloat(cvStage.MatchRate, 0, 1) +
		0.35*(clampFloat(projectStage.OverallScore, 1, 5)-1)/4 +
		0.25*clampFloat(cvStage.MatchRate, 0, 1)

	rec := string(models.RecommendationReject)
	switch {
	case aggregate >= 0.7:
		rec = string(models.RecommendationHire)
	case aggregate >= 0.45:
		rec = string(models.RecommendationConditionalHire)
	}

	summary := fmt.Sprintf(
		"CV match rate %.2f and project score %.2f. %s %s",
		cvStage.MatchRate, projectStage.OverallScore,
		cvStage.OverallAssessment,
		"The final AI assessment was unavailable; this summary was composed from the stage scores.",
	)
	return rec, summary
}

func (e *engineService) assembleResult(cvStage *CVStageResult, projectStage *ProjectStageResult, recommendation, summary string, evalCtx *evaluationContext) *models.EvaluationResult {
	matchRate := clampFloat(cvStage.MatchRate, 0, 1)

	return &models.EvaluationResult{
		CVMatchRate:      matchRate,
		CVBreakdown:      buildCVBreakdown(cvStage, matchRate),
		CVFeedback:       clampText(cvStage.OverallAssessment),
		ProjectScore:     clampFloat(projectStage.OverallScore, 1, 5),
		ProjectBreakdown: buildProjectBreakdown(projectStage),
		OverallSummary:   clampText(summary),
		Recommendation:   NormalizeRecommendation(recommendation),
		EvaluatedAt:      time.Now().UTC(),
		ContextSources:   evalCtx.sourceCounts(),
	}
}

// buildCVBreakdown maps the stage output onto the four fixed sub-scores.
// The fallback scorer precomputes two of them; the LLM path derives them
// from the match rate and the listed strengths, weaknesses, and gaps.
func buildCVBreakdown(stage *CVStageResult, matchRate float64) models.CVBreakdown {
	technical := stage.technicalScore
	if technical == 0 {
		technical = matchRate + 0.05 - 0.03*float64(len(stage.MissingSkills))
	}

	achievements := stage.achievementScore
	if achievements == 0 {
		achievements = matchRate + 0.03*float64(len(stage.Strengths)) - 0.03*float64(len(stage.Weaknesses))
	}

	experience := stage.ExperienceMatch
	if experience == 0 {
		experience = matchRate
	}

	return models.CVBreakdown{
		TechnicalSkills: clampFloat(technical, 0, 1),
		ExperienceLevel: clampFloat(experience, 0, 1),
		Achievements:    clampFloat(achievements, 0, 1),
		CulturalFit:     matchRate,
	}
}

func buildProjectBreakdown(stage *ProjectStageResult) models.ProjectBreakdown {
	return models.ProjectBreakdown{
		Correctness:   clampFloat(stage.OverallScore, 1, 5),
		CodeQuality:   clampFloat(stage.TechnicalQuality, 1, 5),
		Resilience:    clampFloat(stage.ComplexityLevel, 1, 5),
		Documentation: clampFloat(stage.DocumentationQuality, 1, 5),
		Creativity:    clampFloat(stage.InnovationScore, 1, 5),
	}
}

// NormalizeRecommendation maps free-form model output onto the three
// allowed values by case-insensitive substring match.
func NormalizeRecommendation(raw string) models.Recommendation {
	upper := strings.ToUpper(raw)
	switch {
	case strings.Contains(upper, "CONDITIONAL") || strings.Contains(upper, "MAYBE"):
		return models.RecommendationConditionalHire
	case strings.Contains(upper, "REJECT"):
		return models.RecommendationReject
	case strings.Contains(upper, "NO HIRE") || strings.HasPrefix(strings.TrimSpace(upper), "NO"):
		return models.RecommendationReject
	case strings.Contains(upper, "HIRE"):
		return models.RecommendationHire
	default:
		return models.RecommendationConditionalHire
	}
}

func clampText(s string) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= maxFeedbackLength {
		return string(runes)
	}
	return string(runes[:maxFeedbackLength]) + "..."
}

func firstChars(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
