package services

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hirelens/evaluator/internal/apperrors"
	"hirelens/evaluator/internal/models"
)

// fakeLLM scripts the engine's three LLM calls: Evaluate for the CV and
// project stages, Chat for the recommendation stage.
type fakeLLM struct {
	mu            sync.Mutex
	evalResponses []fakeEvalReply
	chatResponse  *ChatResult
	chatErr       error
	chatCalls     int
	evalCalls     int
}

type fakeEvalReply struct {
	result *EvaluateResult
	err    error
}

func (f *fakeLLM) Provider() Provider { return ProviderOpenAI }

func (f *fakeLLM) Chat(ctx context.Context, messages []ChatMessage, opts *ChatOptions) (*ChatResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatCalls++
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	return f.chatResponse, nil
}

func (f *fakeLLM) Evaluate(ctx context.Context, prompt string, opts *ChatOptions) (*EvaluateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.evalCalls >= len(f.evalResponses) {
		return nil, apperrors.Engine(nil, "unexpected Evaluate call %d", f.evalCalls)
	}
	reply := f.evalResponses[f.evalCalls]
	f.evalCalls++
	return reply.result, reply.err
}

func (f *fakeLLM) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	return HashEmbedding(text, 8), nil
}

func (f *fakeLLM) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = HashEmbedding(t, 8)
	}
	return out, nil
}

func (f *fakeLLM) HealthCheck(ctx context.Context) error { return nil }

// fakeRetriever returns canned results, or nothing at all when failing.
type fakeRetriever struct {
	mu       sync.Mutex
	results  map[string][]SearchResult
	searches int
	failing  bool
}

func (f *fakeRetriever) EnsureCollections(ctx context.Context) error { return nil }

func (f *fakeRetriever) IndexDocument(ctx context.Context, doc *models.Document, collection string) (int, error) {
	return 0, nil
}

func (f *fakeRetriever) Search(ctx context.Context, queryText, collection string, limit int, filter SearchFilter, threshold float32) []SearchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches++
	if f.failing {
		return nil
	}
	return f.results[collection]
}

func (f *fakeRetriever) Remove(ctx context.Context, docID, collection string) error { return nil }

func evalReplyJSON(t *testing.T, v interface{}) fakeEvalReply {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return fakeEvalReply{result: &EvaluateResult{Raw: string(raw), Parsed: raw}}
}

func testWorkItem() *WorkItem {
	return &WorkItem{
		JobID:       "eval_test_123",
		JobTitle:    "Backend Engineer",
		CVText:      "Senior backend engineer, 6 years Node.js, AWS, MongoDB experience. Built and led scalable services.",
		ProjectText: "A microservice with an api, database layer, docker setup and README documentation.",
		OwnerID:     "owner-1",
	}
}

func happyPathLLM(t *testing.T) *fakeLLM {
	return &fakeLLM{
		evalResponses: []fakeEvalReply{
			evalReplyJSON(t, map[string]interface{}{
				"matchRate":         0.85,
				"experienceMatch":   0.8,
				"strengths":         []string{"strong backend background"},
				"weaknesses":        []string{"no Kubernetes"},
				"missingSkills":     []string{"kubernetes"},
				"overallAssessment": "Strong fit for the role.",
			}),
			evalReplyJSON(t, map[string]interface{}{
				"overallScore":         4.2,
				"technicalQuality":     4.0,
				"complexityLevel":      3.5,
				"innovationScore":      3.0,
				"documentationQuality": 4.5,
				"strengths":            []string{"clean architecture"},
				"improvements":         []string{"add load tests"},
			}),
		},
		chatResponse: &ChatResult{
			Content: "RECOMMENDATION: HIRE\n\nDETAILED FEEDBACK:\nExcellent candidate with proven backend depth.\n\nSPECIFIC RECOMMENDATIONS:\nStart with a systems design onboarding.",
		},
	}
}

func TestEngineHappyPath(t *testing.T) {
	llm := happyPathLLM(t)
	retriever := &fakeRetriever{results: map[string][]SearchResult{
		CollectionJobDescriptions: {{Text: "Backend role requiring Node.js", Score: 0.9}},
		CollectionRubrics:         {{Text: "CV rubric text", Score: 0.8}},
	}}

	engine := NewEngineService(llm, retriever, 3, 0.3, "", zap.NewNop())

	result, err := engine.Evaluate(context.Background(), testWorkItem())

	require.NoError(t, err)
	assert.Equal(t, 0.85, result.CVMatchRate)
	assert.Equal(t, 4.2, result.ProjectScore)
	assert.Equal(t, models.RecommendationHire, result.Recommendation)
	assert.Contains(t, result.OverallSummary, "Excellent candidate")
	assert.Contains(t, result.OverallSummary, "systems design onboarding")
	assert.Equal(t, "Strong fit for the role.", result.CVFeedback)
	assert.Equal(t, 4.0, result.ProjectBreakdown.CodeQuality)
	assert.Equal(t, 4.5, result.ProjectBreakdown.Documentation)
	assert.WithinDuration(t, time.Now(), result.EvaluatedAt, time.Minute)

	// All seven context searches ran.
	assert.Equal(t, 7, retriever.searches)
}

func TestEngineSurvivesRetrievalOutage(t *testing.T) {
	llm := happyPathLLM(t)
	retriever := &fakeRetriever{failing: true}

	engine := NewEngineService(llm, retriever, 3, 0.3, "", zap.NewNop())

	result, err := engine.Evaluate(context.Background(), testWorkItem())

	require.NoError(t, err)
	assert.Equal(t, models.RecommendationHire, result.Recommendation)
	for _, count := range result.ContextSources {
		assert.Zero(t, count)
	}
}

func TestEngineFallsBackWhenLLMStagesFail(t *testing.T) {
	llm := &fakeLLM{
		evalResponses: []fakeEvalReply{
			{err: apperrors.Transient(nil, "cv stage down")},
			{err: apperrors.Transient(nil, "project stage down")},
		},
		chatErr: apperrors.Transient(nil, "recommendation down"),
	}
	retriever := &fakeRetriever{failing: true}

	engine := NewEngineService(llm, retriever, 3, 0.3, "", zap.NewNop())

	result, err := engine.Evaluate(context.Background(), testWorkItem())

	require.NoError(t, err, "the engine must still produce a schema-valid result")
	assertResultInRange(t, result)
	assert.NotEmpty(t, result.OverallSummary)
}

func TestEngineFallsBackOnInvalidJSON(t *testing.T) {
	llm := &fakeLLM{
		evalResponses: []fakeEvalReply{
			{result: &EvaluateResult{Raw: "no json at all", Parsed: nil}},
			{result: &EvaluateResult{Raw: "also nothing", Parsed: nil}},
		},
		chatResponse: &ChatResult{Content: "RECOMMENDATION: CONDITIONAL_HIRE\n\nDETAILED FEEDBACK:\nMixed signals.\n\nSPECIFIC RECOMMENDATIONS:\nFollow-up interview."},
	}
	retriever := &fakeRetriever{}

	engine := NewEngineService(llm, retriever, 3, 0.3, "", zap.NewNop())

	result, err := engine.Evaluate(context.Background(), testWorkItem())

	require.NoError(t, err)
	assertResultInRange(t, result)
	assert.Equal(t, models.RecommendationConditionalHire, result.Recommendation)
}

func TestEngineQuotaAtRecommendationStageIsFatal(t *testing.T) {
	llm := happyPathLLM(t)
	llm.chatResponse = nil
	llm.chatErr = apperrors.Quota("AI evaluation service temporarily unavailable due to API usage limits", 60*time.Second)
	retriever := &fakeRetriever{}

	engine := NewEngineService(llm, retriever, 3, 0.3, "", zap.NewNop())

	_, err := engine.Evaluate(context.Background(), testWorkItem())

	require.Error(t, err)
	assert.True(t, apperrors.IsQuota(err))
	assert.Contains(t, err.Error(), "temporarily unavailable")
}

func TestEngineClampsOutOfRangeScores(t *testing.T) {
	llm := &fakeLLM{
		evalResponses: []fakeEvalReply{
			evalReplyJSON(t, map[string]interface{}{
				"matchRate":         1.7,
				"experienceMatch":   -0.4,
				"overallAssessment": "numbers are off",
			}),
			evalReplyJSON(t, map[string]interface{}{
				"overallScore":         9.5,
				"technicalQuality":     0.2,
				"complexityLevel":      6,
				"innovationScore":      -1,
				"documentationQuality": 5.5,
			}),
		},
		chatResponse: &ChatResult{Content: "RECOMMENDATION: HIRE\n\nDETAILED FEEDBACK:\nFine.\n\nSPECIFIC RECOMMENDATIONS:\nNone."},
	}
	retriever := &fakeRetriever{}

	engine := NewEngineService(llm, retriever, 3, 0.3, "", zap.NewNop())

	result, err := engine.Evaluate(context.Background(), testWorkItem())

	require.NoError(t, err)
	assertResultInRange(t, result)
	assert.Equal(t, 1.0, result.CVMatchRate)
	assert.Equal(t, 5.0, result.ProjectScore)
	assert.Equal(t, 1.0, result.ProjectBreakdown.CodeQuality)
}

func TestNormalizeRecommendation(t *testing.T) {
	tests := []struct {
		in   string
		want models.Recommendation
	}{
		{"HIRE", models.RecommendationHire},
		{"Strong Hire", models.RecommendationHire},
		{"hire this person", models.RecommendationHire},
		{"CONDITIONAL_HIRE", models.RecommendationConditionalHire},
		{"Conditional hire with reservations", models.RecommendationConditionalHire},
		{"maybe", models.RecommendationConditionalHire},
		{"REJECT", models.RecommendationReject},
		{"we should reject", models.RecommendationReject},
		{"No hire", models.RecommendationReject},
		{"", models.RecommendationConditionalHire},
		{"unintelligible output", models.RecommendationConditionalHire},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeRecommendation(tt.in))
		})
	}
}

func TestParseRecommendationResponse(t *testing.T) {
	text := "RECOMMENDATION: CONDITIONAL_HIRE\n\nDETAILED FEEDBACK:\nGood CV, weak project.\nNeeds mentoring.\n\nSPECIFIC RECOMMENDATIONS:\nPair with a senior engineer."

	rec, feedback, specifics := ParseRecommendationResponse(text)

	assert.Equal(t, "CONDITIONAL_HIRE", rec)
	assert.Contains(t, feedback, "Good CV, weak project.")
	assert.Contains(t, feedback, "Needs mentoring.")
	assert.Equal(t, "Pair with a senior engineer.", specifics)
}

func TestParseRecommendationResponseMissingSections(t *testing.T) {
	rec, feedback, specifics := ParseRecommendationResponse("RECOMMENDATION: HIRE")

	assert.Equal(t, "HIRE", rec)
	assert.Empty(t, feedback)
	assert.Empty(t, specifics)
}

func assertResultInRange(t *testing.T, result *models.EvaluationResult) {
	t.Helper()

	assert.GreaterOrEqual(t, result.CVMatchRate, 0.0)
	assert.LessOrEqual(t, result.CVMatchRate, 1.0)

	for name, v := range map[string]float64{
		"technical_skills": result.CVBreakdown.TechnicalSkills,
		"experience_level": result.CVBreakdown.ExperienceLevel,
		"achievements":     result.CVBreakdown.Achievements,
		"cultural_fit":     result.CVBreakdown.CulturalFit,
	} {
		assert.GreaterOrEqualf(t, v, 0.0, "cv breakdown %s below range", name)
		assert.LessOrEqualf(t, v, 1.0, "cv breakdown %s above range", name)
	}

	assert.GreaterOrEqual(t, result.ProjectScore, 1.0)
	assert.LessOrEqual(t, result.ProjectScore, 5.0)

	for name, v := range map[string]float64{
		"correctness":   result.ProjectBreakdown.Correctness,
		"code_quality":  result.ProjectBreakdown.CodeQuality,
		"resilience":    result.ProjectBreakdown.Resilience,
		"documentation": result.ProjectBreakdown.Documentation,
		"creativity":    result.ProjectBreakdown.Creativity,
	} {
		assert.GreaterOrEqualf(t, v, 1.0, "project breakdown %s below range", name)
		assert.LessOrEqualf(t, v, 5.0, "project breakdown %s above range", name)
	}

	validRecs := []models.Recommendation{
		models.RecommendationHire,
		models.RecommendationConditionalHire,
		models.RecommendationReject,
	}
	assert.Contains(t, validRecs, result.Recommendation)

	assert.False(t, strings.Contains(string(result.Recommendation), " "))
}
