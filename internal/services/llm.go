package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"hirelens/evaluator/internal/apperrors"
	"hirelens/evaluator/internal/config"
)

type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderOpenRouter Provider = "openrouter"
)

const (
	openRouterBaseURL = "https://openrouter.ai/api/v1"

	defaultOpenAIModel          = "gpt-4o-mini"
	defaultOpenRouterModel      = "openai/gpt-4o-mini"
	defaultOpenAIEmbedModel     = "text-embedding-3-small"
	defaultOpenRouterEmbedModel = "openai/text-embedding-3-small"

	quotaUnavailableMessage = "AI evaluation service temporarily unavailable due to API usage limits"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatResult struct {
	Content      string
	Model        string
	FinishReason string
	Usage        ChatUsage
}

type ChatOptions struct {
	Model       string
	Temperature *float32
	MaxTokens   int
}

// EvaluateResult carries both the raw completion text and the best-effort
// JSON object extracted from it. Parsed is nil when no valid object could
// be recovered; callers own schema validation.
type EvaluateResult struct {
	Raw    string
	Parsed json.RawMessage
	Model  string
	Usage  ChatUsage
}

type LLMService interface {
	Provider() Provider
	Chat(ctx context.Context, messages []ChatMessage, opts *ChatOptions) (*ChatResult, error)
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
	Evaluate(ctx context.Context, prompt string, opts *ChatOptions) (*EvaluateResult, error)
	HealthCheck(ctx context.Context) error
}

type llmService struct {
	client         *openai.Client
	provider       Provider
	defaultModel   string
	embedModel     string
	temperature    float32
	maxTokens      int
	maxRetries     int
	retryBaseDelay time.Duration
	chatTimeout    time.Duration
	embedTimeout   time.Duration
	embedDim       int
	log            *zap.Logger
}

// headerTransport injects the attribution headers OpenRouter requires on
// every request.
type headerTransport struct {
	base    http.RoundTripper
	referer string
	appName string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("HTTP-Referer", t.referer)
	req.Header.Set("X-Title", t.appName)
	return t.base.RoundTrip(req)
}

func NewLLMService(cfg config.LLMConfig, timeouts config.TimeoutConfig, log *zap.Logger) LLMService {
	provider := detectProvider(cfg)

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	} else if provider == ProviderOpenRouter {
		clientCfg.BaseURL = openRouterBaseURL
	}

	if provider == ProviderOpenRouter {
		clientCfg.HTTPClient = &http.Client{
			Transport: &headerTransport{
				base:    http.DefaultTransport,
				referer: cfg.Referer,
				appName: cfg.AppName,
			},
		}
	}

	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = providerDefaultModel(provider)
	}

	embedModel := cfg.EmbeddingModel
	if embedModel == "" {
		if provider == ProviderOpenRouter {
			embedModel = defaultOpenRouterEmbedModel
		} else {
			embedModel = defaultOpenAIEmbedModel
		}
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}

	embedDim := cfg.EmbeddingDim
	if embedDim <= 0 {
		embedDim = 128
	}

	log.Info("LLM client configured",
		zap.String("provider", string(provider)),
		zap.String("default_model", defaultModel),
		zap.String("embedding_model", embedModel),
	)

	return &llmService{
		client:         openai.NewClientWithConfig(clientCfg),
		provider:       provider,
		defaultModel:   defaultModel,
		embedModel:     embedModel,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		maxRetries:     maxRetries,
		retryBaseDelay: baseDelay,
		chatTimeout:    timeouts.Chat,
		embedTimeout:   timeouts.Embedding,
		embedDim:       embedDim,
		log:            log,
	}
}

// detectProvider classifies the backend from the explicit override, the
// base URL, or the API key prefix, in that order.
func detectProvider(cfg config.LLMConfig) Provider {
	switch strings.ToLower(cfg.ProviderOverride) {
	case string(ProviderOpenAI):
		return ProviderOpenAI
	case string(ProviderOpenRouter):
		return ProviderOpenRouter
	}
	if strings.Contains(strings.ToLower(cfg.BaseURL), "openrouter") {
		return ProviderOpenRouter
	}
	if strings.HasPrefix(cfg.APIKey, "sk-or-") {
		return ProviderOpenRouter
	}
	return ProviderOpenAI
}

func providerDefaultModel(p Provider) string {
	if p == ProviderOpenRouter {
		return defaultOpenRouterModel
	}
	return defaultOpenAIModel
}

// Provider implements LLMService.
func (s *llmService) Provider() Provider {
	return s.provider
}

// resolveModel substitutes the provider default when the caller passes no
// model or one that clearly belongs to the other provider. OpenRouter
// model names carry a vendor prefix ("openai/gpt-4o-mini"); OpenAI names
// do not.
func (s *llmService) resolveModel(requested string) string {
	if requested == "" {
		return s.defaultModel
	}

	routerStyle := strings.Contains(requested, "/")
	if s.provider == ProviderOpenRouter && !routerStyle {
		s.log.Warn("model name is not valid for openrouter, using provider default",
			zap.String("requested", requested),
			zap.String("default", s.defaultModel),
		)
		return s.defaultModel
	}
	if s.provider == ProviderOpenAI && routerStyle {
		s.log.Warn("model name is not valid for openai, using provider default",
			zap.String("requested", requested),
			zap.String("default", s.defaultModel),
		)
		return s.defaultModel
	}
	return requested
}

// Chat implements LLMService.
func (s *llmService) Chat(ctx context.Context, messages []ChatMessage, opts *ChatOptions) (*ChatResult, error) {
	if opts == nil {
		opts = &ChatOptions{}
	}

	temperature := s.temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = s.maxTokens
	}

	req := openai.ChatCompletionRequest{
		Model:       s.resolveModel(opts.Model),
		Temperature: temperature,
		Stream:      false,
	}

	// The two providers disagree on the token-limit field name.
	if s.provider == ProviderOpenAI {
		req.MaxCompletionTokens = maxTokens
	} else {
		req.MaxTokens = maxTokens
	}

	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	var resp openai.ChatCompletionResponse
	err := s.withRetry(ctx, "chat", func(callCtx context.Context) error {
		r, err := s.client.CreateChatCompletion(callCtx, req)
		if err != nil {
			return s.classifyError(err, "chat completion failed")
		}
		resp = r
		return nil
	}, s.chatTimeout)
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, apperrors.Engine(nil, "chat completion returned no choices")
	}

	return &ChatResult{
		Content:      resp.Choices[0].Message.Content,
		Model:        resp.Model,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: ChatUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// GenerateEmbedding implements LLMService.
func (s *llmService) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.GenerateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// GenerateEmbeddings implements LLMService. Strategy, in order: the
// dedicated embeddings endpoint, then a chat-prompted vector, then the
// deterministic hash embedding. The last step cannot fail, so this method
// returns an error only when given no texts.
func (s *llmService) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, apperrors.Validation("no texts to embed")
	}

	vectors, err := s.embedViaEndpoint(ctx, texts)
	if err == nil {
		return vectors, nil
	}
	s.log.Warn("embeddings endpoint failed, falling back to chat embedding", zap.Error(err))

	vectors = make([][]float32, len(texts))
	for i, text := range texts {
		vec, chatErr := s.embedViaChat(ctx, text)
		if chatErr != nil {
			s.log.Warn("chat embedding failed, using hash embedding", zap.Error(chatErr))
			vec = HashEmbedding(text, s.embedDim)
		}
		vectors[i] = vec
	}
	return vectors, nil
}

func (s *llmService) embedViaEndpoint(ctx context.Context, texts []string) ([][]float32, error) {
	// Truncate oversized inputs; the embedding models reject very long text.
	inputs := make([]string, len(texts))
	for i, t := range texts {
		if len(t) > 40000 {
			t = t[:40000]
		}
		inputs[i] = t
	}

	req := openai.EmbeddingRequest{
		Input:      inputs,
		Model:      openai.EmbeddingModel(s.embedModel),
		Dimensions: s.embedDim,
	}

	var resp openai.EmbeddingResponse
	err := s.withRetry(ctx, "embeddings", func(callCtx context.Context) error {
		r, err := s.client.CreateEmbeddings(callCtx, req)
		if err != nil {
			return s.classifyError(err, "embedding request failed")
		}
		resp = r
		return nil
	}, s.embedTimeout)
	if err != nil {
		return nil, err
	}

	if len(resp.Data) != len(texts) {
		return nil, apperrors.Engine(nil, "embedding response size mismatch: got %d, want %d", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for i, d := range resp.Data {
		vectors[i] = l2Normalize(fitDimension(d.Embedding, s.embedDim))
	}
	return vectors, nil
}

// embedViaChat asks the chat endpoint for a raw float list and parses it
// defensively.
func (s *llmService) embedViaChat(ctx context.Context, text string) ([]float32, error) {
	if len(text) > 4000 {
		text = text[:4000]
	}

	prompt := fmt.Sprintf(
		"Produce a semantic embedding of the following text as exactly %d comma-separated floating point numbers between -1 and 1. Respond with the numbers only, no prose.\n\nTEXT:\n%s",
		s.embedDim, text,
	)

	result, err := s.Chat(ctx, []ChatMessage{{Role: openai.ChatMessageRoleUser, Content: prompt}}, &ChatOptions{MaxTokens: s.embedDim * 8})
	if err != nil {
		return nil, err
	}

	values := parseFloatList(result.Content, s.embedDim)
	if len(values) == 0 {
		return nil, apperrors.Engine(nil, "chat embedding returned no parseable floats")
	}
	return l2Normalize(fitDimension(values, s.embedDim)), nil
}

// Evaluate implements LLMService. It runs the chat call and attempts a
// strict JSON parse, then balanced-brace extraction; on total failure the
// raw text is still returned with a nil Parsed payload.
func (s *llmService) Evaluate(ctx context.Context, prompt string, opts *ChatOptions) (*EvaluateResult, error) {
	result, err := s.Chat(ctx, []ChatMessage{{Role: openai.ChatMessageRoleUser, Content: prompt}}, opts)
	if err != nil {
		return nil, err
	}

	parsed, ok := ExtractJSONObject(result.Content)
	if !ok {
		s.log.Warn("no JSON object found in LLM response",
			zap.String("preview", previewOf(result.Content, 120)),
		)
		parsed = nil
	}

	return &EvaluateResult{
		Raw:    result.Content,
		Parsed: parsed,
		Model:  result.Model,
		Usage:  result.Usage,
	}, nil
}

// HealthCheck implements LLMService by listing models on the backend.
func (s *llmService) HealthCheck(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := s.client.ListModels(callCtx); err != nil {
		return s.classifyError(err, "model listing failed")
	}
	return nil
}

// withRetry wraps an outbound call with bounded exponential backoff.
// Quota and other non-transient errors abort immediately.
func (s *llmService) withRetry(ctx context.Context, op string, fn func(context.Context) error, timeout time.Duration) error {
	var lastErr error

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if attempt > 1 {
			delay := s.retryBaseDelay * time.Duration(1<<(attempt-2))
			select {
			case <-ctx.Done():
				return apperrors.Transient(ctx.Err(), "%s cancelled while waiting to retry", op)
			case <-time.After(delay):
			}
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		err := fn(callCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}

		lastErr = err
		if !apperrors.IsTransient(err) {
			return err
		}

		s.log.Warn("LLM call failed",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.maxRetries),
			zap.Error(err),
		)
	}

	return lastErr
}

var retryAfterPattern = regexp.MustCompile(`(?i)(?:retry[-\s]?after|try again in)[:\s]*(\d+)`)

// classifyError maps transport failures onto the error taxonomy. A 5xx or
// network error is transient; a rate limit without a quota signal is
// transient; an explicit quota signal is terminal.
func (s *llmService) classifyError(err error, msg string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		status := apiErr.HTTPStatusCode
		switch {
		case status == http.StatusPaymentRequired || isQuotaMessage(apiErr.Message):
			return apperrors.Quota(quotaUnavailableMessage, parseRetryAfter(apiErr.Message))
		case status == http.StatusTooManyRequests || status >= 500:
			return apperrors.Transient(err, msg)
		default:
			return apperrors.Engine(err, msg)
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500 {
			return apperrors.Transient(err, msg)
		}
		return apperrors.Engine(err, msg)
	}

	// Anything without an HTTP status is a network-level failure.
	return apperrors.Transient(err, msg)
}

func isQuotaMessage(message string) bool {
	m := strings.ToLower(message)
	for _, marker := range []string{"quota", "insufficient", "billing", "credits", "exceeded your"} {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}

func parseRetryAfter(message string) time.Duration {
	match := retryAfterPattern.FindStringSubmatch(message)
	if len(match) != 2 {
		return 0
	}
	seconds, err := strconv.Atoi(match[1])
	if err != nil {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// HashEmbedding derives a deterministic unit-norm vector from the
// character codes of the input. Identical text always yields an identical
// vector.
func HashEmbedding(text string, dim int) []float32 {
	if dim <= 0 {
		dim = 128
	}

	vec := make([]float32, dim)
	for i, r := range text {
		idx := (i + int(r)) % dim
		vec[idx] += float32((int(r)*31+i)%101) / 101.0
	}

	return l2Normalize(vec)
}

func l2Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		if len(vec) > 0 {
			vec[0] = 1
		}
		return vec
	}

	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}

// fitDimension truncates or zero-pads a vector to the configured
// dimension so every strategy produces collection-compatible vectors.
func fitDimension(vec []float32, dim int) []float32 {
	if len(vec) == dim {
		return vec
	}
	out := make([]float32, dim)
	copy(out, vec)
	return out
}

var floatToken = regexp.MustCompile(`-?\d+(?:\.\d+)?(?:[eE][+-]?\d+)?`)

// parseFloatList pulls up to dim floats out of arbitrary model output.
func parseFloatList(text string, dim int) []float32 {
	tokens := floatToken.FindAllString(text, dim)
	values := make([]float32, 0, len(tokens))
	for _, tok := range tokens {
		v, err := strconv.ParseFloat(tok, 32)
		if err != nil {
			continue
		}
		values = append(values, float32(v))
	}
	return values
}

// ExtractJSONObject recovers a JSON object from text that may wrap it in
// markdown fences or prose. Strict parse first, then the longest balanced
// brace block.
func ExtractJSONObject(text string) (json.RawMessage, bool) {
	cleaned := strings.ReplaceAll(text, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	cleaned = strings.TrimSpace(cleaned)

	if strings.HasPrefix(cleaned, "{") && json.Valid([]byte(cleaned)) {
		return json.RawMessage(cleaned), true
	}

	var best string
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i, r := range cleaned {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				if depth == 0 {
					start = i
				}
				depth++
			}
		case '}':
			if !inString && depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					candidate := cleaned[start : i+1]
					if len(candidate) > len(best) && json.Valid([]byte(candidate)) {
						best = candidate
					}
				}
			}
		}
	}

	if best == "" {
		return nil, false
	}
	return json.RawMessage(best), true
}

func previewOf(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
