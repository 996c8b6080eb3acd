package impl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tomehub/tomehub/config"
	"github.com/tomehub/tomehub/services"
)

const (
	ProviderGemini = "gemini"
	ProviderQwen   = "qwen"

	ModelTierLite  = "lite"
	ModelTierFlash = "flash"
	ModelTierPro   = "pro"

	RouteModeDefault           = "default"
	RouteModeExplorerQwenPilot = "explorer_qwen_pilot"

	qwenWindowSeconds = 60.0
)

// rpmWindow is a sliding 60-second request counter guarded by a mutex. It is
// the only synchronous point in the LLM orchestration path.
type rpmWindow struct {
	mu         sync.Mutex
	timestamps []time.Time
}

// Consume takes a slot when the window has room for it.
func (w *rpmWindow) Consume(cap int) bool {
	if cap <= 0 {
		return false
	}
	now := time.Now()
	cutoff := now.Add(-time.Duration(qwenWindowSeconds * float64(time.Second)))
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.timestamps[:0]
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.timestamps = kept
	if len(w.timestamps) >= cap {
		return false
	}
	w.timestamps = append(w.timestamps, now)
	return true
}

// openAIStyleProvider talks to an OpenAI-compatible chat-completions endpoint.
// Both the Qwen pilot endpoint and the Gemini proxy speak this shape.
type openAIStyleProvider struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func newOpenAIStyleProvider(name, baseURL, apiKey string, timeoutSeconds int) *openAIStyleProvider {
	return &openAIStyleProvider{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: time.Duration(timeoutSeconds) * time.Second,
		},
	}
}

func (p *openAIStyleProvider) Name() string { return p.name }

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *openAIStyleProvider) GenerateText(ctx context.Context, model, prompt string, opts services.GenerateOptions) (*services.GenerateResult, error) {
	request := chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxOutputTokens,
	}
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal LLM request: %w", err)
	}

	callCtx := ctx
	if opts.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutSeconds*float64(time.Second)))
		defer cancel()
	}

	url := fmt.Sprintf("%s/v1/chat/completions", p.baseURL)
	req, err := http.NewRequestWithContext(callCtx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("LLM request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("LLM provider %s returned status %d: %s", p.name, resp.StatusCode, string(body))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode LLM response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.New("no choices in LLM response")
	}

	modelUsed := parsed.Model
	if modelUsed == "" {
		modelUsed = model
	}
	return &services.GenerateResult{
		Text:             parsed.Choices[0].Message.Content,
		ModelUsed:        modelUsed,
		ProviderName:     p.name,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}, nil
}

// IsRetryableLLMError classifies errors that justify the secondary provider.
func IsRetryableLLMError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	retryMarkers := []string{
		"429",
		"resource_exhausted",
		"rate limit",
		"timeout",
		"timed out",
		"deadline",
		"503",
		"502",
		"500",
		"internal error",
		"service unavailable",
		"temporarily unavailable",
	}
	for _, marker := range retryMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// FallbackState tracks per-request fallback budgets.
type FallbackState struct {
	SecondaryFallbackUsed int
	ProFallbackUsed       int
}

// GenerateParams carries routing hints for one generation.
type GenerateParams struct {
	Model                  string
	Prompt                 string
	Task                   string
	ModelTier              string
	MaxOutputTokens        int
	TimeoutSeconds         float64
	ProviderHint           string
	RouteMode              string
	AllowSecondaryFallback bool
	AllowProFallback       bool
	FallbackState          *FallbackState
}

// LLMClient routes generations between the Qwen explorer pilot and the Gemini
// default, applying the RPM window and the fallback ladder.
type LLMClient struct {
	cfg    *config.LLMConfig
	gemini services.LLMProvider
	qwen   services.LLMProvider
	window rpmWindow
}

func NewLLMClient(cfg *config.LLMConfig) *LLMClient {
	return &LLMClient{
		cfg:    cfg,
		gemini: newOpenAIStyleProvider(ProviderGemini, cfg.GeminiBaseURL, cfg.GeminiAPIKey, cfg.TimeoutSeconds),
		qwen:   newOpenAIStyleProvider(ProviderQwen, cfg.QwenBaseURL, cfg.QwenAPIKey, cfg.TimeoutSeconds),
	}
}

// Provider returns the provider for a hint; unknown hints resolve to Gemini.
func (c *LLMClient) Provider(hint string) services.LLMProvider {
	switch strings.ToLower(strings.TrimSpace(hint)) {
	case ProviderQwen, "nvidia":
		return c.qwen
	default:
		return c.gemini
	}
}

// ModelForTier resolves a configured model name for a tier.
func (c *LLMClient) ModelForTier(tier string) string {
	switch tier {
	case ModelTierLite:
		return c.cfg.ModelLite
	case ModelTierPro:
		return c.cfg.ModelPro
	default:
		return c.cfg.ModelFlash
	}
}

// LiteProvider exposes the default provider for lite-tier side calls
// (rewriting, expansion, concept extraction).
func (c *LLMClient) LiteProvider() services.LLMProvider { return c.gemini }

func (c *LLMClient) canUseSecondaryFallback(state *FallbackState) bool {
	if state == nil {
		return c.cfg.ExplorerSecondaryMaxPerRequest > 0
	}
	return state.SecondaryFallbackUsed < c.cfg.ExplorerSecondaryMaxPerRequest
}

func (c *LLMClient) canUseProFallback(state *FallbackState) bool {
	if !c.cfg.ProFallbackEnabled {
		return false
	}
	if state == nil {
		return c.cfg.ProFallbackMaxPerRequest > 0
	}
	return state.ProFallbackUsed < c.cfg.ProFallbackMaxPerRequest
}

func (c *LLMClient) secondaryGenerate(ctx context.Context, params GenerateParams, fromProvider, reason string) (*services.GenerateResult, error) {
	secondaryHint := c.cfg.ExplorerFallbackProvider
	provider := c.Provider(secondaryHint)
	model := c.ModelForTier(params.ModelTier)
	if provider.Name() != ProviderGemini {
		model = c.cfg.ExplorerPrimaryModel
	}
	result, err := provider.GenerateText(ctx, model, params.Prompt, services.GenerateOptions{
		MaxOutputTokens: params.MaxOutputTokens,
		TimeoutSeconds:  params.TimeoutSeconds,
	})
	if err != nil {
		return nil, err
	}
	result.ModelTier = params.ModelTier
	result.FallbackApplied = true
	result.SecondaryFallbackApplied = true
	result.FallbackReason = reason
	if params.FallbackState != nil {
		params.FallbackState.SecondaryFallbackUsed++
	}
	log.Printf("LLM secondary fallback applied: %s -> %s (%s)", fromProvider, result.ProviderName, reason)
	return result, nil
}

// Generate runs one generation through the routing and fallback ladder.
func (c *LLMClient) Generate(ctx context.Context, params GenerateParams) (*services.GenerateResult, error) {
	primaryHint := params.ProviderHint
	if params.RouteMode == RouteModeExplorerQwenPilot && c.cfg.ExplorerQwenPilotEnabled {
		primaryHint = c.cfg.ExplorerPrimaryProvider
	}
	provider := c.Provider(primaryHint)
	providerName := provider.Name()

	// Qwen consumes an RPM slot before the call; starvation falls back.
	if params.RouteMode == RouteModeExplorerQwenPilot &&
		providerName == ProviderQwen &&
		c.cfg.ExplorerQwenPilotEnabled {
		if !c.window.Consume(c.cfg.ExplorerRPMCap) {
			if params.AllowSecondaryFallback && c.canUseSecondaryFallback(params.FallbackState) {
				return c.secondaryGenerate(ctx, params, ProviderQwen, "qwen_rpm_cap")
			}
			return nil, errors.New("qwen RPM cap reached and secondary fallback is disabled")
		}
	}

	result, err := provider.GenerateText(ctx, params.Model, params.Prompt, services.GenerateOptions{
		MaxOutputTokens: params.MaxOutputTokens,
		TimeoutSeconds:  params.TimeoutSeconds,
	})
	if err == nil {
		result.ModelTier = params.ModelTier
		return result, nil
	}

	// Gemini flash escalates to pro once per request, behind its flag.
	if providerName == ProviderGemini &&
		params.AllowProFallback &&
		params.ModelTier == ModelTierFlash &&
		IsRetryableLLMError(err) &&
		c.canUseProFallback(params.FallbackState) {
		log.Printf("Flash model failed with retryable error; using Pro fallback: %v", err)
		if params.FallbackState != nil {
			params.FallbackState.ProFallbackUsed++
		}
		proResult, proErr := provider.GenerateText(ctx, c.ModelForTier(ModelTierPro), params.Prompt, services.GenerateOptions{
			MaxOutputTokens: params.MaxOutputTokens,
			TimeoutSeconds:  params.TimeoutSeconds,
		})
		if proErr == nil {
			proResult.ModelTier = ModelTierPro
			proResult.FallbackApplied = true
			proResult.FallbackReason = "gemini_pro_fallback"
			return proResult, nil
		}
		err = proErr
	}

	// Qwen primary failures route to the secondary provider once.
	if params.RouteMode == RouteModeExplorerQwenPilot &&
		providerName == ProviderQwen &&
		params.AllowSecondaryFallback &&
		IsRetryableLLMError(err) &&
		c.canUseSecondaryFallback(params.FallbackState) {
		log.Printf("Qwen primary failed with retryable error; using secondary fallback: %v", err)
		return c.secondaryGenerate(ctx, params, ProviderQwen, "qwen_retryable_error")
	}

	return nil, err
}
