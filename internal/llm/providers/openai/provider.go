// internal/llm/providers/openai/provider.go
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	commonhttp "energy-assistant/internal/common/http"
	"energy-assistant/internal/common/logger"
	"energy-assistant/internal/common/metrics"
	"energy-assistant/internal/llm"
	"energy-assistant/internal/models"
)

const PluginName = "openai"

var (
	ErrChatRequestFailed = errors.New("PROVIDER_REQUEST_FAILED")
	ErrProviderTimeout   = errors.New("PROVIDER_TIMEOUT")
)

// curatedModels is the static shortlist exposed for this hosted backend. The
// full upstream model listing is noisy for end users, so the catalog stays
// hand-picked.
var curatedModels = []llm.ModelInfo{
	{
		ID:           "gpt-4o",
		DisplayName:  "GPT-4o",
		Description:  "OpenAI's flagship multimodal model",
		Capabilities: []string{"chat", "reasoning", "summarization"},
	},
	{
		ID:           "gpt-4o-mini",
		DisplayName:  "GPT-4o mini",
		Description:  "Small fast variant of GPT-4o",
		Capabilities: []string{"chat", "summarization"},
	},
	{
		ID:           "gpt-4-turbo",
		DisplayName:  "GPT-4 Turbo",
		Description:  "Previous generation GPT-4 with large context",
		Capabilities: []string{"chat", "reasoning"},
	},
	{
		ID:           "gpt-3.5-turbo",
		DisplayName:  "GPT-3.5 Turbo",
		Description:  "Low-cost general-purpose chat model",
		Capabilities: []string{"chat"},
	},
}

type Provider struct {
	name   string
	config *Config
	client *commonhttp.Client
	logger logger.Logger
}

// Plugin describes this adapter for the provider registry.
func Plugin() llm.Plugin {
	return llm.Plugin{
		Name: PluginName,
		ConfigSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"api_key":       map[string]interface{}{"type": "string", "minLength": 1},
				"base_url":      map[string]interface{}{"type": "string"},
				"default_model": map[string]interface{}{"type": "string"},
				"timeout":       map[string]interface{}{"type": "number", "minimum": 0},
				"max_retries":   map[string]interface{}{"type": "number", "minimum": 0},
			},
			"required": []string{"api_key"},
		},
		Factory: func(providerName string, settings map[string]interface{}, log logger.Logger) (llm.Provider, error) {
			return New(providerName, settings, log)
		},
	}
}

func New(name string, settings map[string]interface{}, log logger.Logger) (*Provider, error) {
	cfg := configFromSettings(settings)
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required")
	}

	return &Provider{
		name:   name,
		config: cfg,
		client: commonhttp.NewClient(cfg.Timeout),
		logger: log.WithFields(map[string]interface{}{"provider": name}),
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) IsHealthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.BaseURL+"/models", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("health check failed", map[string]interface{}{
			"error": err.Error(),
		})
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// AvailableModels returns the curated shortlist; no backend round trip.
func (p *Provider) AvailableModels(ctx context.Context) ([]llm.ModelInfo, error) {
	result := make([]llm.ModelInfo, len(curatedModels))
	copy(result, curatedModels)
	return result, nil
}

func (p *Provider) HasModel(ctx context.Context, modelID string) bool {
	for _, m := range curatedModels {
		if m.ID == modelID {
			return true
		}
	}
	return false
}

func (p *Provider) Status(ctx context.Context) llm.ProviderStatus {
	status := llm.ProviderStatus{
		Name:        p.name,
		Status:      llm.StatusUnhealthy,
		LastChecked: time.Now().UTC(),
	}

	if !p.IsHealthy(ctx) {
		status.Error = "provider is not reachable"
		return status
	}

	modelList, err := p.AvailableModels(ctx)
	if err != nil {
		status.Error = "model listing failed"
		return status
	}

	status.Status = llm.StatusHealthy
	status.Models = modelList
	return status
}

func (p *Provider) Chat(ctx context.Context, messages []models.Message, opts llm.ChatOptions) (*llm.ChatResult, error) {
	model := opts.Model
	if model == "" {
		model = p.config.DefaultModel
	}

	payload := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}

	var resp *http.Response
	var lastErr error

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(100*(1<<(attempt-1))) * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				metrics.ProviderRequests.WithLabelValues(p.name, model, "timeout").Inc()
				return nil, ErrProviderTimeout
			}
		}

		req, err := commonhttp.NewJSONRequest(ctx, http.MethodPost, p.config.BaseURL+"/chat/completions", payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrChatRequestFailed, err)
		}
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

		resp, lastErr = p.client.Do(req)

		if ctx.Err() != nil ||
			errors.Is(lastErr, context.DeadlineExceeded) ||
			errors.Is(lastErr, context.Canceled) {
			metrics.ProviderRequests.WithLabelValues(p.name, model, "timeout").Inc()
			return nil, ErrProviderTimeout
		}

		if lastErr == nil {
			if resp.StatusCode == http.StatusOK {
				break
			}

			p.logger.Warn("chat completion returned non-OK status", map[string]interface{}{
				"status":  resp.StatusCode,
				"model":   model,
				"attempt": attempt,
			})
			resp.Body.Close()
			lastErr = fmt.Errorf("status %d", resp.StatusCode)

			// Retry only throttling and server-side failures.
			if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
				resp = nil
				break
			}
			resp = nil
		}
	}

	if lastErr != nil || resp == nil {
		p.logger.Error("chat completion failed", map[string]interface{}{
			"model": model,
			"error": fmt.Sprintf("%v", lastErr),
		})
		metrics.ProviderRequests.WithLabelValues(p.name, model, "error").Inc()
		return nil, fmt.Errorf("%w: chat completion failed", ErrChatRequestFailed)
	}
	defer resp.Body.Close()

	var apiResponse chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResponse); err != nil {
		metrics.ProviderRequests.WithLabelValues(p.name, model, "error").Inc()
		return nil, fmt.Errorf("%w: malformed backend response", ErrChatRequestFailed)
	}

	if len(apiResponse.Choices) == 0 {
		metrics.ProviderRequests.WithLabelValues(p.name, model, "error").Inc()
		return nil, fmt.Errorf("%w: backend returned no choices", ErrChatRequestFailed)
	}

	result := &llm.ChatResult{
		Content:  apiResponse.Choices[0].Message.Content,
		Model:    apiResponse.Model,
		Provider: p.name,
	}
	if result.Model == "" {
		result.Model = model
	}
	if apiResponse.Usage.PromptTokens > 0 || apiResponse.Usage.CompletionTokens > 0 {
		result.Tokens = &llm.TokenUsage{
			Input:  apiResponse.Usage.PromptTokens,
			Output: apiResponse.Usage.CompletionTokens,
		}
	}

	metrics.ProviderRequests.WithLabelValues(p.name, model, "success").Inc()
	return result, nil
}
