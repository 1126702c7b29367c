// internal/llm/providers/ollama/provider.go
package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	commonhttp "energy-assistant/internal/common/http"
	"energy-assistant/internal/common/logger"
	"energy-assistant/internal/common/metrics"
	"energy-assistant/internal/llm"
	"energy-assistant/internal/models"
	"energy-assistant/pkg/catalog"
)

const PluginName = "ollama"

var (
	ErrModelNotFound     = errors.New("MODEL_NOT_FOUND")
	ErrChatRequestFailed = errors.New("PROVIDER_REQUEST_FAILED")
	ErrProviderTimeout   = errors.New("PROVIDER_TIMEOUT")
)

type Provider struct {
	name    string
	config  *Config
	client  *commonhttp.Client
	catalog *catalog.ModelCatalog
	logger  logger.Logger
}

// Plugin describes this adapter for the provider registry.
func Plugin() llm.Plugin {
	return llm.Plugin{
		Name: PluginName,
		ConfigSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"base_url":      map[string]interface{}{"type": "string"},
				"default_model": map[string]interface{}{"type": "string"},
				"timeout":       map[string]interface{}{"type": "number", "minimum": 0},
				"max_retries":   map[string]interface{}{"type": "number", "minimum": 0},
				"catalog_path":  map[string]interface{}{"type": "string"},
			},
		},
		Factory: func(providerName string, settings map[string]interface{}, log logger.Logger) (llm.Provider, error) {
			return New(providerName, settings, log)
		},
	}
}

func New(name string, settings map[string]interface{}, log logger.Logger) (*Provider, error) {
	cfg := configFromSettings(settings)
	scoped := log.WithFields(map[string]interface{}{"provider": name})

	profiles := catalog.Defaults()
	if cfg.CatalogPath != "" {
		loaded, err := catalog.LoadCatalog(cfg.CatalogPath)
		if err != nil {
			scoped.Warn("model catalog file unreadable, using built-in profiles", map[string]interface{}{
				"path":  cfg.CatalogPath,
				"error": err.Error(),
			})
		} else {
			profiles = loaded
		}
	}

	return &Provider{
		name:    name,
		config:  cfg,
		client:  commonhttp.NewClient(cfg.Timeout),
		catalog: profiles,
		logger:  scoped,
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) IsHealthy(ctx context.Context) bool {
	if _, err := p.listTags(ctx); err != nil {
		p.logger.Warn("health check failed", map[string]interface{}{
			"error": err.Error(),
		})
		return false
	}
	return true
}

// AvailableModels discovers what the local runtime is actually serving and
// decorates each entry from the profile catalog.
func (p *Provider) AvailableModels(ctx context.Context) ([]llm.ModelInfo, error) {
	tags, err := p.listTags(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChatRequestFailed, err)
	}

	result := make([]llm.ModelInfo, 0, len(tags.Models))
	for _, entry := range tags.Models {
		info := llm.ModelInfo{
			ID:   entry.Name,
			Size: humanSize(entry.Size),
		}

		if profile, ok := p.catalog.ProfileFor(entry.Name); ok {
			info.DisplayName = profile.DisplayName
			info.Description = profile.Description
			info.Capabilities = profile.Capabilities
		} else {
			info.DisplayName = catalog.FallbackDisplayName(entry.Name)
			info.Description = "Locally served model"
			info.Capabilities = []string{"chat"}
		}

		result = append(result, info)
	}

	return result, nil
}

func (p *Provider) HasModel(ctx context.Context, modelID string) bool {
	tags, err := p.listTags(ctx)
	if err != nil {
		return false
	}

	for _, entry := range tags.Models {
		if entry.Name == modelID || catalog.BaseName(entry.Name) == modelID {
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

	modelList, err := p.AvailableModels(ctx)
	if err != nil {
		status.Error = "provider is not reachable"
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
		Model:    model,
		Messages: messages,
		Stream:   false,
	}
	if opts.Temperature != nil || opts.MaxTokens != nil {
		payload.Options = &runtimeOptions{
			Temperature: opts.Temperature,
			NumPredict:  opts.MaxTokens,
		}
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

		req, err := commonhttp.NewJSONRequest(ctx, http.MethodPost, p.config.BaseURL+"/api/chat", payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrChatRequestFailed, err)
		}

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

			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			resp.Body.Close()
			p.logger.Warn("chat request returned non-OK status", map[string]interface{}{
				"status":  resp.StatusCode,
				"model":   model,
				"attempt": attempt,
				"detail":  string(detail),
			})

			if resp.StatusCode == http.StatusNotFound {
				metrics.ProviderRequests.WithLabelValues(p.name, model, "model_not_found").Inc()
				return nil, fmt.Errorf("%w: model %q is not available", ErrModelNotFound, model)
			}

			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			resp = nil
		}
	}

	if lastErr != nil || resp == nil {
		p.logger.Error("chat request failed", map[string]interface{}{
			"model": model,
			"error": fmt.Sprintf("%v", lastErr),
		})
		metrics.ProviderRequests.WithLabelValues(p.name, model, "error").Inc()
		return nil, fmt.Errorf("%w: chat request failed", ErrChatRequestFailed)
	}
	defer resp.Body.Close()

	var apiResponse chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResponse); err != nil {
		metrics.ProviderRequests.WithLabelValues(p.name, model, "error").Inc()
		return nil, fmt.Errorf("%w: malformed backend response", ErrChatRequestFailed)
	}

	result := &llm.ChatResult{
		Content:  apiResponse.Message.Content,
		Model:    apiResponse.Model,
		Provider: p.name,
	}
	if result.Model == "" {
		result.Model = model
	}
	if apiResponse.PromptEvalCount > 0 || apiResponse.EvalCount > 0 {
		result.Tokens = &llm.TokenUsage{
			Input:  apiResponse.PromptEvalCount,
			Output: apiResponse.EvalCount,
		}
	}

	metrics.ProviderRequests.WithLabelValues(p.name, model, "success").Inc()
	return result, nil
}

func (p *Provider) listTags(ctx context.Context) (*tagsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, err
	}
	return &tags, nil
}

// humanSize renders a byte count in base-1024 units, "4.7 GB".
func humanSize(bytes int64) string {
	if bytes < 1024 {
		return fmt.Sprintf("%d B", bytes)
	}

	units := []string{"KB", "MB", "GB", "TB"}
	value := float64(bytes)
	unit := ""
	for _, u := range units {
		value /= 1024
		unit = u
		if value < 1024 {
			break
		}
	}
	return fmt.Sprintf("%.1f %s", value, unit)
}
