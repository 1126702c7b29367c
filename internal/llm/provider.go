// internal/llm/provider.go
package llm

import (
	"context"
	"time"

	"energy-assistant/internal/models"
)

// Provider status values as reported on the catalog endpoint.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// ChatOptions carries per-call tuning. Nil pointer fields mean "backend
// default".
type ChatOptions struct {
	Model       string
	Temperature *float64
	MaxTokens   *int
}

// TokenUsage reports prompt and completion token counts when the backend
// exposes them.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// ChatResult is a completed chat turn from a backend.
type ChatResult struct {
	Content  string      `json:"content"`
	Model    string      `json:"model"`
	Provider string      `json:"provider"`
	Tokens   *TokenUsage `json:"tokens,omitempty"`
}

// ModelInfo describes one servable model for catalog listings.
type ModelInfo struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"displayName"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
	Size         string   `json:"size,omitempty"`
}

// ProviderStatus is one provider's health snapshot.
type ProviderStatus struct {
	Name        string      `json:"name"`
	Status      string      `json:"status"`
	Models      []ModelInfo `json:"models"`
	LastChecked time.Time   `json:"lastChecked"`
	Error       string      `json:"error,omitempty"`
}

// Provider is the uniform surface over every language model backend. Chat
// errors must be sanitized, backend payloads and status codes stay in logs.
type Provider interface {
	Name() string
	IsHealthy(ctx context.Context) bool
	AvailableModels(ctx context.Context) ([]ModelInfo, error)
	Status(ctx context.Context) ProviderStatus
	Chat(ctx context.Context, messages []models.Message, opts ChatOptions) (*ChatResult, error)
	HasModel(ctx context.Context, modelID string) bool
}
