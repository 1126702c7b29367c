// internal/pipeline/synthesize/synthesizer.go
package synthesize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"energy-assistant/internal/common/logger"
	"energy-assistant/internal/llm"
	"energy-assistant/internal/models"
)

const (
	synthesisTemperature = 0.3
	synthesisMaxTokens   = 200
)

// Synthesizer turns aggregation results into a short natural-language
// answer via a second chat call.
type Synthesizer struct {
	logger logger.Logger
}

func NewSynthesizer(log logger.Logger) *Synthesizer {
	return &Synthesizer{
		logger: log.WithFields(map[string]interface{}{"stage": "synthesize"}),
	}
}

// Synthesize answers the user's question from the aggregation result. Errors
// propagate to the orchestrator, which owns the degraded-response policy.
func (s *Synthesizer) Synthesize(ctx context.Context, provider llm.Provider, model string, userMessage string, result *models.QueryResult) (string, error) {
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode aggregation result: %v", err)
	}

	temperature := synthesisTemperature
	maxTokens := synthesisMaxTokens
	chatResult, err := provider.Chat(ctx, []models.Message{
		{Role: models.RoleSystem, Content: buildPrompt(payload)},
		{Role: models.RoleUser, Content: userMessage},
	}, llm.ChatOptions{
		Model:       model,
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(chatResult.Content), nil
}

func buildPrompt(payload []byte) string {
	parts := []string{
		"You are a home energy assistant answering a question about the user's device telemetry.",
		"Answer in at most two sentences, using only the facts in the data below.",
		"State the relevant numbers with their units. Do not offer recommendations or advice unless the user asked for them.",
		"",
		"Aggregated telemetry data:",
		string(payload),
	}
	return strings.Join(parts, "\n")
}
