// internal/pipeline/intent/extractor.go
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"energy-assistant/internal/common/logger"
	"energy-assistant/internal/common/metrics"
	"energy-assistant/internal/llm"
	"energy-assistant/internal/models"
)

const (
	// Low temperature keeps the JSON output stable across runs.
	extractionTemperature = 0.1
	extractionMaxTokens   = 500

	rawOutputLogLimit = 200
)

const systemInstruction = `You are the intent extraction engine of a home energy assistant.
Decide whether the user's message asks about their device energy telemetry or is general conversation.

Canonical metrics: power_consumption, voltage, current.
Device categories: air_conditioner, refrigerator, water_heater, space_heater, washing_machine, clothes_dryer, dishwasher, ceiling_fan, lights, television, microwave, oven, computer, ev_charger.

Aggregation rules:
- For a range of exactly one day, default to "daily".
- Use "hourly" only when the user explicitly asks for an hourly breakdown.
- Use "weekly" or "monthly" only when the user explicitly asks for them.
- Otherwise omit the aggregation field.

Resolve relative dates like "last week" or "yesterday" against the current date you are given, and emit ISO-8601 timestamps.`

const outputInstruction = `Respond with exactly one JSON object and nothing else. It must contain the boolean field "needsTelemetry". When it is true, also include "device" (string), "metrics" (array of canonical metric names), and "timeRange" with ISO-8601 "start" and "end". Include "aggregation" only when the aggregation rules call for one.`

// Extractor turns a conversational message into a QueryIntent via one chat
// call. Parse problems never produce an error: the turn degrades to plain
// conversation.
type Extractor struct {
	logger logger.Logger

	// Clock overrides the date anchor injected into the prompt. Nil means
	// time.Now.
	Clock func() time.Time
}

func NewExtractor(log logger.Logger) *Extractor {
	return &Extractor{
		logger: log.WithFields(map[string]interface{}{"stage": "extract-intent"}),
	}
}

func (e *Extractor) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now().UTC()
}

// Extract runs the extraction call. The returned error is only ever a
// provider failure; malformed model output coerces to needsTelemetry=false.
func (e *Extractor) Extract(ctx context.Context, provider llm.Provider, model string, userMessage string, history []models.ConversationTurn) (*models.QueryIntent, error) {
	messages := e.buildMessages(userMessage, history)

	temperature := extractionTemperature
	maxTokens := extractionMaxTokens
	result, err := provider.Chat(ctx, messages, llm.ChatOptions{
		Model:       model,
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return nil, err
	}

	return e.parseIntent(result.Content), nil
}

func (e *Extractor) buildMessages(userMessage string, history []models.ConversationTurn) []models.Message {
	messages := make([]models.Message, 0, len(history)+4)

	messages = append(messages, models.Message{
		Role:    models.RoleSystem,
		Content: systemInstruction,
	})
	messages = append(messages, models.Message{
		Role:    models.RoleSystem,
		Content: fmt.Sprintf("Current date: %s", e.now().Format("2006-01-02 (Monday)")),
	})

	for _, turn := range history {
		messages = append(messages, turn.ToMessage())
	}

	messages = append(messages, models.Message{
		Role:    models.RoleUser,
		Content: userMessage,
	})
	messages = append(messages, models.Message{
		Role:    models.RoleSystem,
		Content: outputInstruction,
	})

	return messages
}

// parseIntent decodes the model output. Malformed JSON or a missing
// needsTelemetry field both coerce to the no-telemetry intent.
func (e *Extractor) parseIntent(raw string) *models.QueryIntent {
	cleaned := scrubFences(raw)

	var payload struct {
		NeedsTelemetry *bool                   `json:"needsTelemetry"`
		Device         string                  `json:"device"`
		Metrics        []string                `json:"metrics"`
		TimeRange      *models.IntentTimeRange `json:"timeRange"`
		Aggregation    string                  `json:"aggregation"`
	}

	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil || payload.NeedsTelemetry == nil {
		metrics.PipelineStagesFailed.WithLabelValues("extract_intent", "INTENT_PARSING_FAILED").Inc()
		e.logger.Warn("intent output unparseable, treating turn as plain conversation", map[string]interface{}{
			"rawOutput": truncate(raw, rawOutputLogLimit),
		})
		return &models.QueryIntent{NeedsTelemetry: false}
	}

	return &models.QueryIntent{
		NeedsTelemetry: *payload.NeedsTelemetry,
		Device:         payload.Device,
		Metrics:        payload.Metrics,
		TimeRange:      payload.TimeRange,
		Aggregation:    payload.Aggregation,
	}
}

// scrubFences strips a surrounding markdown code fence, with or without a
// language tag.
func scrubFences(raw string) string {
	out := strings.TrimSpace(raw)
	if !strings.HasPrefix(out, "```") {
		return out
	}

	if idx := strings.Index(out, "\n"); idx >= 0 {
		out = out[idx+1:]
	} else {
		out = strings.TrimPrefix(out, "```")
	}
	out = strings.TrimSuffix(strings.TrimSpace(out), "```")
	return strings.TrimSpace(out)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
