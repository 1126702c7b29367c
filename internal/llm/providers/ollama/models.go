// internal/llm/providers/ollama/models.go
package ollama

import "energy-assistant/internal/models"

type tagsResponse struct {
	Models []tagEntry `json:"models"`
}

type tagEntry struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`
}

type chatRequest struct {
	Model    string           `json:"model"`
	Messages []models.Message `json:"messages"`
	Stream   bool             `json:"stream"`
	Options  *runtimeOptions  `json:"options,omitempty"`
}

type runtimeOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
}

type chatResponse struct {
	Model           string         `json:"model"`
	Message         models.Message `json:"message"`
	PromptEvalCount int            `json:"prompt_eval_count"`
	EvalCount       int            `json:"eval_count"`
}
