// pkg/catalog/catalog.go
package catalog

import (
	"encoding/json"
	"os"
	"strings"
)

func LoadCatalog(path string) (*ModelCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cat ModelCatalog
	err = json.Unmarshal(data, &cat)
	return &cat, err
}

// Defaults returns the built-in profile table, used when no catalog file is
// configured or the configured one cannot be read.
func Defaults() *ModelCatalog {
	return &ModelCatalog{
		Version: "1.0.0",
		Profiles: []ModelProfile{
			{
				Prefix:       "llama3",
				DisplayName:  "Llama 3",
				Description:  "Meta's Llama 3 family, strong general-purpose chat",
				Capabilities: []string{"chat", "summarization", "reasoning"},
			},
			{
				Prefix:       "llama2",
				DisplayName:  "Llama 2",
				Description:  "Meta's Llama 2 family",
				Capabilities: []string{"chat", "summarization"},
			},
			{
				Prefix:       "mistral",
				DisplayName:  "Mistral",
				Description:  "Mistral 7B, fast general-purpose chat",
				Capabilities: []string{"chat", "summarization"},
			},
			{
				Prefix:       "mixtral",
				DisplayName:  "Mixtral",
				Description:  "Mistral's mixture-of-experts model",
				Capabilities: []string{"chat", "reasoning"},
			},
			{
				Prefix:       "gemma",
				DisplayName:  "Gemma",
				Description:  "Google's lightweight open model family",
				Capabilities: []string{"chat"},
			},
			{
				Prefix:       "phi3",
				DisplayName:  "Phi-3",
				Description:  "Microsoft's small language model",
				Capabilities: []string{"chat", "reasoning"},
			},
			{
				Prefix:       "qwen",
				DisplayName:  "Qwen",
				Description:  "Alibaba's multilingual model family",
				Capabilities: []string{"chat", "multilingual"},
			},
			{
				Prefix:       "codellama",
				DisplayName:  "Code Llama",
				Description:  "Llama tuned for code generation",
				Capabilities: []string{"chat", "code"},
			},
			{
				Prefix:       "deepseek-r1",
				DisplayName:  "DeepSeek R1",
				Description:  "DeepSeek's reasoning model",
				Capabilities: []string{"chat", "reasoning"},
			},
			{
				Prefix:       "tinyllama",
				DisplayName:  "TinyLlama",
				Description:  "Compact 1.1B model for constrained hosts",
				Capabilities: []string{"chat"},
			},
		},
	}
}

// BaseName strips the version suffix, "llama3:8b-instruct" -> "llama3".
func BaseName(modelID string) string {
	if idx := strings.Index(modelID, ":"); idx >= 0 {
		return modelID[:idx]
	}
	return modelID
}

// ProfileFor resolves a model id to its profile. The base name is matched
// against profile prefixes, longest prefix wins.
func (c *ModelCatalog) ProfileFor(modelID string) (ModelProfile, bool) {
	base := strings.ToLower(BaseName(modelID))

	var best ModelProfile
	bestLen := 0
	for _, p := range c.Profiles {
		prefix := strings.ToLower(p.Prefix)
		if strings.HasPrefix(base, prefix) && len(prefix) > bestLen {
			best = p
			bestLen = len(prefix)
		}
	}
	return best, bestLen > 0
}

// FallbackDisplayName title-cases an unmapped model id,
// "mistral-nemo:12b" -> "Mistral Nemo".
func FallbackDisplayName(modelID string) string {
	base := BaseName(modelID)
	base = strings.NewReplacer("-", " ", "_", " ").Replace(base)

	words := strings.Fields(base)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
