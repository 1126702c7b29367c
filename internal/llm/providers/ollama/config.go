// internal/llm/providers/ollama/config.go
package ollama

import (
	"strings"
	"time"
)

type Config struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
	MaxRetries   int
	CatalogPath  string
}

func configFromSettings(settings map[string]interface{}) *Config {
	cfg := &Config{
		BaseURL:      "http://localhost:11434",
		DefaultModel: "llama3",
		Timeout:      120 * time.Second,
		MaxRetries:   2,
	}

	if v, ok := settings["base_url"].(string); ok && v != "" {
		cfg.BaseURL = strings.TrimSuffix(v, "/")
	}
	if v, ok := settings["default_model"].(string); ok && v != "" {
		cfg.DefaultModel = v
	}
	if v, ok := intSetting(settings, "timeout"); ok && v > 0 {
		cfg.Timeout = time.Duration(v) * time.Millisecond
	}
	if v, ok := intSetting(settings, "max_retries"); ok && v >= 0 {
		cfg.MaxRetries = v
	}
	if v, ok := settings["catalog_path"].(string); ok {
		cfg.CatalogPath = v
	}

	return cfg
}

func intSetting(settings map[string]interface{}, key string) (int, bool) {
	switch v := settings[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
