// internal/llm/providers/openai/config.go
package openai

import (
	"strings"
	"time"
)

type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
	MaxRetries   int
}

func configFromSettings(settings map[string]interface{}) *Config {
	cfg := &Config{
		BaseURL:      "https://api.openai.com/v1",
		DefaultModel: "gpt-4o-mini",
		Timeout:      60 * time.Second,
		MaxRetries:   2,
	}

	if v, ok := settings["api_key"].(string); ok {
		cfg.APIKey = v
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

	return cfg
}

// intSetting reads a numeric setting regardless of whether it arrived as a
// yaml int or a json float.
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
