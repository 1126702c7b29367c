// internal/llm/registry.go
package llm

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"energy-assistant/internal/common/logger"
	"energy-assistant/internal/common/validation"
)

// Plugin describes one constructible provider type. ConfigSchema is a JSON
// schema document validated against the provider's settings map before the
// factory is allowed to run.
type Plugin struct {
	Name         string
	ConfigSchema map[string]interface{}
	Factory      func(providerName string, settings map[string]interface{}, log logger.Logger) (Provider, error)
}

// Registry holds the closed set of known provider plugins.
type Registry struct {
	plugins    map[string]Plugin
	logger     logger.Logger
	baseLogger logger.Logger
}

func NewRegistry(log logger.Logger) *Registry {
	return &Registry{
		plugins:    make(map[string]Plugin),
		logger:     log.WithFields(map[string]interface{}{"component": "provider-registry"}),
		baseLogger: log,
	}
}

// Register adds a plugin. Re-registering an existing name overwrites the
// previous entry with a warning, never an error.
func (r *Registry) Register(p Plugin) {
	if err := validation.ValidateProviderName(p.Name); err != nil {
		r.logger.Warn("plugin name does not follow naming convention", map[string]interface{}{
			"plugin": p.Name,
			"error":  err.Error(),
		})
	}

	if _, exists := r.plugins[p.Name]; exists {
		r.logger.Warn("overwriting previously registered plugin", map[string]interface{}{
			"plugin": p.Name,
		})
	}
	r.plugins[p.Name] = p
}

// PluginNames lists registered plugin names.
func (r *Registry) PluginNames() []string {
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	return names
}

// ValidateConfig checks a settings map against the plugin's schema.
func (r *Registry) ValidateConfig(pluginName string, settings map[string]interface{}) error {
	plugin, exists := r.plugins[pluginName]
	if !exists {
		return fmt.Errorf("unknown plugin: %s", pluginName)
	}
	if len(plugin.ConfigSchema) == 0 {
		return nil
	}

	schemaLoader := gojsonschema.NewGoLoader(plugin.ConfigSchema)
	documentLoader := gojsonschema.NewGoLoader(settings)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return fmt.Errorf("config validation failed: %v", errs)
	}

	return nil
}

// Create instantiates a provider from a plugin name and settings map.
// Unknown plugin, schema violation, or factory failure all return (nil,
// false) after logging; none of them is fatal to the caller.
func (r *Registry) Create(pluginName, providerName string, settings map[string]interface{}) (Provider, bool) {
	plugin, exists := r.plugins[pluginName]
	if !exists {
		r.logger.Warn("cannot create provider, plugin not registered", map[string]interface{}{
			"plugin":   pluginName,
			"provider": providerName,
		})
		return nil, false
	}

	if err := r.ValidateConfig(pluginName, settings); err != nil {
		r.logger.Warn("provider config rejected by plugin schema", map[string]interface{}{
			"plugin":   pluginName,
			"provider": providerName,
			"error":    err.Error(),
		})
		return nil, false
	}

	provider, err := plugin.Factory(providerName, settings, r.baseLogger)
	if err != nil {
		r.logger.Warn("provider construction failed", map[string]interface{}{
			"plugin":   pluginName,
			"provider": providerName,
			"error":    err.Error(),
		})
		return nil, false
	}

	return provider, true
}
