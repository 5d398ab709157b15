package factory

import (
	"fmt"
	"sort"

	"Go2NetDPI/internal/config"
	"Go2NetDPI/internal/engine"
)

// EngineFactory creates a detection engine from the engine configuration.
type EngineFactory func(cfg config.EngineConfig) (engine.Engine, error)

// registry holds the mapping of engine types to their factory functions.
var registry = map[string]EngineFactory{
	"disabled": func(config.EngineConfig) (engine.Engine, error) { return engine.Disabled{}, nil },
}

// RegisterEngine registers a new engine type with its factory function.
func RegisterEngine(name string, factory EngineFactory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("engine type '%s' already registered", name))
	}
	registry[name] = factory
}

// NewEngine creates an uninitialized engine of the configured type.
func NewEngine(cfg config.EngineConfig) (engine.Engine, error) {
	factory, ok := registry[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown engine type: '%s' (registered: %v)", cfg.Type, Registered())
	}
	eng, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating engine type '%s': %w", cfg.Type, err)
	}
	return eng, nil
}

// Registered returns the sorted names of all registered engine types.
func Registered() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
