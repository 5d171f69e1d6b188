package smartroute

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
)

// PluginFactory builds a fresh plugin instance for one router attachment.
type PluginFactory func() Plugin

var pluginRegistry = struct {
	mu        sync.RWMutex
	factories map[string]PluginFactory
	types     map[string]reflect.Type
}{
	factories: map[string]PluginFactory{},
	types:     map[string]reflect.Type{},
}

// RegisterPlugin records a plugin factory under the code reported by a probe
// instance. Re-registering the same plugin type under the same code is a
// no-op; a different type under an existing code fails.
func RegisterPlugin(factory PluginFactory) error {
	probe := factory()
	return registerPluginType(probe.Code(), reflect.TypeOf(probe), factory)
}

// RegisterPluginAs is RegisterPlugin with an explicit lookup code, allowing
// one plugin type to be offered under several codes.
func RegisterPluginAs(code string, factory PluginFactory) error {
	return registerPluginType(code, reflect.TypeOf(factory()), factory)
}

func registerPluginType(code string, t reflect.Type, factory PluginFactory) error {
	if code == "" {
		return fmt.Errorf("%w: plugin code cannot be empty", ErrValidation)
	}
	pluginRegistry.mu.Lock()
	defer pluginRegistry.mu.Unlock()
	if existing, ok := pluginRegistry.types[code]; ok {
		if existing == t {
			return nil
		}
		return fmt.Errorf("%w: %q is taken by %s, cannot register %s",
			ErrPluginConflict, code, existing, t)
	}
	pluginRegistry.factories[code] = factory
	pluginRegistry.types[code] = t
	return nil
}

// AvailablePlugins lists the registered plugin codes, sorted.
func AvailablePlugins() []string {
	pluginRegistry.mu.RLock()
	defer pluginRegistry.mu.RUnlock()
	codes := make([]string, 0, len(pluginRegistry.factories))
	for code := range pluginRegistry.factories {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	return codes
}

func pluginFactory(code string) (PluginFactory, bool) {
	pluginRegistry.mu.RLock()
	defer pluginRegistry.mu.RUnlock()
	f, ok := pluginRegistry.factories[code]
	return f, ok
}

func isRegisteredPluginCode(code string) bool {
	pluginRegistry.mu.RLock()
	defer pluginRegistry.mu.RUnlock()
	_, ok := pluginRegistry.factories[code]
	return ok
}

var asyncAdapter = struct {
	mu    sync.RWMutex
	adapt func(HandlerFunc) HandlerFunc
}{}

// RegisterAsyncAdapter installs the process-wide adapter applied by lookups
// requesting an asynchronous handler shape. Passing nil removes it.
func RegisterAsyncAdapter(adapt func(HandlerFunc) HandlerFunc) {
	asyncAdapter.mu.Lock()
	asyncAdapter.adapt = adapt
	asyncAdapter.mu.Unlock()
}

func currentAsyncAdapter() func(HandlerFunc) HandlerFunc {
	asyncAdapter.mu.RLock()
	defer asyncAdapter.mu.RUnlock()
	return asyncAdapter.adapt
}
