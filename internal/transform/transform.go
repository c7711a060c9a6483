// Package transform applies per-column value mappings: straight copies,
// static literals, and named user functions. User functions live in modules:
// the built-in "transform" module is always present, and additional modules
// are loaded as Go plugins from the configuration directory.
package transform

import (
	"fmt"
	"plugin"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Func is the contract for a transform function: it receives the source
// value, the full source row, and the source table name.
type Func func(value interface{}, row map[string]interface{}, sourceTable string) interface{}

// BuiltinModule is the module name the default transforms are registered
// under; plain function names resolve against it too.
const BuiltinModule = "transform"

// PluginSymbol is the exported symbol a transform plugin must provide:
// a map[string]Func-compatible value.
const PluginSymbol = "Transforms"

type Registry struct {
	mu      sync.RWMutex
	modules map[string]map[string]Func
	warned  map[string]bool
	log     *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		modules: make(map[string]map[string]Func),
		warned:  make(map[string]bool),
		log:     logger,
	}
	r.registerBuiltins()
	return r
}

// Register adds a function under module.name, overriding any previous
// registration. It is the in-process path used by tests and embedders.
func (r *Registry) Register(module, name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	funcs := r.modules[module]
	if funcs == nil {
		funcs = make(map[string]Func)
		r.modules[module] = funcs
	}
	funcs[name] = fn
}

// LoadModule loads <dir>/<module>.so as a Go plugin and registers its
// exported Transforms map. When the plugin cannot be opened, the call
// succeeds only if the module has already been registered in-process.
func (r *Registry) LoadModule(dir, module string) error {
	path := fmt.Sprintf("%s/%s.so", dir, module)
	p, err := plugin.Open(path)
	if err != nil {
		r.mu.RLock()
		_, registered := r.modules[module]
		r.mu.RUnlock()
		if registered {
			return nil
		}
		return fmt.Errorf("load transform module %q: %w", module, err)
	}
	sym, err := p.Lookup(PluginSymbol)
	if err != nil {
		return fmt.Errorf("transform module %q has no %s symbol: %w", module, PluginSymbol, err)
	}
	funcs, ok := sym.(*map[string]func(interface{}, map[string]interface{}, string) interface{})
	if !ok {
		return fmt.Errorf("transform module %q: %s has unexpected type %T", module, PluginSymbol, sym)
	}
	for name, fn := range *funcs {
		r.Register(module, name, Func(fn))
	}
	return nil
}

// Resolve looks up "module.function" (or a bare built-in name). The second
// return is false when the name does not resolve.
func (r *Registry) Resolve(name string) (Func, bool) {
	module, fn := splitName(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	funcs, ok := r.modules[module]
	if !ok {
		return nil, false
	}
	f, ok := funcs[fn]
	return f, ok
}

// Validate checks that every name resolves; unresolved names are a
// configuration error.
func (r *Registry) Validate(names []string) error {
	for _, name := range names {
		if _, ok := r.Resolve(name); !ok {
			return fmt.Errorf("unresolved transform function %q", name)
		}
	}
	return nil
}

// Apply runs the named function, degrading to the original value when the
// function is missing or panics. Each failing (module, function) pair is
// warned about once.
func (r *Registry) Apply(name string, value interface{}, row map[string]interface{}, sourceTable string) interface{} {
	fn, ok := r.Resolve(name)
	if !ok {
		r.warnOnce(name, "transform function not found, passing value through", nil)
		return value
	}
	return r.call(name, fn, value, row, sourceTable)
}

func (r *Registry) call(name string, fn Func, value interface{}, row map[string]interface{}, sourceTable string) (out interface{}) {
	defer func() {
		if rec := recover(); rec != nil {
			r.warnOnce(name, "transform function panicked, passing value through", rec)
			out = value
		}
	}()
	return fn(value, row, sourceTable)
}

func (r *Registry) warnOnce(name, msg string, detail interface{}) {
	r.mu.Lock()
	seen := r.warned[name]
	r.warned[name] = true
	r.mu.Unlock()
	if seen {
		return
	}
	r.log.Warn(msg, zap.String("transform", name), zap.Any("detail", detail))
}

func splitName(name string) (module, fn string) {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i], name[i+1:]
	}
	return BuiltinModule, name
}

func (r *Registry) registerBuiltins() {
	builtins := map[string]Func{
		"uppercase": func(v interface{}, _ map[string]interface{}, _ string) interface{} {
			if s, ok := asString(v); ok {
				return strings.ToUpper(s)
			}
			return v
		},
		"lowercase": func(v interface{}, _ map[string]interface{}, _ string) interface{} {
			if s, ok := asString(v); ok {
				return strings.ToLower(s)
			}
			return v
		},
		"trim": func(v interface{}, _ map[string]interface{}, _ string) interface{} {
			if s, ok := asString(v); ok {
				return strings.TrimSpace(s)
			}
			return v
		},
		"length": func(v interface{}, _ map[string]interface{}, _ string) interface{} {
			if v == nil {
				return nil
			}
			if s, ok := asString(v); ok {
				return len(s)
			}
			return len(fmt.Sprint(v))
		},
	}
	for name, fn := range builtins {
		r.Register(BuiltinModule, name, fn)
	}
}

func asString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}
