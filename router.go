package smartroute

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
	"sync"
)

// Wildcard is the registration target that scans the owner's marker table.
// The spellings "_all_" and "__all__" are accepted as synonyms.
const Wildcard = "*"

// Router dispatches named handlers on behalf of an owner object. Handlers
// are registered explicitly or discovered from the owner's marker table,
// wrapped by the attached plugin pipeline, and resolved by dotted selectors
// across attached child routers.
type Router struct {
	mu sync.RWMutex

	owner  any
	name   string
	prefix string

	entries  map[string]*Entry
	handlers map[string]HandlerFunc

	parent    *Router
	children  map[string]*Router
	inherited map[*Router]bool

	plugins     []Plugin
	pluginIndex map[string]Plugin
	store       *configStore
	runtime     map[string]bool

	defaultHandler HandlerFunc
	asyncLookup    bool
	noDiscovery    bool
}

// New builds a router bound to owner. When the owner provides a marker
// table, handlers marked for this router's name are registered immediately
// unless WithoutDiscovery is given. Owners embedding Routed get the router
// recorded in their registry automatically.
func New(owner any, opts ...Option) (*Router, error) {
	if owner == nil {
		return nil, ErrMissingOwner
	}
	r := &Router{
		owner:       owner,
		name:        "router",
		entries:     map[string]*Entry{},
		handlers:    map[string]HandlerFunc{},
		children:    map[string]*Router{},
		inherited:   map[*Router]bool{},
		pluginIndex: map[string]Plugin{},
		store:       newConfigStore(),
		runtime:     map[string]bool{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.prefix == "" {
		r.prefix = r.name + "_"
	}
	if reg, ok := owner.(routerRegistrar); ok {
		reg.registerRouter(r)
	}
	if !r.noDiscovery {
		if _, ok := owner.(MarkerProvider); ok {
			if err := r.AddEntry(Wildcard); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

// MustNew is New panicking on error, for use in owner constructors where a
// failure is a programming mistake.
func MustNew(owner any, opts ...Option) *Router {
	r, err := New(owner, opts...)
	if err != nil {
		panic(err)
	}
	return r
}

// Name returns the router's name.
func (r *Router) Name() string { return r.name }

// Prefix returns the declared-name prefix stripped from discovered handlers.
func (r *Router) Prefix() string { return r.prefix }

// Owner returns the object this router dispatches for.
func (r *Router) Owner() any { return r.owner }

// AddEntry registers one or more handlers. Accepted targets:
//
//   - HandlerFunc (or a bare func with the same signature): registered
//     under its declared name, prefix stripped, unless WithEntryName is
//     given.
//   - Marker / []Marker: registered with the marker's metadata and options
//     merged under the call's.
//   - string: a method name resolved on the owner, a comma-separated list
//     of names, or Wildcard to scan the owner's marker table. Blank strings
//     and blank list tokens are skipped.
//   - []string: each element handled as above.
//
// Multi-target forms stop at the first failure; earlier registrations
// remain in place.
func (r *Router) AddEntry(target any, opts ...EntryOption) error {
	var o entryOptions
	for _, opt := range opts {
		opt(&o)
	}
	return r.addTarget(target, o)
}

func (r *Router) addTarget(target any, o entryOptions) error {
	switch t := target.(type) {
	case nil:
		return fmt.Errorf("%w: nil registration target", ErrInvalidTarget)
	case HandlerFunc:
		return r.register(t, funcName(t), o)
	case func(context.Context, ...any) (any, error):
		return r.register(HandlerFunc(t), funcName(t), o)
	case Marker:
		return r.registerMarker(t, o)
	case []Marker:
		for _, m := range t {
			if err := r.registerMarker(m, o); err != nil {
				return err
			}
		}
		return nil
	case string:
		return r.addString(t, o)
	case []string:
		for _, s := range t {
			if err := r.addString(s, o); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported registration target %T", ErrInvalidTarget, target)
	}
}

func (r *Router) addString(spec string, o entryOptions) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	if strings.Contains(spec, ",") {
		for _, token := range strings.Split(spec, ",") {
			if err := r.addString(token, o); err != nil {
				return err
			}
		}
		return nil
	}
	if spec == Wildcard || spec == "_all_" || spec == "__all__" {
		return r.scanMarked(o)
	}
	return r.addNamed(spec, o)
}

// addNamed resolves a single declared name against the owner: the marker
// table first, then a method with the handler signature.
func (r *Router) addNamed(name string, o entryOptions) error {
	if mp, ok := r.owner.(MarkerProvider); ok {
		for _, m := range mp.RouteMarkers() {
			if m.FuncName == name && m.Func != nil {
				return r.register(m.Func, m.FuncName, o)
			}
		}
	}
	m := reflect.ValueOf(r.owner).MethodByName(name)
	if !m.IsValid() {
		return fmt.Errorf("%w: owner %T has no handler %q", ErrNotFound, r.owner, name)
	}
	fn, ok := m.Interface().(func(context.Context, ...any) (any, error))
	if !ok {
		return fmt.Errorf("%w: %T.%s has signature %s, want %s",
			ErrInvalidTarget, r.owner, name, m.Type(), handlerType)
	}
	return r.register(fn, name, o)
}

func (r *Router) registerMarker(m Marker, o entryOptions) error {
	if m.Func == nil {
		return fmt.Errorf("%w: marker %q has no handler", ErrInvalidTarget, m.FuncName)
	}
	merged := o
	merged.metadata = cloneMeta(m.Metadata)
	maps.Copy(merged.metadata, o.metadata)
	merged.options = cloneMeta(m.Options)
	maps.Copy(merged.options, o.options)
	if merged.name == "" {
		merged.name = m.Name
	}
	return r.register(m.Func, m.FuncName, merged)
}

// scanMarked registers every marker declared for this router's name.
// Markers sharing a handler function register once; owners returning nothing
// register nothing.
func (r *Router) scanMarked(o entryOptions) error {
	mp, ok := r.owner.(MarkerProvider)
	if !ok {
		return nil
	}
	seen := map[uintptr]bool{}
	for _, m := range mp.RouteMarkers() {
		if m.Router != r.name || m.Func == nil {
			continue
		}
		pc := reflect.ValueOf(m.Func).Pointer()
		if seen[pc] {
			continue
		}
		seen[pc] = true
		if err := r.registerMarker(m, o); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) register(fn HandlerFunc, declName string, o entryOptions) error {
	name := o.name
	if name == "" {
		name = strings.TrimPrefix(declName, r.prefix)
	}
	if name == "" {
		return fmt.Errorf("%w: cannot derive an entry name, pass WithEntryName", ErrInvalidTarget)
	}
	meta := cloneMeta(o.metadata)
	entry := &Entry{Name: name, Handler: fn, Router: r, Metadata: meta, options: map[string]map[string]any{}}

	r.mu.Lock()
	if _, exists := r.entries[name]; exists && !o.replace {
		r.mu.Unlock()
		return fmt.Errorf("%w: handler %q already registered on router %q", ErrNameCollision, name, r.name)
	}
	for k, v := range o.options {
		if code, key, ok := r.splitPluginOptionLocked(k); ok {
			bag := entry.options[code]
			if bag == nil {
				bag = map[string]any{}
				entry.options[code] = bag
			}
			bag[key] = v
		} else {
			meta[k] = v
		}
	}
	attached := slices.Clone(r.plugins)
	for _, p := range attached {
		entry.PluginCodes = append(entry.PluginCodes, p.Code())
	}
	for _, p := range attached {
		r.applyEntryOptionsLocked(entry, p.Code())
	}
	r.mu.Unlock()

	// Hooks see the record before it is published, so they may rewrite its
	// metadata freely and a rejection leaves the router unchanged. Published
	// records are never mutated in place after this point.
	for _, p := range attached {
		if err := p.OnRegister(r, entry); err != nil {
			return fmt.Errorf("smartroute: plugin %q rejected handler %q: %w", p.Code(), name, err)
		}
	}

	r.mu.Lock()
	if _, exists := r.entries[name]; exists && !o.replace {
		r.mu.Unlock()
		return fmt.Errorf("%w: handler %q already registered on router %q", ErrNameCollision, name, r.name)
	}
	r.entries[name] = entry
	r.mu.Unlock()
	r.rebuildPipelines()
	return nil
}

// splitPluginOptionLocked recognizes "<code>_<key>" option names. The
// longest prefix matching an attached or registered plugin code wins, so
// codes containing underscores resolve correctly.
func (r *Router) splitPluginOptionLocked(key string) (code, opt string, ok bool) {
	for i := len(key) - 2; i > 0; i-- {
		if key[i] != '_' {
			continue
		}
		prefix := key[:i]
		if _, attached := r.pluginIndex[prefix]; attached || isRegisteredPluginCode(prefix) {
			return prefix, key[i+1:], true
		}
	}
	return "", "", false
}

// applyEntryOptionsLocked moves an entry's declarative option bag into the
// plugin's per-handler config scope. Called whenever an entry and a plugin
// meet, in either order.
func (r *Router) applyEntryOptionsLocked(e *Entry, code string) {
	bag, ok := e.options[code]
	if !ok || len(bag) == 0 {
		return
	}
	cfg := maps.Clone(bag)
	if raw, ok := cfg["flags"]; ok {
		if s, ok := raw.(string); ok {
			delete(cfg, "flags")
			maps.Copy(cfg, parseFlags(s))
		}
	}
	r.store.setHandler(code, e.Name, cfg)
}

// rebuildPipelines rebuilds every entry's wrapped handler chain and swaps
// the lookup table in one step. Plugins run outside the router lock; layers
// are guarded by the per-call activation check.
func (r *Router) rebuildPipelines() {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	plugins := slices.Clone(r.plugins)
	r.mu.RUnlock()

	handlers := make(map[string]HandlerFunc, len(entries))
	for _, e := range entries {
		wrapped := e.Handler
		for i := len(plugins) - 1; i >= 0; i-- {
			wrapped = r.guardLayer(plugins[i], e, wrapped)
		}
		handlers[e.Name] = wrapped
	}

	r.mu.Lock()
	r.handlers = handlers
	r.mu.Unlock()
}

func (r *Router) guardLayer(p Plugin, e *Entry, next HandlerFunc) HandlerFunc {
	layer := p.WrapHandler(r, e, next)
	if layer == nil {
		return next
	}
	code, name := p.Code(), e.Name
	return func(ctx context.Context, args ...any) (any, error) {
		if !r.IsPluginEnabled(name, code) {
			return next(ctx, args...)
		}
		return layer(ctx, args...)
	}
}

// Get resolves a selector to its wrapped handler. Dotted selectors walk
// attached child routers; the final segment names the entry. Unresolved
// entries fall back to the resolved router's default handler unless
// WithDefault overrides it.
func (r *Router) Get(selector string, opts ...GetOption) (HandlerFunc, error) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}
	parts := strings.Split(strings.TrimSpace(selector), ".")
	node := r
	for _, seg := range parts[:len(parts)-1] {
		if seg == "" {
			continue
		}
		child, err := node.Child(seg)
		if err != nil {
			return nil, err
		}
		node = child
	}
	name := parts[len(parts)-1]

	node.mu.RLock()
	h := node.handlers[name]
	node.mu.RUnlock()
	if h == nil {
		def := node.defaultHandler
		if o.defSet {
			def = o.def
		}
		h = def
	}
	if h == nil {
		return nil, fmt.Errorf("%w: no handler %q on router %q", ErrNotFound, name, node.name)
	}
	async := node.asyncLookup
	if o.asyncSet {
		async = o.async
	}
	if async {
		adapt := currentAsyncAdapter()
		if adapt == nil {
			return nil, fmt.Errorf("%w: async lookup requested but no adapter registered", ErrNotFound)
		}
		h = adapt(h)
	}
	return h, nil
}

// Call resolves selector and invokes the handler.
func (r *Router) Call(ctx context.Context, selector string, args ...any) (any, error) {
	h, err := r.Get(selector)
	if err != nil {
		return nil, err
	}
	return h(ctx, args...)
}

// Has reports whether an entry named name exists on this router.
func (r *Router) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Entries returns the registered entry names, sorted.
func (r *Router) Entries() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Entry returns the registration record for name.
func (r *Router) Entry(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// EntryRecords returns all registration records, sorted by name.
func (r *Router) EntryRecords() []*Entry {
	r.mu.RLock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Entry) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Plug attaches a registered plugin to this router. The config bucket is
// seeded with enabled=true, the plugin's defaults, then config. Within
// config, a "flags" string expands to options and a "handlers" map of maps
// seeds per-handler overrides. Plugging the same code twice fails.
func (r *Router) Plug(code string, config map[string]any) error {
	factory, ok := pluginFactory(code)
	if !ok {
		return fmt.Errorf("%w: unknown plugin %q (available: %s)",
			ErrNotFound, code, strings.Join(AvailablePlugins(), ", "))
	}
	p := factory()
	actual := p.Code()

	base := map[string]any{"enabled": true}
	maps.Copy(base, p.DefaultConfig())
	cfg := cloneMeta(config)
	if raw, ok := cfg["flags"]; ok {
		if s, ok := raw.(string); ok {
			delete(cfg, "flags")
			maps.Copy(cfg, parseFlags(s))
		}
	}
	var handlerCfg map[string]map[string]any
	if raw, ok := cfg["handlers"]; ok {
		delete(cfg, "handlers")
		handlerCfg = normalizeHandlerConfig(raw)
	}
	maps.Copy(base, cfg)

	r.mu.Lock()
	if _, dup := r.pluginIndex[actual]; dup {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q on router %q", ErrDuplicatePlugin, actual, r.name)
	}
	r.store.setBase(actual, base)
	for handler, opts := range handlerCfg {
		r.store.setHandler(actual, handler, opts)
	}
	r.plugins = append(r.plugins, p)
	r.pluginIndex[actual] = p
	// Existing records are rewritten on clones and swapped back in whole,
	// so concurrent readers never see a half-updated entry.
	updated := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		ne := e.clone()
		if !slices.Contains(ne.PluginCodes, actual) {
			ne.PluginCodes = append(ne.PluginCodes, actual)
		}
		r.applyEntryOptionsLocked(ne, actual)
		updated = append(updated, ne)
	}
	r.mu.Unlock()

	for _, ne := range updated {
		if err := p.OnRegister(r, ne); err != nil {
			return fmt.Errorf("smartroute: plugin %q rejected handler %q: %w", actual, ne.Name, err)
		}
	}

	r.mu.Lock()
	for _, ne := range updated {
		if _, ok := r.entries[ne.Name]; ok {
			r.entries[ne.Name] = ne
		}
	}
	r.mu.Unlock()
	r.rebuildPipelines()
	return nil
}

func normalizeHandlerConfig(raw any) map[string]map[string]any {
	out := map[string]map[string]any{}
	switch t := raw.(type) {
	case map[string]map[string]any:
		for handler, opts := range t {
			out[handler] = maps.Clone(opts)
		}
	case map[string]any:
		for handler, opts := range t {
			if m, ok := opts.(map[string]any); ok {
				out[handler] = maps.Clone(m)
			}
		}
	}
	return out
}

// Plugin returns the bound view of an attached plugin.
func (r *Router) Plugin(code string) (*BoundPlugin, error) {
	r.mu.RLock()
	p, ok := r.pluginIndex[code]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: plugin %q not attached to router %q", ErrNotFound, code, r.name)
	}
	return &BoundPlugin{router: r, plugin: p}, nil
}

// Plugins returns bound views of the attached plugins in pipeline order.
func (r *Router) Plugins() []*BoundPlugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*BoundPlugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, &BoundPlugin{router: r, plugin: p})
	}
	return out
}

// HasPlugin reports whether code is attached to this router.
func (r *Router) HasPlugin(code string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pluginIndex[code]
	return ok
}

// PluginConfiguration returns the merged config view for an attached plugin:
// the router-wide bucket overlaid with handler's overrides. handler may be
// empty for the router-wide view.
func (r *Router) PluginConfiguration(code, handler string) (map[string]any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.pluginIndex[code]; !ok {
		return nil, fmt.Errorf("%w: plugin %q not attached to router %q", ErrNotFound, code, r.name)
	}
	return r.store.merged(code, handler), nil
}

// PluginHandlerOverrides returns only the per-handler override layer for an
// attached plugin, without the router-wide base. Plugins that rank handler
// overrides above other sources read this alongside PluginConfiguration.
func (r *Router) PluginHandlerOverrides(code, handler string) (map[string]any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.pluginIndex[code]; !ok {
		return nil, fmt.Errorf("%w: plugin %q not attached to router %q", ErrNotFound, code, r.name)
	}
	return r.store.handlerOnly(code, handler), nil
}

func (r *Router) setBaseConfig(code string, opts map[string]any) {
	r.mu.Lock()
	r.store.setBase(code, opts)
	r.mu.Unlock()
}

func (r *Router) setHandlerConfig(code, handler string, opts map[string]any) {
	r.mu.Lock()
	r.store.setHandler(code, handler, opts)
	r.mu.Unlock()
}

// IsPluginEnabled resolves a plugin's activation for one handler: the
// runtime flag when set, otherwise the merged config's "enabled" value,
// otherwise true.
func (r *Router) IsPluginEnabled(handler, code string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.runtime[handler+"\x00"+code]; ok {
		return v
	}
	if b, ok := r.store.merged(code, handler)["enabled"].(bool); ok {
		return b
	}
	return true
}

// SetPluginEnabled sets the runtime activation flag for one handler and
// plugin without touching persisted configuration. Runtime flags are scoped
// to this router; shared plugin instances on other routers are unaffected.
func (r *Router) SetPluginEnabled(handler, code string, enabled bool) {
	r.mu.Lock()
	r.runtime[handler+"\x00"+code] = enabled
	r.mu.Unlock()
}

// ClearPluginEnabled removes the runtime flag, restoring configured state.
func (r *Router) ClearPluginEnabled(handler, code string) {
	r.mu.Lock()
	delete(r.runtime, handler+"\x00"+code)
	r.mu.Unlock()
}

// SetRuntimeData stores transient per-scope plugin state. It never appears
// in merged configuration views. scope is a handler name or empty for the
// router-wide scope.
func (r *Router) SetRuntimeData(code, scope, key string, value any) {
	r.mu.Lock()
	r.store.setLocal(code, scope, key, value)
	r.mu.Unlock()
}

// RuntimeData reads transient plugin state written by SetRuntimeData.
func (r *Router) RuntimeData(code, scope, key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.local(code, scope, key)
}
