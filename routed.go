package smartroute

import (
	"fmt"
	"maps"
	"path"
	"slices"
	"strings"
	"sync"
)

// Routed is the embeddable base for objects owning routers. It records every
// router constructed with the object as owner and exposes the caller-facing
// configure proxy.
type Routed struct {
	mu      sync.Mutex
	routers map[string]*Router
}

func (rc *Routed) registerRouter(r *Router) {
	rc.mu.Lock()
	if rc.routers == nil {
		rc.routers = map[string]*Router{}
	}
	rc.routers[r.Name()] = r
	rc.mu.Unlock()
}

// RegisteredRouters returns this object's routers keyed by name.
func (rc *Routed) RegisteredRouters() map[string]*Router {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.routers == nil {
		return map[string]*Router{}
	}
	return maps.Clone(rc.routers)
}

// Router resolves a dotted router path: the first segment names one of this
// object's routers, the rest walk attached children. Blank segments are
// skipped.
func (rc *Routed) Router(spec string) (*Router, error) {
	segments := strings.Split(strings.TrimSpace(spec), ".")
	rc.mu.Lock()
	base, ok := rc.routers[segments[0]]
	rc.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no router named %q", ErrNotFound, segments[0])
	}
	for _, seg := range segments[1:] {
		if seg == "" {
			continue
		}
		child, err := base.Child(seg)
		if err != nil {
			return nil, err
		}
		base = child
	}
	return base, nil
}

// ConfigureResult reports what one configure expression touched.
type ConfigureResult struct {
	Target  string   `json:"target"`
	Updated []string `json:"updated"`
}

// Configure is the caller-facing configuration surface. Targets:
//
//   - "router.path:plugin/selector" writes options to the named plugin.
//     The selector part is optional and defaults to the router-wide bucket;
//     otherwise it is a comma-separated list of glob patterns matched
//     against handler names, each match receiving a per-handler override.
//   - "?" with no options returns the full tree description.
//   - a map carrying a "target" key plus options.
//   - a list of either form, applied in order; per-item options only.
//
// It returns a ConfigureResult, a slice of results for list targets, or the
// description map for "?".
func (rc *Routed) Configure(target any, options map[string]any) (any, error) {
	switch t := target.(type) {
	case string:
		return rc.configureString(t, options)
	case map[string]any:
		return rc.configureMap(t, options)
	case []any:
		return rc.configureList(t, options)
	case []string:
		items := make([]any, len(t))
		for i, s := range t {
			items[i] = s
		}
		return rc.configureList(items, options)
	case []map[string]any:
		items := make([]any, len(t))
		for i, m := range t {
			items[i] = m
		}
		return rc.configureList(items, options)
	default:
		return nil, fmt.Errorf("%w: unsupported configure target %T", ErrInvalidTarget, target)
	}
}

func (rc *Routed) configureList(items []any, options map[string]any) (any, error) {
	if len(options) > 0 {
		return nil, fmt.Errorf("%w: list targets carry their own options, shared options are not allowed",
			ErrInvalidTarget)
	}
	results := make([]any, 0, len(items))
	for _, item := range items {
		res, err := rc.Configure(item, nil)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (rc *Routed) configureMap(m map[string]any, options map[string]any) (any, error) {
	opts := maps.Clone(m)
	raw, ok := opts["target"]
	if !ok {
		return nil, fmt.Errorf("%w: configure map needs a \"target\" key", ErrInvalidTarget)
	}
	delete(opts, "target")
	maps.Copy(opts, options)
	return rc.Configure(raw, opts)
}

func (rc *Routed) configureString(expr string, options map[string]any) (any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "?" {
		if len(options) > 0 {
			return nil, fmt.Errorf("%w: the \"?\" dump takes no options", ErrInvalidTarget)
		}
		return rc.describeAll(), nil
	}
	routerPath, rest, found := strings.Cut(expr, ":")
	routerPath, rest = strings.TrimSpace(routerPath), strings.TrimSpace(rest)
	if !found || routerPath == "" || rest == "" {
		return nil, fmt.Errorf("%w: configure target %q, want \"router:plugin/selector\"",
			ErrInvalidTarget, expr)
	}
	pluginCode, selector, _ := strings.Cut(rest, "/")
	pluginCode, selector = strings.TrimSpace(pluginCode), strings.TrimSpace(selector)
	if pluginCode == "" {
		return nil, fmt.Errorf("%w: configure target %q names no plugin", ErrInvalidTarget, expr)
	}
	if len(options) == 0 {
		return nil, fmt.Errorf("%w: no options given for %q", ErrInvalidTarget, expr)
	}

	router, err := rc.Router(routerPath)
	if err != nil {
		return nil, err
	}
	bound, err := router.Plugin(pluginCode)
	if err != nil {
		return nil, err
	}

	if selector == "" || strings.EqualFold(selector, AllHandlers) {
		if err := bound.Configure(maps.Clone(options)); err != nil {
			return nil, err
		}
		return &ConfigureResult{Target: expr, Updated: []string{AllHandlers}}, nil
	}

	matched := matchHandlers(router, selector)
	if len(matched) == 0 {
		return nil, fmt.Errorf("%w: selector %q on router %q", ErrEmptyMatch, selector, routerPath)
	}
	for _, handler := range matched {
		opts := maps.Clone(options)
		opts["_target"] = handler
		if err := bound.Configure(opts); err != nil {
			return nil, err
		}
	}
	return &ConfigureResult{Target: expr, Updated: matched}, nil
}

// matchHandlers resolves a comma-separated list of glob patterns against the
// router's entry names. Literal names match themselves.
func matchHandlers(r *Router, selector string) []string {
	names := r.Entries()
	seen := map[string]bool{}
	var out []string
	for _, pattern := range strings.Split(selector, ",") {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		for _, name := range names {
			if seen[name] {
				continue
			}
			if ok, err := path.Match(pattern, name); err == nil && ok {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	slices.Sort(out)
	return out
}

func (rc *Routed) describeAll() map[string]any {
	out := map[string]any{}
	for name, r := range rc.RegisteredRouters() {
		out[name] = r.Describe()
	}
	return out
}
