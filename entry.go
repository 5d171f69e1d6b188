package smartroute

import (
	"context"
	"maps"
	"reflect"
	"runtime"
	"slices"
	"strings"
)

// HandlerFunc is the callable shape every dispatch entry resolves to.
type HandlerFunc func(ctx context.Context, args ...any) (any, error)

// Marker declares a function as discoverable by a named router. Owners list
// their markers statically through MarkerProvider instead of relying on
// struct-field scanning.
type Marker struct {
	// Router names the router this marker belongs to. Only routers created
	// with a matching name pick it up during wildcard discovery.
	Router string

	// Func is the handler implementation.
	Func HandlerFunc

	// FuncName is the declared function name. The router strips its prefix
	// from it to derive the logical entry name when Name is empty.
	FuncName string

	// Name overrides the derived logical name.
	Name string

	// Metadata is attached to the entry on registration.
	Metadata map[string]any

	// Options carries plugin-directed settings shaped "<code>_<key>".
	Options map[string]any
}

// MarkerProvider is implemented by owner types whose handlers should be
// discovered by wildcard registration.
type MarkerProvider interface {
	RouteMarkers() []Marker
}

// MergeMarkers combines marker tables, typically an embedded type's table
// with the outer type's own. Later tables win on duplicate function names,
// mirroring method overriding: an outer marker for the same FuncName
// replaces the embedded one in place.
func MergeMarkers(tables ...[]Marker) []Marker {
	var out []Marker
	index := map[string]int{}
	for _, table := range tables {
		for _, m := range table {
			key := m.Router + "\x00" + m.FuncName
			if m.FuncName == "" {
				out = append(out, m)
				continue
			}
			if i, ok := index[key]; ok {
				out[i] = m
				continue
			}
			index[key] = len(out)
			out = append(out, m)
		}
	}
	return out
}

// Entry is one registered handler on a router.
type Entry struct {
	// Name is the logical dispatch name, unique per router.
	Name string

	// Handler is the raw handler before plugin wrapping.
	Handler HandlerFunc

	// Router is the router the entry is registered on.
	Router *Router

	// Metadata holds arbitrary registration metadata.
	Metadata map[string]any

	// PluginCodes lists, in pipeline order, the plugins attached to the
	// owning router when the entry was registered or that arrived later.
	PluginCodes []string

	// options keeps unapplied per-plugin option bags keyed by plugin code,
	// so plugins arriving after registration still receive their settings.
	options map[string]map[string]any
}

// Options returns the declarative option bag recorded for a plugin code at
// registration time, or nil.
func (e *Entry) Options(code string) map[string]any {
	bag, ok := e.options[code]
	if !ok {
		return nil
	}
	return maps.Clone(bag)
}

// HasPlugin reports whether code participates in this entry's pipeline.
func (e *Entry) HasPlugin(code string) bool {
	return slices.Contains(e.PluginCodes, code)
}

// clone produces a private copy a late-arriving plugin can rewrite before it
// replaces the published record. Option bags are read-only after
// registration, so they are shared.
func (e *Entry) clone() *Entry {
	return &Entry{
		Name:        e.Name,
		Handler:     e.Handler,
		Router:      e.Router,
		Metadata:    cloneMeta(e.Metadata),
		PluginCodes: slices.Clone(e.PluginCodes),
		options:     e.options,
	}
}

func cloneMeta(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return maps.Clone(m)
}

var handlerType = reflect.TypeOf((HandlerFunc)(nil))

// funcName derives the declared name of a function or method value. Method
// values carry a "-fm" suffix and a package-qualified receiver path; both
// are stripped.
func funcName(fn HandlerFunc) string {
	pc := reflect.ValueOf(fn).Pointer()
	f := runtime.FuncForPC(pc)
	if f == nil {
		return ""
	}
	name := f.Name()
	name = strings.TrimSuffix(name, "-fm")
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return name
}
