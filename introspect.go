package smartroute

import (
	"slices"
	"strings"
)

// PluginInfo describes one attached plugin in an introspection snapshot.
type PluginInfo struct {
	Code        string
	Description string
	Config      map[string]any
}

// EntryInfo describes one surviving entry in an introspection snapshot.
type EntryInfo struct {
	Name     string
	Handler  HandlerFunc
	Metadata map[string]any

	// Plugins lists the entry's pipeline codes in order.
	Plugins []string

	// PluginMeta holds per-plugin metadata contributions keyed by code.
	PluginMeta map[string]map[string]any
}

// Node is one router's slice of an introspection tree.
type Node struct {
	Name    string
	Router  *Router
	Owner   any
	Plugins []PluginInfo
	Entries map[string]*EntryInfo
	Routers map[string]*Node
}

// Empty reports whether the node carries no entries and no children.
func (n *Node) Empty() bool {
	return len(n.Entries) == 0 && len(n.Routers) == 0
}

// EntryNames returns the surviving entry names, sorted.
func (n *Node) EntryNames() []string {
	names := make([]string, 0, len(n.Entries))
	for name := range n.Entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Members builds the filtered introspection tree rooted at this router.
// Every attached plugin votes on every entry; any explicit exclude removes
// it. Plugin metadata hooks run for the survivors and their errors abort
// the walk. With non-empty filters, child nodes left empty are pruned; with
// no filters the full structure is returned.
func (r *Router) Members(filters Filters) (*Node, error) {
	return r.membersNode(filters, len(filters) > 0)
}

func (r *Router) membersNode(filters Filters, active bool) (*Node, error) {
	r.mu.RLock()
	plugins := slices.Clone(r.plugins)
	// Published records are never mutated in place, so they stay safe to
	// read after the lock is dropped.
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	children := make(map[string]*Router, len(r.children))
	for alias, c := range r.children {
		children[alias] = c
	}
	baseCfg := make(map[string]map[string]any, len(plugins))
	for _, p := range plugins {
		baseCfg[p.Code()] = r.store.merged(p.Code(), "")
	}
	r.mu.RUnlock()

	node := &Node{
		Name:    r.name,
		Router:  r,
		Owner:   r.owner,
		Entries: map[string]*EntryInfo{},
		Routers: map[string]*Node{},
	}
	for _, p := range plugins {
		node.Plugins = append(node.Plugins, PluginInfo{
			Code:        p.Code(),
			Description: p.Description(),
			Config:      baseCfg[p.Code()],
		})
	}

	slices.SortFunc(entries, func(a, b *Entry) int { return strings.Compare(a.Name, b.Name) })
	for _, e := range entries {
		keep := true
		for _, p := range plugins {
			vote, err := p.AllowEntry(r, e, filters)
			if err != nil {
				return nil, err
			}
			if vote == VoteExclude {
				keep = false
				break
			}
		}
		if !keep {
			continue
		}
		info := &EntryInfo{
			Name:       e.Name,
			Handler:    e.Handler,
			Metadata:   cloneMeta(e.Metadata),
			Plugins:    slices.Clone(e.PluginCodes),
			PluginMeta: map[string]map[string]any{},
		}
		for _, p := range plugins {
			meta, err := p.EntryMetadata(r, e)
			if err != nil {
				return nil, err
			}
			if len(meta) > 0 {
				info.PluginMeta[p.Code()] = meta
			}
		}
		node.Entries[e.Name] = info
	}

	for alias, c := range children {
		childNode, err := c.membersNode(filters, active)
		if err != nil {
			return nil, err
		}
		if active && childNode.Empty() {
			continue
		}
		node.Routers[alias] = childNode
	}
	return node, nil
}

// Describe returns a plain-data dump of the router tree: handler names,
// attached plugins with their router-wide config and per-handler overrides,
// and nested children. It is the payload behind the "?" configure target.
func (r *Router) Describe() map[string]any {
	r.mu.RLock()
	plugins := slices.Clone(r.plugins)
	handlers := make([]string, 0, len(r.entries))
	for name := range r.entries {
		handlers = append(handlers, name)
	}
	children := make(map[string]*Router, len(r.children))
	for alias, c := range r.children {
		children[alias] = c
	}
	pluginDump := make([]map[string]any, 0, len(plugins))
	for _, p := range plugins {
		code := p.Code()
		overrides := map[string]any{}
		for _, scope := range r.store.handlerScopes(code) {
			overrides[scope] = r.store.merged(code, scope)
		}
		pluginDump = append(pluginDump, map[string]any{
			"name":        code,
			"description": p.Description(),
			"config":      r.store.merged(code, ""),
			"overrides":   overrides,
		})
	}
	r.mu.RUnlock()

	slices.Sort(handlers)
	routers := map[string]any{}
	for alias, c := range children {
		routers[alias] = c.Describe()
	}
	return map[string]any{
		"name":     r.name,
		"handlers": handlers,
		"plugins":  pluginDump,
		"routers":  routers,
	}
}
