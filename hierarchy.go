package smartroute

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// RouterHolder is implemented by objects exposing routers for attachment,
// typically by embedding Routed.
type RouterHolder interface {
	RegisteredRouters() map[string]*Router
}

// routerRegistrar is satisfied by Routed; routers announce themselves to
// their owner through it at construction.
type routerRegistrar interface {
	registerRouter(*Router)
}

// Parent returns the router this one is attached under, or nil.
func (r *Router) Parent() *Router {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.parent
}

// Child returns the attached child router registered under alias.
func (r *Router) Child(alias string) (*Router, error) {
	r.mu.RLock()
	c, ok := r.children[alias]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: router %q has no child %q", ErrNotFound, r.name, alias)
	}
	return c, nil
}

// Children returns the attached child routers keyed by alias.
func (r *Router) Children() map[string]*Router {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.children)
}

// AttachRouter mounts child under alias (the child's own name when alias is
// empty). A child belongs to at most one parent; re-attaching under the same
// parent is idempotent. The child inherits the parent's plugins by
// reference, with a snapshot of their configuration taken now.
func (r *Router) AttachRouter(alias string, child *Router) error {
	if child == nil {
		return fmt.Errorf("%w: nil child router", ErrInvalidTarget)
	}
	if child == r {
		return fmt.Errorf("%w: router %q cannot attach to itself", ErrInvalidTarget, r.name)
	}
	alias = strings.TrimSpace(alias)
	if alias == "" {
		alias = child.name
	}
	// The alias check, parent binding and children write form one critical
	// section, so two attaches racing for the same alias cannot both win.
	r.mu.Lock()
	if existing, ok := r.children[alias]; ok && existing != child {
		r.mu.Unlock()
		return fmt.Errorf("%w: alias %q already used on router %q", ErrNameCollision, alias, r.name)
	}
	if err := child.bindParent(r); err != nil {
		r.mu.Unlock()
		return err
	}
	r.children[alias] = child
	r.mu.Unlock()
	return child.inheritPluginsFrom(r)
}

// AttachInstance mounts the routers exposed by child according to mapping:
//
//   - "" attaches the child's only router under its own name; allowed only
//     when the child exposes exactly one router and the parent owner holds
//     at most one.
//   - a plain name aliases the child's only router under that name.
//   - "orig:alias,orig2:alias2" attaches selected routers under explicit
//     aliases; routers not mentioned are skipped.
func (r *Router) AttachInstance(child any, mapping string) error {
	holder, ok := child.(RouterHolder)
	if !ok {
		return fmt.Errorf("%w: %T exposes no routers", ErrInvalidTarget, child)
	}
	routers := holder.RegisteredRouters()
	if len(routers) == 0 {
		return fmt.Errorf("%w: %T exposes no routers", ErrInvalidTarget, child)
	}
	pairs, err := resolveAttachMapping(routers, mapping, r.ownerRouterCount())
	if err != nil {
		return err
	}
	for _, pr := range pairs {
		if err := r.AttachRouter(pr.alias, routers[pr.orig]); err != nil {
			return err
		}
	}
	return nil
}

// DetachInstance removes every alias pointing at one of child's routers and
// clears their parent references. Unknown instances are ignored.
func (r *Router) DetachInstance(child any) {
	holder, ok := child.(RouterHolder)
	if !ok {
		return
	}
	owned := map[*Router]bool{}
	for _, c := range holder.RegisteredRouters() {
		owned[c] = true
	}
	var detached []*Router
	r.mu.Lock()
	for alias, c := range r.children {
		if owned[c] {
			delete(r.children, alias)
			detached = append(detached, c)
		}
	}
	r.mu.Unlock()
	for _, c := range detached {
		c.clearParent(r)
	}
}

// DetachRouter removes one alias. Clearing the parent reference is skipped
// when the child remains mounted under another alias.
func (r *Router) DetachRouter(alias string) {
	r.mu.Lock()
	c, ok := r.children[alias]
	if ok {
		delete(r.children, alias)
		for _, other := range r.children {
			if other == c {
				ok = false
				break
			}
		}
	}
	r.mu.Unlock()
	if ok && c != nil {
		c.clearParent(r)
	}
}

func (r *Router) ownerRouterCount() int {
	if h, ok := r.owner.(RouterHolder); ok {
		return len(h.RegisteredRouters())
	}
	return 1
}

func (c *Router) bindParent(p *Router) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.parent != nil && c.parent != p {
		return fmt.Errorf("%w: router %q is already attached under %q",
			ErrOwnership, c.name, c.parent.name)
	}
	c.parent = p
	return nil
}

func (c *Router) clearParent(p *Router) {
	c.mu.Lock()
	if c.parent == p {
		c.parent = nil
	}
	delete(c.inherited, p)
	c.mu.Unlock()
}

// inheritPluginsFrom adopts the parent's plugins the child does not already
// carry. Instances are shared by reference and prepended so parent plugins
// stay outermost; configuration is snapshotted into the child's own buckets.
// Runs once per parent.
func (c *Router) inheritPluginsFrom(parent *Router) error {
	parent.mu.RLock()
	parentPlugins := slices.Clone(parent.plugins)
	snapshots := make(map[string]map[string]map[string]any, len(parentPlugins))
	for _, p := range parentPlugins {
		snapshots[p.Code()] = parent.store.cloneBucket(p.Code())
	}
	parent.mu.RUnlock()

	c.mu.Lock()
	if c.inherited[parent] {
		c.mu.Unlock()
		return nil
	}
	c.inherited[parent] = true
	var added []Plugin
	for _, p := range parentPlugins {
		if _, ok := c.pluginIndex[p.Code()]; ok {
			continue
		}
		c.pluginIndex[p.Code()] = p
		added = append(added, p)
	}
	if len(added) > 0 {
		c.plugins = append(slices.Clone(added), c.plugins...)
	}
	for _, p := range added {
		c.store.adoptBucket(p.Code(), snapshots[p.Code()])
	}
	// Existing records are rewritten on clones and swapped back in whole,
	// so concurrent readers never see a half-updated entry.
	updated := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		ne := e.clone()
		for _, p := range added {
			if !slices.Contains(ne.PluginCodes, p.Code()) {
				ne.PluginCodes = append(ne.PluginCodes, p.Code())
			}
			c.applyEntryOptionsLocked(ne, p.Code())
		}
		updated = append(updated, ne)
	}
	c.mu.Unlock()

	for _, p := range added {
		for _, ne := range updated {
			if err := p.OnRegister(c, ne); err != nil {
				return fmt.Errorf("smartroute: inherited plugin %q rejected handler %q: %w",
					p.Code(), ne.Name, err)
			}
		}
	}

	c.mu.Lock()
	for _, ne := range updated {
		if _, ok := c.entries[ne.Name]; ok {
			c.entries[ne.Name] = ne
		}
	}
	c.mu.Unlock()
	if len(added) > 0 {
		c.rebuildPipelines()
	}
	return nil
}

type attachPair struct {
	orig, alias string
}

func resolveAttachMapping(routers map[string]*Router, mapping string, parentCount int) ([]attachPair, error) {
	mapping = strings.TrimSpace(mapping)
	if mapping == "" {
		if len(routers) == 1 && parentCount <= 1 {
			for name := range routers {
				return []attachPair{{name, name}}, nil
			}
		}
		return nil, fmt.Errorf("%w: explicit alias mapping required when either side exposes several routers",
			ErrInvalidTarget)
	}
	if !strings.Contains(mapping, ":") {
		if len(routers) != 1 {
			return nil, fmt.Errorf("%w: child exposes %d routers, use \"orig:alias\" pairs",
				ErrInvalidTarget, len(routers))
		}
		for name := range routers {
			return []attachPair{{name, mapping}}, nil
		}
	}
	var pairs []attachPair
	for _, token := range strings.Split(mapping, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		orig, alias, found := strings.Cut(token, ":")
		orig, alias = strings.TrimSpace(orig), strings.TrimSpace(alias)
		if !found || orig == "" || alias == "" {
			return nil, fmt.Errorf("%w: malformed mapping token %q", ErrInvalidTarget, token)
		}
		if _, ok := routers[orig]; !ok {
			return nil, fmt.Errorf("%w: instance has no router %q", ErrNotFound, orig)
		}
		pairs = append(pairs, attachPair{orig, alias})
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: empty mapping %q", ErrInvalidTarget, mapping)
	}
	return pairs, nil
}
