package smartroute

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Vote is a plugin's verdict on whether an entry appears in filtered
// introspection output.
type Vote int

const (
	// VoteDefer abstains; other plugins decide.
	VoteDefer Vote = iota
	// VoteInclude keeps the entry.
	VoteInclude
	// VoteExclude removes the entry. Any exclude wins.
	VoteExclude
)

// Filters carries caller-supplied introspection criteria. Keys and value
// shapes are plugin-defined; the core passes the map through verbatim.
type Filters map[string]any

// Plugin is the extension contract. All hooks receive the router the call
// flows through, so shared plugin instances read the correct per-router
// configuration via Router.PluginConfiguration.
type Plugin interface {
	// Code is the stable identifier used for pipelines, config buckets and
	// configure targets.
	Code() string

	// Description is a short human-readable summary.
	Description() string

	// DefaultConfig seeds the router-wide config bucket when the plugin is
	// attached. May return nil.
	DefaultConfig() map[string]any

	// ConfigKeys lists the option names Configure accepts. An empty list
	// disables key validation.
	ConfigKeys() []string

	// OnRegister runs once per entry, at entry registration or when the
	// plugin attaches to a router that already has entries.
	OnRegister(r *Router, e *Entry) error

	// WrapHandler returns the middleware layer for one entry. Returning
	// next unchanged opts out of wrapping.
	WrapHandler(r *Router, e *Entry, next HandlerFunc) HandlerFunc

	// AllowEntry votes on entry visibility during filtered introspection.
	AllowEntry(r *Router, e *Entry, f Filters) (Vote, error)

	// EntryMetadata contributes plugin-specific metadata to introspection
	// records. May return nil.
	EntryMetadata(r *Router, e *Entry) (map[string]any, error)
}

// Base provides no-op defaults for every hook except Code and Description.
// Concrete plugins embed it and override what they need.
type Base struct {
	code        string
	description string
	keys        []string
}

// NewBase builds the embeddable default implementation. keys become the
// plugin's declared ConfigKeys.
func NewBase(code, description string, keys ...string) Base {
	return Base{code: code, description: description, keys: keys}
}

func (b Base) Code() string        { return b.code }
func (b Base) Description() string { return b.description }

func (b Base) DefaultConfig() map[string]any { return nil }

func (b Base) ConfigKeys() []string { return slices.Clone(b.keys) }

func (b Base) OnRegister(*Router, *Entry) error { return nil }

func (b Base) WrapHandler(_ *Router, _ *Entry, next HandlerFunc) HandlerFunc { return next }

func (b Base) AllowEntry(*Router, *Entry, Filters) (Vote, error) { return VoteDefer, nil }

func (b Base) EntryMetadata(*Router, *Entry) (map[string]any, error) { return nil, nil }

// BoundPlugin is a plugin as attached to one specific router. It is the
// write surface for that router's config buckets.
type BoundPlugin struct {
	router *Router
	plugin Plugin
}

// Code returns the attached plugin's code.
func (b *BoundPlugin) Code() string { return b.plugin.Code() }

// Description returns the attached plugin's description.
func (b *BoundPlugin) Description() string { return b.plugin.Description() }

// Impl exposes the underlying plugin instance.
func (b *BoundPlugin) Impl() Plugin { return b.plugin }

// Configuration returns the merged view for handler: the router-wide bucket
// overlaid with the handler's overrides. handler may be empty for the
// router-wide view alone.
func (b *BoundPlugin) Configuration(handler string) map[string]any {
	cfg, err := b.router.PluginConfiguration(b.plugin.Code(), handler)
	if err != nil {
		return map[string]any{}
	}
	return cfg
}

// Configure writes options into this router's config buckets. A "_target"
// option routes the write: empty or "_all_" hits the router-wide bucket,
// anything else is a comma-separated list of handler names receiving
// per-handler overrides. A "flags" option is expanded as a comma-separated
// "key" / "key:value" shorthand before validation.
func (b *BoundPlugin) Configure(options map[string]any) error {
	if len(options) == 0 {
		return fmt.Errorf("%w: no options given for plugin %q", ErrInvalidTarget, b.plugin.Code())
	}
	cfg := maps.Clone(options)
	target := ""
	if raw, ok := cfg["_target"]; ok {
		delete(cfg, "_target")
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("%w: _target must be a string, got %T", ErrInvalidTarget, raw)
		}
		target = strings.TrimSpace(s)
	}
	if raw, ok := cfg["flags"]; ok {
		if s, ok := raw.(string); ok {
			delete(cfg, "flags")
			maps.Copy(cfg, parseFlags(s))
		}
	}
	if len(cfg) == 0 {
		return fmt.Errorf("%w: no options given for plugin %q", ErrInvalidTarget, b.plugin.Code())
	}
	if keys := b.plugin.ConfigKeys(); len(keys) > 0 {
		for k := range cfg {
			if k != "enabled" && !slices.Contains(keys, k) {
				return fmt.Errorf("%w: plugin %q does not accept option %q (accepts %s)",
					ErrValidation, b.plugin.Code(), k, strings.Join(keys, ", "))
			}
		}
	}
	code := b.plugin.Code()
	if target == "" || strings.EqualFold(target, AllHandlers) {
		b.router.setBaseConfig(code, cfg)
	} else {
		for _, handler := range strings.Split(target, ",") {
			handler = strings.TrimSpace(handler)
			if handler == "" {
				continue
			}
			b.router.setHandlerConfig(code, handler, cfg)
		}
	}
	b.router.rebuildPipelines()
	return nil
}

// IsEnabled reports whether the pipeline layer is active for handler,
// honoring runtime flags over configured state.
func (b *BoundPlugin) IsEnabled(handler string) bool {
	return b.router.IsPluginEnabled(handler, b.plugin.Code())
}

// SetEnabled flips the runtime activation flag for handler without touching
// persisted configuration.
func (b *BoundPlugin) SetEnabled(handler string, enabled bool) {
	b.router.SetPluginEnabled(handler, b.plugin.Code(), enabled)
}
