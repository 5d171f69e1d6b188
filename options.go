package smartroute

// Option configures a Router at construction time.
type Option func(*Router)

// WithName sets the router's name, used for marker discovery and as the
// default alias when the router is attached to a parent. Defaults to
// "router".
func WithName(name string) Option {
	return func(r *Router) { r.name = name }
}

// WithPrefix sets the declared-name prefix stripped when deriving logical
// entry names. Defaults to the router name followed by "_".
func WithPrefix(prefix string) Option {
	return func(r *Router) { r.prefix = prefix }
}

// WithDefaultHandler sets the fallback returned by lookups that resolve no
// entry.
func WithDefaultHandler(h HandlerFunc) Option {
	return func(r *Router) { r.defaultHandler = h }
}

// WithAsyncLookup makes every lookup pass through the registered async
// adapter unless the call overrides it.
func WithAsyncLookup() Option {
	return func(r *Router) { r.asyncLookup = true }
}

// WithoutDiscovery suppresses the automatic wildcard scan of the owner's
// marker table at construction.
func WithoutDiscovery() Option {
	return func(r *Router) { r.noDiscovery = true }
}

type entryOptions struct {
	name     string
	metadata map[string]any
	options  map[string]any
	replace  bool
}

// EntryOption adjusts a single AddEntry registration.
type EntryOption func(*entryOptions)

// WithEntryName overrides the derived logical name.
func WithEntryName(name string) EntryOption {
	return func(o *entryOptions) { o.name = name }
}

// WithMetadata attaches metadata to the registered entry. Repeated uses
// merge, later values winning.
func WithMetadata(meta map[string]any) EntryOption {
	return func(o *entryOptions) {
		if o.metadata == nil {
			o.metadata = map[string]any{}
		}
		for k, v := range meta {
			o.metadata[k] = v
		}
	}
}

// WithReplace allows the registration to overwrite an existing entry of the
// same name instead of failing.
func WithReplace() EntryOption {
	return func(o *entryOptions) { o.replace = true }
}

// WithOptions attaches declarative settings. Keys shaped "<code>_<key>" for
// an attached or registered plugin code are routed to that plugin's config
// bucket for this entry; everything else lands in the entry metadata.
func WithOptions(opts map[string]any) EntryOption {
	return func(o *entryOptions) {
		if o.options == nil {
			o.options = map[string]any{}
		}
		for k, v := range opts {
			o.options[k] = v
		}
	}
}

type getOptions struct {
	def      HandlerFunc
	defSet   bool
	async    bool
	asyncSet bool
}

// GetOption adjusts a single lookup.
type GetOption func(*getOptions)

// WithDefault overrides the router's fallback handler for this lookup. A
// nil handler disables the router default.
func WithDefault(h HandlerFunc) GetOption {
	return func(o *getOptions) { o.def, o.defSet = h, true }
}

// WithAsync forces the async adapter on (true) or off (false) for this
// lookup, overriding the router's construction-time setting.
func WithAsync(async bool) GetOption {
	return func(o *getOptions) { o.async, o.asyncSet = async, true }
}
