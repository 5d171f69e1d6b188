// Package scope provides the scope/channel exposure plugin. Handlers carry
// normalized scope tags (INTERNAL, PUBLIC_*, ...), each scope resolves to
// the uppercase channel codes allowed to expose it, and filtered
// introspection can narrow a tree to one channel or scope set.
package scope

import (
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/genropy/smartroute"
)

// Code is the plugin's registry and pipeline identifier.
const Code = "scope"

// StandardChannels documents the well-known channel codes.
var StandardChannels = map[string]string{
	"CLI":      "Publisher CLI commands",
	"SYS_HTTP": "Shared Publisher HTTP API",
	"SYS_WS":   "Shared Publisher WebSocket API",
	"HTTP":     "Application HTTP API",
	"WS":       "Application WebSocket API",
	"MCP":      "Machine Control Protocol / AI adapter",
}

// Rule maps a scope name or glob pattern to its allowed channels.
type Rule struct {
	Pattern  string
	Channels []string
}

// DefaultScopeRules is the fallback applied when no configured mapping
// matches a scope. Order matters; first match wins.
var DefaultScopeRules = []Rule{
	{"internal", []string{"CLI", "SYS_HTTP"}},
	{"public", []string{"HTTP"}},
	{"public_*", []string{"HTTP"}},
}

// Payload is the resolved scope view of one handler.
type Payload struct {
	Tags     []string            `json:"tags"`
	Channels map[string][]string `json:"channels"`
}

// Exposure is one handler's slice of a channel map.
type Exposure struct {
	Tags          []string            `json:"tags"`
	Channels      map[string][]string `json:"channels"`
	ExposedScopes []string            `json:"exposed_scopes"`
}

func init() {
	_ = smartroute.RegisterPluginAs(Code, func() smartroute.Plugin { return New() })
}

// Plugin resolves scope tags and channel exposure per handler. Precedence,
// separately for tags and for the scope-to-channel map: per-handler
// overrides, then entry metadata, then router-wide config, then
// DefaultScopeRules.
type Plugin struct {
	smartroute.Base
}

// New builds the scope plugin.
func New() *Plugin {
	return &Plugin{
		Base: smartroute.NewBase(Code, "scope tags and channel exposure",
			"scopes", "scope_channels", "channels"),
	}
}

// OnRegister normalizes the entry's scope metadata in place so later reads
// work on clean values. Invalid channel codes fail registration.
func (p *Plugin) OnRegister(r *smartroute.Router, e *smartroute.Entry) error {
	if raw, ok := e.Metadata["scopes"]; ok {
		tags, err := NormalizeScopes(raw)
		if err != nil {
			return err
		}
		e.Metadata["scopes"] = tags
	}
	if raw, ok := e.Metadata["scope_channels"]; ok {
		m, err := NormalizeScopeChannels(raw)
		if err != nil {
			return err
		}
		e.Metadata["scope_channels"] = m
	}
	return nil
}

// AllowEntry honours "scopes" and "channel" filters. A scope filter requires
// tag overlap; a channel filter requires the channel among the entry's
// allowed codes. Entries without tags are excluded whenever a filter is
// active. Without relevant filters the plugin abstains.
func (p *Plugin) AllowEntry(r *smartroute.Router, e *smartroute.Entry, f smartroute.Filters) (smartroute.Vote, error) {
	scopeFilter, err := filterScopes(f["scopes"])
	if err != nil {
		return smartroute.VoteDefer, err
	}
	channelFilter := ""
	if raw, ok := f["channel"]; ok && raw != nil {
		s, ok := raw.(string)
		if !ok {
			return smartroute.VoteDefer, fmt.Errorf("%w: channel filter must be a string, got %T",
				smartroute.ErrValidation, raw)
		}
		channelFilter, err = ValidateChannelCode(s)
		if err != nil {
			return smartroute.VoteDefer, err
		}
	}
	if len(scopeFilter) == 0 && channelFilter == "" {
		return smartroute.VoteDefer, nil
	}

	payload, err := p.resolve(r, e)
	if err != nil {
		return smartroute.VoteDefer, err
	}
	if payload == nil || len(payload.Tags) == 0 {
		return smartroute.VoteExclude, nil
	}
	if len(scopeFilter) > 0 {
		overlap := false
		for _, tag := range payload.Tags {
			if scopeFilter[tag] {
				overlap = true
				break
			}
		}
		if !overlap {
			return smartroute.VoteExclude, nil
		}
	}
	if channelFilter != "" {
		allowed := map[string]bool{}
		for _, codes := range payload.Channels {
			for _, code := range codes {
				allowed[code] = true
			}
		}
		if !allowed[channelFilter] {
			return smartroute.VoteExclude, nil
		}
	}
	return smartroute.VoteInclude, nil
}

// EntryMetadata contributes {"scope": payload} for tagged entries.
func (p *Plugin) EntryMetadata(r *smartroute.Router, e *smartroute.Entry) (map[string]any, error) {
	payload, err := p.resolve(r, e)
	if err != nil {
		return nil, err
	}
	if payload == nil || len(payload.Tags) == 0 {
		return nil, nil
	}
	return map[string]any{"scope": payload}, nil
}

// DescribeScopes returns the resolved payload for every tagged handler on r.
func (p *Plugin) DescribeScopes(r *smartroute.Router) (map[string]*Payload, error) {
	out := map[string]*Payload{}
	for _, e := range r.EntryRecords() {
		payload, err := p.resolve(r, e)
		if err != nil {
			return nil, err
		}
		if payload != nil && len(payload.Tags) > 0 {
			out[e.Name] = payload
		}
	}
	return out, nil
}

// ChannelMap returns, for one validated channel code, every handler exposed
// on it along with the scopes that expose it.
func (p *Plugin) ChannelMap(r *smartroute.Router, channel string) (map[string]*Exposure, error) {
	target, err := ValidateChannelCode(channel)
	if err != nil {
		return nil, err
	}
	if target == "" {
		return nil, fmt.Errorf("%w: channel code cannot be empty", smartroute.ErrValidation)
	}
	scopes, err := p.DescribeScopes(r)
	if err != nil {
		return nil, err
	}
	out := map[string]*Exposure{}
	for name, payload := range scopes {
		var exposed []string
		for scopeName, codes := range payload.Channels {
			if slices.Contains(codes, target) {
				exposed = append(exposed, scopeName)
			}
		}
		if len(exposed) > 0 {
			slices.Sort(exposed)
			out[name] = &Exposure{Tags: payload.Tags, Channels: payload.Channels, ExposedScopes: exposed}
		}
	}
	return out, nil
}

// resolve builds the scope payload for one entry from, in precedence order,
// the per-handler override layer, the entry metadata, and the router-wide
// config, falling back to DefaultScopeRules for unmapped scopes.
func (p *Plugin) resolve(r *smartroute.Router, e *smartroute.Entry) (*Payload, error) {
	handlerCfg, err := r.PluginHandlerOverrides(Code, e.Name)
	if err != nil {
		return nil, err
	}
	baseCfg, err := r.PluginConfiguration(Code, "")
	if err != nil {
		return nil, err
	}

	tags, err := p.resolveTags(handlerCfg, e.Metadata, baseCfg)
	if err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		return nil, nil
	}

	merged, err := p.mergedChannelMap(baseCfg, e.Metadata, handlerCfg)
	if err != nil {
		return nil, err
	}
	channels := make(map[string][]string, len(tags))
	for _, tag := range tags {
		channels[tag] = resolveChannelsForScope(tag, merged)
	}
	return &Payload{Tags: tags, Channels: channels}, nil
}

func (p *Plugin) resolveTags(handlerCfg, metadata, baseCfg map[string]any) ([]string, error) {
	if raw, ok := handlerCfg["scopes"]; ok {
		return NormalizeScopes(raw)
	}
	if raw, ok := metadata["scopes"]; ok {
		tags, err := NormalizeScopes(raw)
		if err != nil {
			return nil, err
		}
		if len(tags) > 0 {
			return tags, nil
		}
	}
	if raw, ok := baseCfg["scopes"]; ok {
		return NormalizeScopes(raw)
	}
	return nil, nil
}

// mergedChannelMap layers the three scope_channels sources, later maps
// winning per key. In each source a "channels" alias merges into the "*"
// key, preserving explicit entries.
func (p *Plugin) mergedChannelMap(baseCfg, metadata, handlerCfg map[string]any) (map[string][]string, error) {
	merged := map[string][]string{}
	for _, src := range []map[string]any{baseCfg, metadata, handlerCfg} {
		m, err := NormalizeScopeChannels(src["scope_channels"])
		if err != nil {
			return nil, err
		}
		if raw, ok := src["channels"]; ok {
			alias, err := NormalizeChannelList(raw)
			if err != nil {
				return nil, err
			}
			existing := m["*"]
			for _, code := range alias {
				if !slices.Contains(existing, code) {
					existing = append(existing, code)
				}
			}
			if len(existing) > 0 {
				m["*"] = existing
			}
		}
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged, nil
}

// resolveChannelsForScope tries an exact key, then glob patterns, then the
// "*" fallback, then DefaultScopeRules.
func resolveChannelsForScope(scope string, mapping map[string][]string) []string {
	if codes, ok := mapping[scope]; ok && len(codes) > 0 {
		return slices.Clone(codes)
	}
	for key, codes := range mapping {
		if key == scope || key == "*" {
			continue
		}
		if strings.ContainsAny(key, "*?[") {
			if ok, err := path.Match(key, scope); err == nil && ok {
				return slices.Clone(codes)
			}
		}
	}
	if codes, ok := mapping["*"]; ok && len(codes) > 0 {
		return slices.Clone(codes)
	}
	for _, rule := range DefaultScopeRules {
		if rule.Pattern == scope {
			return slices.Clone(rule.Channels)
		}
		if ok, err := path.Match(rule.Pattern, scope); err == nil && ok {
			return slices.Clone(rule.Channels)
		}
	}
	return nil
}

func filterScopes(raw any) (map[string]bool, error) {
	if raw == nil {
		return nil, nil
	}
	switch t := raw.(type) {
	case map[string]bool:
		return t, nil
	default:
		tags, err := NormalizeScopes(raw)
		if err != nil {
			return nil, err
		}
		out := make(map[string]bool, len(tags))
		for _, tag := range tags {
			out[tag] = true
		}
		return out, nil
	}
}

// NormalizeScopes accepts a comma-separated string or a string slice and
// returns trimmed, deduplicated tags.
func NormalizeScopes(raw any) ([]string, error) {
	tokens, err := stringTokens(raw, "scopes")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, token := range tokens {
		if token != "" && !slices.Contains(out, token) {
			out = append(out, token)
		}
	}
	return out, nil
}

// NormalizeChannelList accepts a comma-separated string or a string slice
// and returns trimmed, deduplicated, validated uppercase channel codes.
func NormalizeChannelList(raw any) ([]string, error) {
	tokens, err := stringTokens(raw, "channels")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, token := range tokens {
		code, err := ValidateChannelCode(token)
		if err != nil {
			return nil, err
		}
		if code != "" && !slices.Contains(out, code) {
			out = append(out, code)
		}
	}
	return out, nil
}

// NormalizeScopeChannels accepts a map of scope to channel list (values as
// strings or slices) and returns the normalized form.
func NormalizeScopeChannels(raw any) (map[string][]string, error) {
	if raw == nil {
		return map[string][]string{}, nil
	}
	out := map[string][]string{}
	switch t := raw.(type) {
	case map[string][]string:
		for scopeName, codes := range t {
			normalized, err := normalizeScopeChannelEntry(scopeName, codes)
			if err != nil {
				return nil, err
			}
			out[strings.TrimSpace(scopeName)] = normalized
		}
	case map[string]any:
		for scopeName, codes := range t {
			normalized, err := normalizeScopeChannelEntry(scopeName, codes)
			if err != nil {
				return nil, err
			}
			out[strings.TrimSpace(scopeName)] = normalized
		}
	default:
		return nil, fmt.Errorf("%w: scope_channels must be a map of scope to channels, got %T",
			smartroute.ErrValidation, raw)
	}
	return out, nil
}

func normalizeScopeChannelEntry(scopeName string, codes any) ([]string, error) {
	if strings.TrimSpace(scopeName) == "" {
		return nil, fmt.Errorf("%w: scope name cannot be empty in scope_channels", smartroute.ErrValidation)
	}
	return NormalizeChannelList(codes)
}

// ValidateChannelCode trims a channel code and rejects anything that is not
// already uppercase. Empty input yields an empty code without error.
func ValidateChannelCode(code string) (string, error) {
	normalized := strings.TrimSpace(code)
	if normalized == "" {
		return "", nil
	}
	if normalized != strings.ToUpper(normalized) {
		return "", fmt.Errorf("%w: channel code %q must be uppercase (e.g. CLI, SYS_HTTP)",
			smartroute.ErrInvalidTarget, normalized)
	}
	return normalized, nil
}

func stringTokens(raw any, what string) ([]string, error) {
	switch t := raw.(type) {
	case nil:
		return nil, nil
	case string:
		parts := strings.Split(t, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			out = append(out, strings.TrimSpace(part))
		}
		return out, nil
	case []string:
		out := make([]string, 0, len(t))
		for _, s := range t {
			out = append(out, strings.TrimSpace(s))
		}
		return out, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s must contain strings, got %T", smartroute.ErrValidation, what, item)
			}
			out = append(out, strings.TrimSpace(s))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s must be a string or a list of strings, got %T",
			smartroute.ErrValidation, what, raw)
	}
}
