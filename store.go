package smartroute

import (
	"maps"
	"strconv"
	"strings"
)

// AllHandlers is the configure target meaning "the router-wide bucket".
const AllHandlers = "_all_"

// baseScope is the bucket scope holding router-wide plugin settings.
// Per-handler scopes overlay it key by key.
const baseScope = "--base--"

// scope is one configuration layer: persisted options plus runtime locals
// that never leak into merged views.
type scope struct {
	config map[string]any
	locals map[string]any
}

func newScope() *scope {
	return &scope{config: map[string]any{}, locals: map[string]any{}}
}

// configStore keeps per-plugin buckets of layered scopes. It is not
// goroutine safe; the owning router's mutex guards all access.
type configStore struct {
	buckets map[string]map[string]*scope
}

func newConfigStore() *configStore {
	return &configStore{buckets: map[string]map[string]*scope{}}
}

func (s *configStore) bucket(code string) map[string]*scope {
	b, ok := s.buckets[code]
	if !ok {
		b = map[string]*scope{baseScope: newScope()}
		s.buckets[code] = b
	} else if _, ok := b[baseScope]; !ok {
		b[baseScope] = newScope()
	}
	return b
}

func (s *configStore) scopeFor(code, name string) *scope {
	b := s.bucket(code)
	sc, ok := b[name]
	if !ok {
		sc = newScope()
		b[name] = sc
	}
	return sc
}

func (s *configStore) setBase(code string, opts map[string]any) {
	maps.Copy(s.scopeFor(code, baseScope).config, opts)
}

func (s *configStore) setHandler(code, handler string, opts map[string]any) {
	maps.Copy(s.scopeFor(code, handler).config, opts)
}

// merged returns base config overlaid with handler overrides. handler may be
// empty for the base view alone. The result is a fresh map; the store is not
// mutated, so this is safe under a read lock.
func (s *configStore) merged(code, handler string) map[string]any {
	out := map[string]any{}
	b, ok := s.buckets[code]
	if !ok {
		return out
	}
	if base, ok := b[baseScope]; ok {
		maps.Copy(out, base.config)
	}
	if handler != "" && handler != baseScope {
		if sc, ok := b[handler]; ok {
			maps.Copy(out, sc.config)
		}
	}
	return out
}

// handlerOnly returns just the per-handler override scope, without the base
// layer. Read-only.
func (s *configStore) handlerOnly(code, handler string) map[string]any {
	b, ok := s.buckets[code]
	if !ok {
		return map[string]any{}
	}
	sc, ok := b[handler]
	if !ok {
		return map[string]any{}
	}
	return maps.Clone(sc.config)
}

func (s *configStore) setLocal(code, scopeName, key string, value any) {
	if scopeName == "" {
		scopeName = baseScope
	}
	s.scopeFor(code, scopeName).locals[key] = value
}

func (s *configStore) local(code, scopeName, key string) (any, bool) {
	if scopeName == "" {
		scopeName = baseScope
	}
	b, ok := s.buckets[code]
	if !ok {
		return nil, false
	}
	sc, ok := b[scopeName]
	if !ok {
		return nil, false
	}
	v, ok := sc.locals[key]
	return v, ok
}

// cloneBucket snapshots the persisted config of one plugin's bucket. Locals
// are not carried; each router owns its runtime state. An absent bucket
// yields a base scope with enabled set, so inheritors start active.
func (s *configStore) cloneBucket(code string) map[string]map[string]any {
	out := map[string]map[string]any{}
	b, ok := s.buckets[code]
	if !ok || len(b) == 0 {
		out[baseScope] = map[string]any{"enabled": true}
		return out
	}
	for name, sc := range b {
		out[name] = maps.Clone(sc.config)
	}
	if _, ok := out[baseScope]; !ok {
		out[baseScope] = map[string]any{"enabled": true}
	}
	return out
}

func (s *configStore) adoptBucket(code string, snapshot map[string]map[string]any) {
	for name, cfg := range snapshot {
		maps.Copy(s.scopeFor(code, name).config, cfg)
	}
}

func (s *configStore) handlerScopes(code string) []string {
	var names []string
	for name := range s.buckets[code] {
		if name != baseScope {
			names = append(names, name)
		}
	}
	return names
}

// parseFlags expands the "flags" shorthand: a comma-separated list of "key"
// and "key:value" tokens. Bare keys become true; "on"/"off" and
// "true"/"false" become booleans, numbers become int or float, anything else
// stays a string.
func parseFlags(flags string) map[string]any {
	out := map[string]any{}
	for _, token := range strings.Split(flags, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		key, raw, found := strings.Cut(token, ":")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if !found {
			out[key] = true
			continue
		}
		out[key] = coerceScalar(strings.TrimSpace(raw))
	}
	return out
}

func coerceScalar(raw string) any {
	switch strings.ToLower(raw) {
	case "true", "on":
		return true
	case "false", "off":
		return false
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}
