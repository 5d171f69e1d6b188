// Package schema provides the argument validation plugin. Handlers declare
// positional parameters, and the pipeline layer rejects calls with the wrong
// arity or mistyped arguments before the handler runs.
package schema

import (
	"context"
	"fmt"

	"github.com/genropy/smartroute"
)

// Code is the plugin's registry and pipeline identifier.
const Code = "schema"

// Param declares one positional handler parameter.
type Param struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // string, int, float, bool, map, list, any
	Required bool   `json:"required"`
}

func init() {
	_ = smartroute.RegisterPluginAs(Code, func() smartroute.Plugin { return New() })
}

// Plugin validates handler arguments against declared parameters. Handlers
// declare them at registration:
//
//	r.AddEntry(h, smartroute.WithOptions(map[string]any{
//		"schema_params": []schema.Param{{Name: "id", Type: "string", Required: true}},
//	}))
//
// or later through configure with a "params" option. Handlers without
// declared parameters pass through untouched.
type Plugin struct {
	smartroute.Base
}

// New builds the schema plugin.
func New() *Plugin {
	return &Plugin{
		Base: smartroute.NewBase(Code, "validates handler arguments", "params", "variadic"),
	}
}

// WrapHandler checks arity and argument types per call, so configure writes
// take effect immediately.
func (p *Plugin) WrapHandler(r *smartroute.Router, e *smartroute.Entry, next smartroute.HandlerFunc) smartroute.HandlerFunc {
	handler := e.Name
	return func(ctx context.Context, args ...any) (any, error) {
		cfg, err := r.PluginConfiguration(Code, handler)
		if err != nil {
			return next(ctx, args...)
		}
		params, err := paramsFrom(cfg["params"])
		if err != nil {
			return nil, fmt.Errorf("smartroute: handler %q: %w", handler, err)
		}
		if len(params) == 0 {
			return next(ctx, args...)
		}
		variadic, _ := cfg["variadic"].(bool)
		required := 0
		for _, param := range params {
			if param.Required {
				required++
			}
		}
		if len(args) < required {
			return nil, fmt.Errorf("%w: handler %q needs %d arguments, got %d",
				smartroute.ErrValidation, handler, required, len(args))
		}
		if !variadic && len(args) > len(params) {
			return nil, fmt.Errorf("%w: handler %q takes at most %d arguments, got %d",
				smartroute.ErrValidation, handler, len(params), len(args))
		}
		for i, arg := range args {
			if i >= len(params) {
				break
			}
			if !typeMatches(arg, params[i].Type) {
				return nil, fmt.Errorf("%w: handler %q argument %q must be %s, got %T",
					smartroute.ErrValidation, handler, params[i].Name, params[i].Type, arg)
			}
		}
		return next(ctx, args...)
	}
}

// EntryMetadata exposes the declared parameters in introspection records.
func (p *Plugin) EntryMetadata(r *smartroute.Router, e *smartroute.Entry) (map[string]any, error) {
	cfg, err := r.PluginConfiguration(Code, e.Name)
	if err != nil {
		return nil, nil
	}
	params, err := paramsFrom(cfg["params"])
	if err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return nil, nil
	}
	described := map[string]any{}
	for _, param := range params {
		described[param.Name] = map[string]any{
			"type":     param.Type,
			"required": param.Required,
		}
	}
	return map[string]any{"parameters": described}, nil
}

// paramsFrom decodes the "params" option: []Param directly, or the generic
// map shapes produced by config file loaders.
func paramsFrom(raw any) ([]Param, error) {
	switch t := raw.(type) {
	case nil:
		return nil, nil
	case []Param:
		return t, nil
	case []map[string]any:
		out := make([]Param, 0, len(t))
		for _, m := range t {
			param, err := paramFromMap(m)
			if err != nil {
				return nil, err
			}
			out = append(out, param)
		}
		return out, nil
	case []any:
		out := make([]Param, 0, len(t))
		for _, item := range t {
			switch v := item.(type) {
			case Param:
				out = append(out, v)
			case map[string]any:
				param, err := paramFromMap(v)
				if err != nil {
					return nil, err
				}
				out = append(out, param)
			default:
				return nil, fmt.Errorf("%w: params entries must be maps, got %T", smartroute.ErrValidation, item)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: params must be a list, got %T", smartroute.ErrValidation, raw)
	}
}

func paramFromMap(m map[string]any) (Param, error) {
	name, _ := m["name"].(string)
	if name == "" {
		return Param{}, fmt.Errorf("%w: params entries need a name", smartroute.ErrValidation)
	}
	typ, _ := m["type"].(string)
	if typ == "" {
		typ = "any"
	}
	required, _ := m["required"].(bool)
	return Param{Name: name, Type: typ, Required: required}, nil
}

func typeMatches(arg any, typ string) bool {
	if arg == nil {
		return true
	}
	switch typ {
	case "", "any":
		return true
	case "string":
		_, ok := arg.(string)
		return ok
	case "int":
		switch arg.(type) {
		case int, int8, int16, int32, int64:
			return true
		}
		return false
	case "float":
		switch arg.(type) {
		case float32, float64, int, int64:
			return true
		}
		return false
	case "bool":
		_, ok := arg.(bool)
		return ok
	case "map":
		_, ok := arg.(map[string]any)
		return ok
	case "list":
		_, ok := arg.([]any)
		return ok
	default:
		return true
	}
}
