// Package logging provides the structured call-logging plugin. Each guarded
// call emits a start and an end record correlated by a short call id, with
// either side switchable per router or per handler.
package logging

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/genropy/smartroute"
)

// Code is the plugin's registry and pipeline identifier.
const Code = "logging"

func init() {
	_ = smartroute.RegisterPluginAs(Code, func() smartroute.Plugin { return New() })
}

// Plugin logs handler calls. The zero value is not usable; construct with
// New or NewWithLogger.
type Plugin struct {
	smartroute.Base
	logger *slog.Logger
}

// New builds the plugin on slog.Default.
func New() *Plugin { return NewWithLogger(slog.Default()) }

// NewWithLogger builds the plugin on an explicit logger. Routers wanting a
// dedicated sink register their own factory:
//
//	smartroute.RegisterPluginAs("audit_log", func() smartroute.Plugin {
//		return logging.NewWithLogger(auditLogger)
//	})
func NewWithLogger(l *slog.Logger) *Plugin {
	if l == nil {
		l = slog.Default()
	}
	return &Plugin{
		Base:   smartroute.NewBase(Code, "logs handler calls with timing", "before", "after"),
		logger: l,
	}
}

// DefaultConfig enables both the start and the end record.
func (p *Plugin) DefaultConfig() map[string]any {
	return map[string]any{"before": true, "after": true}
}

// WrapHandler emits the start record, times the call, and emits the end
// record with the outcome. Configuration is read per call so configure
// writes take effect immediately.
func (p *Plugin) WrapHandler(r *smartroute.Router, e *smartroute.Entry, next smartroute.HandlerFunc) smartroute.HandlerFunc {
	router, handler := r.Name(), e.Name
	return func(ctx context.Context, args ...any) (any, error) {
		cfg, err := r.PluginConfiguration(Code, handler)
		if err != nil {
			return next(ctx, args...)
		}
		callID := uuid.NewString()[:8]
		if boolOpt(cfg, "before", true) {
			p.logger.LogAttrs(ctx, slog.LevelInfo, "handler call",
				slog.String("router", router),
				slog.String("handler", handler),
				slog.String("call", callID),
				slog.Int("args", len(args)),
			)
		}
		start := time.Now()
		res, callErr := next(ctx, args...)
		if boolOpt(cfg, "after", true) {
			level := slog.LevelInfo
			attrs := []slog.Attr{
				slog.String("router", router),
				slog.String("handler", handler),
				slog.String("call", callID),
				slog.Duration("elapsed", time.Since(start)),
			}
			if callErr != nil {
				level = slog.LevelError
				attrs = append(attrs, slog.String("error", callErr.Error()))
			}
			p.logger.LogAttrs(ctx, level, "handler done", attrs...)
		}
		return res, callErr
	}
}

func boolOpt(cfg map[string]any, key string, def bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return def
}
