package smartroute_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/genropy/smartroute"
)

// recorderPlugin appends pipeline events to a shared sink so tests can
// observe ordering and activation.
type recorderPlugin struct {
	smartroute.Base
	mu     sync.Mutex
	events *[]string
}

func newRecorder(code string, events *[]string) smartroute.PluginFactory {
	return func() smartroute.Plugin {
		return &recorderPlugin{
			Base:   smartroute.NewBase(code, "records pipeline events"),
			events: events,
		}
	}
}

func (p *recorderPlugin) record(event string) {
	p.mu.Lock()
	*p.events = append(*p.events, event)
	p.mu.Unlock()
}

func (p *recorderPlugin) OnRegister(r *smartroute.Router, e *smartroute.Entry) error {
	p.record(p.Code() + ":register:" + e.Name)
	return nil
}

func (p *recorderPlugin) WrapHandler(r *smartroute.Router, e *smartroute.Entry, next smartroute.HandlerFunc) smartroute.HandlerFunc {
	return func(ctx context.Context, args ...any) (any, error) {
		p.record(p.Code() + ":before:" + e.Name)
		res, err := next(ctx, args...)
		p.record(p.Code() + ":after:" + e.Name)
		return res, err
	}
}

func (p *recorderPlugin) AllowEntry(r *smartroute.Router, e *smartroute.Entry, f smartroute.Filters) (smartroute.Vote, error) {
	if hide, ok := f["hide"].(string); ok && hide == e.Name {
		return smartroute.VoteExclude, nil
	}
	return smartroute.VoteDefer, nil
}

func (p *recorderPlugin) EntryMetadata(r *smartroute.Router, e *smartroute.Entry) (map[string]any, error) {
	return map[string]any{"recorded": true}, nil
}

// keyedPlugin declares config keys so Configure validation kicks in.
type keyedPlugin struct {
	smartroute.Base
}

func newKeyed(code string) smartroute.PluginFactory {
	return func() smartroute.Plugin {
		return &keyedPlugin{Base: smartroute.NewBase(code, "keyed test plugin", "level", "trace", "mode")}
	}
}

func (p *keyedPlugin) DefaultConfig() map[string]any {
	return map[string]any{"level": 1}
}

// rejectingPlugin vetoes registration of one handler name.
type rejectingPlugin struct {
	smartroute.Base
	deny string
}

func newRejecting(code, deny string) smartroute.PluginFactory {
	return func() smartroute.Plugin {
		return &rejectingPlugin{Base: smartroute.NewBase(code, "rejects one handler"), deny: deny}
	}
}

func (p *rejectingPlugin) OnRegister(r *smartroute.Router, e *smartroute.Entry) error {
	if e.Name == p.deny {
		return errors.New("handler not welcome here")
	}
	return nil
}

func mustRegister(t *testing.T, code string, factory smartroute.PluginFactory) {
	t.Helper()
	if err := smartroute.RegisterPluginAs(code, factory); err != nil {
		t.Fatalf("RegisterPluginAs(%q): %v", code, err)
	}
}

func TestPlugUnknownPlugin(t *testing.T) {
	s := newEchoService(t)
	if err := s.router.Plug("nope_missing", nil); !errors.Is(err, smartroute.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPlugTwiceRejected(t *testing.T) {
	var events []string
	mustRegister(t, "rec_dup", newRecorder("rec_dup", &events))
	s := newEchoService(t)
	if err := s.router.Plug("rec_dup", nil); err != nil {
		t.Fatalf("Plug: %v", err)
	}
	if err := s.router.Plug("rec_dup", nil); !errors.Is(err, smartroute.ErrDuplicatePlugin) {
		t.Fatalf("err = %v, want ErrDuplicatePlugin", err)
	}
}

func TestRegistryConflict(t *testing.T) {
	var events []string
	mustRegister(t, "rec_conflict", newRecorder("rec_conflict", &events))
	// Same type under the same code is a no-op.
	if err := smartroute.RegisterPluginAs("rec_conflict", newRecorder("rec_conflict", &events)); err != nil {
		t.Fatalf("re-register same type: %v", err)
	}
	err := smartroute.RegisterPluginAs("rec_conflict", newKeyed("rec_conflict"))
	if !errors.Is(err, smartroute.ErrPluginConflict) {
		t.Fatalf("err = %v, want ErrPluginConflict", err)
	}
}

func TestPipelineOrder(t *testing.T) {
	var events []string
	mustRegister(t, "rec_first", newRecorder("rec_first", &events))
	mustRegister(t, "rec_second", newRecorder("rec_second", &events))
	s := newEchoService(t)
	if err := s.router.Plug("rec_first", nil); err != nil {
		t.Fatalf("Plug: %v", err)
	}
	if err := s.router.Plug("rec_second", nil); err != nil {
		t.Fatalf("Plug: %v", err)
	}
	events = events[:0]
	if _, err := s.router.Call(context.Background(), "ping"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	want := []string{
		"rec_first:before:ping",
		"rec_second:before:ping",
		"rec_second:after:ping",
		"rec_first:after:ping",
	}
	if !slices.Equal(events, want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
}

func TestRetroactiveOnRegister(t *testing.T) {
	var events []string
	mustRegister(t, "rec_retro", newRecorder("rec_retro", &events))
	s := newEchoService(t)
	if err := s.router.Plug("rec_retro", nil); err != nil {
		t.Fatalf("Plug: %v", err)
	}
	if !slices.Contains(events, "rec_retro:register:ping") || !slices.Contains(events, "rec_retro:register:echo") {
		t.Fatalf("existing entries not re-registered: %v", events)
	}
	e, _ := s.router.Entry("ping")
	if !e.HasPlugin("rec_retro") {
		t.Fatalf("entry pipeline codes = %v, want rec_retro", e.PluginCodes)
	}
}

func TestRuntimeDisableSkipsLayer(t *testing.T) {
	var events []string
	mustRegister(t, "rec_toggle", newRecorder("rec_toggle", &events))
	s := newEchoService(t)
	if err := s.router.Plug("rec_toggle", nil); err != nil {
		t.Fatalf("Plug: %v", err)
	}

	s.router.SetPluginEnabled("ping", "rec_toggle", false)
	events = events[:0]
	if _, err := s.router.Call(context.Background(), "ping"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("disabled layer still ran: %v", events)
	}

	// Other handlers stay wrapped.
	if _, err := s.router.Call(context.Background(), "echo"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("echo should run through the layer, events = %v", events)
	}

	// Clearing the runtime flag restores the configured state.
	s.router.ClearPluginEnabled("ping", "rec_toggle")
	events = events[:0]
	if _, err := s.router.Call(context.Background(), "ping"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("layer did not resume: %v", events)
	}
}

func TestConfiguredDisable(t *testing.T) {
	var events []string
	mustRegister(t, "rec_cfg_off", newRecorder("rec_cfg_off", &events))
	s := newEchoService(t)
	if err := s.router.Plug("rec_cfg_off", map[string]any{"enabled": false}); err != nil {
		t.Fatalf("Plug: %v", err)
	}
	events = events[:0]
	if _, err := s.router.Call(context.Background(), "ping"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("config-disabled layer still ran: %v", events)
	}
	// Runtime flag wins over configured state.
	s.router.SetPluginEnabled("ping", "rec_cfg_off", true)
	if _, err := s.router.Call(context.Background(), "ping"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("runtime enable did not win: %v", events)
	}
}

func TestFlagsOffDisablesLayer(t *testing.T) {
	var events []string
	mustRegister(t, "rec_flags_off", newRecorder("rec_flags_off", &events))
	s := newEchoService(t)
	if err := s.router.Plug("rec_flags_off", map[string]any{"flags": "enabled:off"}); err != nil {
		t.Fatalf("Plug: %v", err)
	}
	cfg, err := s.router.PluginConfiguration("rec_flags_off", "")
	if err != nil {
		t.Fatalf("PluginConfiguration: %v", err)
	}
	if cfg["enabled"] != false {
		t.Fatalf("enabled = %v (%T), want false", cfg["enabled"], cfg["enabled"])
	}
	events = events[:0]
	if _, err := s.router.Call(context.Background(), "ping"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("flag-disabled layer still ran: %v", events)
	}

	// "on" flips it back through the bound view.
	bound, err := s.router.Plugin("rec_flags_off")
	if err != nil {
		t.Fatalf("Plugin: %v", err)
	}
	if err := bound.Configure(map[string]any{"flags": "enabled:on"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if _, err := s.router.Call(context.Background(), "ping"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("re-enabled layer did not run: %v", events)
	}
}

func TestOnRegisterRejectionLeavesEntryOut(t *testing.T) {
	mustRegister(t, "rej_entry", newRejecting("rej_entry", "blocked"))
	s := newEchoService(t)
	if err := s.router.Plug("rej_entry", nil); err != nil {
		t.Fatalf("Plug: %v", err)
	}
	err := s.router.AddEntry(s.svcEcho, smartroute.WithEntryName("blocked"))
	if err == nil {
		t.Fatal("rejected registration should fail")
	}
	if s.router.Has("blocked") {
		t.Fatal("rejected handler was published anyway")
	}
}

func TestMembersConcurrentWithPlug(t *testing.T) {
	var events []string
	mustRegister(t, "rec_members_race", newRecorder("rec_members_race", &events))
	s := newEchoService(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			if _, err := s.router.Members(nil); err != nil {
				t.Errorf("Members: %v", err)
				return
			}
		}
	}()
	if err := s.router.Plug("rec_members_race", nil); err != nil {
		t.Fatalf("Plug: %v", err)
	}
	if err := s.router.AddEntry(s.svcEcho, smartroute.WithEntryName("echo_during_walk")); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	<-done
	e, _ := s.router.Entry("echo_during_walk")
	if !e.HasPlugin("rec_members_race") {
		t.Fatalf("entry pipeline codes = %v", e.PluginCodes)
	}
}

func TestPlugSeedsConfig(t *testing.T) {
	mustRegister(t, "keyed_seed", newKeyed("keyed_seed"))
	s := newEchoService(t)
	err := s.router.Plug("keyed_seed", map[string]any{
		"flags": "trace,mode:fast",
		"handlers": map[string]any{
			"ping": map[string]any{"level": 9},
		},
	})
	if err != nil {
		t.Fatalf("Plug: %v", err)
	}
	base, err := s.router.PluginConfiguration("keyed_seed", "")
	if err != nil {
		t.Fatalf("PluginConfiguration: %v", err)
	}
	if base["enabled"] != true || base["level"] != 1 || base["trace"] != true || base["mode"] != "fast" {
		t.Fatalf("base config = %v", base)
	}
	merged, err := s.router.PluginConfiguration("keyed_seed", "ping")
	if err != nil {
		t.Fatalf("PluginConfiguration: %v", err)
	}
	if merged["level"] != 9 || merged["mode"] != "fast" {
		t.Fatalf("merged config = %v", merged)
	}
}

func TestConfigureTargetsAndValidation(t *testing.T) {
	mustRegister(t, "keyed_cfg", newKeyed("keyed_cfg"))
	s := newEchoService(t)
	if err := s.router.Plug("keyed_cfg", nil); err != nil {
		t.Fatalf("Plug: %v", err)
	}
	bound, err := s.router.Plugin("keyed_cfg")
	if err != nil {
		t.Fatalf("Plugin: %v", err)
	}

	// Router-wide write.
	if err := bound.Configure(map[string]any{"mode": "slow"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if cfg := bound.Configuration(""); cfg["mode"] != "slow" {
		t.Fatalf("config = %v", cfg)
	}

	// Per-handler write through _target, comma separated.
	if err := bound.Configure(map[string]any{"_target": "ping, echo", "level": 5}); err != nil {
		t.Fatalf("Configure _target: %v", err)
	}
	if cfg := bound.Configuration("ping"); cfg["level"] != 5 || cfg["mode"] != "slow" {
		t.Fatalf("ping config = %v", cfg)
	}
	if cfg := bound.Configuration(""); cfg["level"] != 1 {
		t.Fatalf("base level changed: %v", cfg)
	}

	// Flags shorthand.
	if err := bound.Configure(map[string]any{"flags": "trace,level:3"}); err != nil {
		t.Fatalf("Configure flags: %v", err)
	}
	if cfg := bound.Configuration(""); cfg["trace"] != true || cfg["level"] != 3 {
		t.Fatalf("flags config = %v", cfg)
	}

	// Undeclared keys are rejected.
	if err := bound.Configure(map[string]any{"bogus": 1}); !errors.Is(err, smartroute.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	// Empty writes are rejected.
	if err := bound.Configure(nil); !errors.Is(err, smartroute.ErrInvalidTarget) {
		t.Fatalf("err = %v, want ErrInvalidTarget", err)
	}
	// "enabled" is always accepted.
	if err := bound.Configure(map[string]any{"enabled": false}); err != nil {
		t.Fatalf("Configure enabled: %v", err)
	}
	if bound.IsEnabled("ping") {
		t.Fatal("plugin should report disabled")
	}
}

func TestEntryOptionsRouteToPlugins(t *testing.T) {
	mustRegister(t, "keyed_opts", newKeyed("keyed_opts"))
	s := newEchoService(t)
	if err := s.router.Plug("keyed_opts", nil); err != nil {
		t.Fatalf("Plug: %v", err)
	}
	err := s.router.AddEntry(s.svcEcho,
		smartroute.WithEntryName("echo2"),
		smartroute.WithOptions(map[string]any{
			"keyed_opts_level": 7,
			"keyed_opts_flags": "trace",
			"color":            "red",
		}))
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	cfg, err := s.router.PluginConfiguration("keyed_opts", "echo2")
	if err != nil {
		t.Fatalf("PluginConfiguration: %v", err)
	}
	if cfg["level"] != 7 || cfg["trace"] != true {
		t.Fatalf("routed options missing: %v", cfg)
	}
	e, _ := s.router.Entry("echo2")
	if e.Metadata["color"] != "red" {
		t.Fatalf("plain option should land in metadata: %v", e.Metadata)
	}
	if _, ok := e.Metadata["keyed_opts_level"]; ok {
		t.Fatal("plugin option leaked into metadata")
	}
}

func TestEntryOptionsAppliedWhenPluginArrivesLater(t *testing.T) {
	mustRegister(t, "keyed_late", newKeyed("keyed_late"))
	s := newEchoService(t)
	err := s.router.AddEntry(s.svcEcho,
		smartroute.WithEntryName("echo3"),
		smartroute.WithOptions(map[string]any{"keyed_late_level": 4}))
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := s.router.Plug("keyed_late", nil); err != nil {
		t.Fatalf("Plug: %v", err)
	}
	cfg, err := s.router.PluginConfiguration("keyed_late", "echo3")
	if err != nil {
		t.Fatalf("PluginConfiguration: %v", err)
	}
	if cfg["level"] != 4 {
		t.Fatalf("late-plugged options missing: %v", cfg)
	}
}

func TestRuntimeData(t *testing.T) {
	mustRegister(t, "keyed_runtime", newKeyed("keyed_runtime"))
	s := newEchoService(t)
	if err := s.router.Plug("keyed_runtime", nil); err != nil {
		t.Fatalf("Plug: %v", err)
	}
	s.router.SetRuntimeData("keyed_runtime", "ping", "count", 3)
	v, ok := s.router.RuntimeData("keyed_runtime", "ping", "count")
	if !ok || v != 3 {
		t.Fatalf("RuntimeData = %v, %v", v, ok)
	}
	// Locals never leak into merged config.
	cfg, err := s.router.PluginConfiguration("keyed_runtime", "ping")
	if err != nil {
		t.Fatalf("PluginConfiguration: %v", err)
	}
	if _, leaked := cfg["count"]; leaked {
		t.Fatalf("runtime data leaked into config: %v", cfg)
	}
}

func TestPluginAccessors(t *testing.T) {
	mustRegister(t, "keyed_acc", newKeyed("keyed_acc"))
	s := newEchoService(t)
	if _, err := s.router.Plugin("keyed_acc"); !errors.Is(err, smartroute.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound before plug", err)
	}
	if err := s.router.Plug("keyed_acc", nil); err != nil {
		t.Fatalf("Plug: %v", err)
	}
	if !s.router.HasPlugin("keyed_acc") {
		t.Fatal("HasPlugin = false")
	}
	bounds := s.router.Plugins()
	if len(bounds) != 1 || bounds[0].Code() != "keyed_acc" {
		t.Fatalf("Plugins() = %v", bounds)
	}
	if bounds[0].Description() == "" {
		t.Fatal("empty description")
	}
}
