package smartroute_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/genropy/smartroute"
)

type echoService struct {
	smartroute.Routed
	router *smartroute.Router
	calls  []string
}

func (s *echoService) RouteMarkers() []smartroute.Marker {
	return []smartroute.Marker{
		{Router: "svc", Func: s.svcPing, FuncName: "svc_ping"},
		{Router: "svc", Func: s.svcEcho, FuncName: "svc_echo", Metadata: map[string]any{"kind": "echo"}},
		{Router: "other", Func: s.svcHidden, FuncName: "svc_hidden"},
	}
}

func (s *echoService) svcPing(ctx context.Context, args ...any) (any, error) {
	s.calls = append(s.calls, "ping")
	return "pong", nil
}

func (s *echoService) svcEcho(ctx context.Context, args ...any) (any, error) {
	return args, nil
}

func (s *echoService) svcHidden(ctx context.Context, args ...any) (any, error) {
	return "hidden", nil
}

func newEchoService(t *testing.T, opts ...smartroute.Option) *echoService {
	t.Helper()
	s := &echoService{}
	opts = append([]smartroute.Option{smartroute.WithName("svc")}, opts...)
	router, err := smartroute.New(s, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.router = router
	return s
}

func TestNewRequiresOwner(t *testing.T) {
	if _, err := smartroute.New(nil); !errors.Is(err, smartroute.ErrMissingOwner) {
		t.Fatalf("err = %v, want ErrMissingOwner", err)
	}
}

func TestDiscoverMarkedHandlers(t *testing.T) {
	s := newEchoService(t)
	want := []string{"echo", "ping"}
	if got := s.router.Entries(); !slices.Equal(got, want) {
		t.Fatalf("Entries() = %v, want %v", got, want)
	}
	res, err := s.router.Call(context.Background(), "ping")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res != "pong" {
		t.Fatalf("Call = %v, want pong", res)
	}
	e, ok := s.router.Entry("echo")
	if !ok {
		t.Fatal("entry echo missing")
	}
	if e.Metadata["kind"] != "echo" {
		t.Fatalf("metadata = %v, want kind=echo", e.Metadata)
	}
}

func TestDiscoveryIgnoresOtherRouters(t *testing.T) {
	s := newEchoService(t)
	if s.router.Has("hidden") {
		t.Fatal("marker for another router was registered")
	}
}

func TestWithoutDiscovery(t *testing.T) {
	s := &echoService{}
	router, err := smartroute.New(s, smartroute.WithName("svc"), smartroute.WithoutDiscovery())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := router.Entries(); len(got) != 0 {
		t.Fatalf("Entries() = %v, want none", got)
	}
	if err := router.AddEntry(smartroute.Wildcard); err != nil {
		t.Fatalf("AddEntry wildcard: %v", err)
	}
	if !router.Has("ping") || !router.Has("echo") {
		t.Fatalf("wildcard scan missed handlers: %v", router.Entries())
	}
}

func TestRoutedRegistry(t *testing.T) {
	s := newEchoService(t)
	routers := s.RegisteredRouters()
	if routers["svc"] != s.router {
		t.Fatalf("RegisteredRouters() = %v, want svc entry", routers)
	}
}

func TestAddEntryDuplicateName(t *testing.T) {
	s := newEchoService(t)
	err := s.router.AddEntry(s.svcPing, smartroute.WithEntryName("ping"))
	if !errors.Is(err, smartroute.ErrNameCollision) {
		t.Fatalf("err = %v, want ErrNameCollision", err)
	}
	if err := s.router.AddEntry(s.svcEcho, smartroute.WithEntryName("ping"), smartroute.WithReplace()); err != nil {
		t.Fatalf("AddEntry with replace: %v", err)
	}
	res, err := s.router.Call(context.Background(), "ping", 1, 2)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if args, ok := res.([]any); !ok || len(args) != 2 {
		t.Fatalf("replaced handler not active, got %v", res)
	}
}

func TestAddEntryNamedString(t *testing.T) {
	s := &echoService{}
	router, err := smartroute.New(s, smartroute.WithName("svc"), smartroute.WithoutDiscovery())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := router.AddEntry("svc_ping"); err != nil {
		t.Fatalf("AddEntry by name: %v", err)
	}
	if !router.Has("ping") {
		t.Fatalf("entries = %v, want ping", router.Entries())
	}
	if err := router.AddEntry("no_such_handler"); !errors.Is(err, smartroute.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAddEntryCommaList(t *testing.T) {
	s := &echoService{}
	router, err := smartroute.New(s, smartroute.WithName("svc"), smartroute.WithoutDiscovery())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := router.AddEntry("svc_ping, svc_echo"); err != nil {
		t.Fatalf("AddEntry comma list: %v", err)
	}
	want := []string{"echo", "ping"}
	if got := router.Entries(); !slices.Equal(got, want) {
		t.Fatalf("Entries() = %v, want %v", got, want)
	}
}

func TestAddEntryBlankIsNoop(t *testing.T) {
	s := newEchoService(t)
	before := s.router.Entries()
	for _, target := range []any{"", "   ", []string{"", " "}, ", ,"} {
		if err := s.router.AddEntry(target); err != nil {
			t.Fatalf("AddEntry(%q): %v", target, err)
		}
	}
	if got := s.router.Entries(); !slices.Equal(got, before) {
		t.Fatalf("Entries() = %v, want unchanged %v", got, before)
	}
}

func TestAddEntryUnsupportedTarget(t *testing.T) {
	s := newEchoService(t)
	if err := s.router.AddEntry(42); !errors.Is(err, smartroute.ErrInvalidTarget) {
		t.Fatalf("err = %v, want ErrInvalidTarget", err)
	}
	if err := s.router.AddEntry(nil); !errors.Is(err, smartroute.ErrInvalidTarget) {
		t.Fatalf("err = %v, want ErrInvalidTarget", err)
	}
}

func TestAddEntryDerivedMethodName(t *testing.T) {
	s := &echoService{}
	router, err := smartroute.New(s, smartroute.WithName("svc"), smartroute.WithoutDiscovery())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := router.AddEntry(s.svcPing); err != nil {
		t.Fatalf("AddEntry method value: %v", err)
	}
	// Method names are not prefix-shaped, so the declared name survives.
	if !router.Has("svcPing") {
		t.Fatalf("entries = %v, want svcPing", router.Entries())
	}
}

func TestGetNotFound(t *testing.T) {
	s := newEchoService(t)
	_, err := s.router.Get("missing")
	if !errors.Is(err, smartroute.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetDefaultHandler(t *testing.T) {
	fallback := func(ctx context.Context, args ...any) (any, error) { return "fallback", nil }
	s := &echoService{}
	router, err := smartroute.New(s, smartroute.WithName("svc"), smartroute.WithDefaultHandler(fallback))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := router.Call(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res != "fallback" {
		t.Fatalf("Call = %v, want fallback", res)
	}

	// A per-call default overrides the router's.
	override := func(ctx context.Context, args ...any) (any, error) { return "override", nil }
	h, err := router.Get("missing", smartroute.WithDefault(override))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res, _ := h(context.Background()); res != "override" {
		t.Fatalf("override default = %v", res)
	}

	// An explicit nil default disables the fallback.
	if _, err := router.Get("missing", smartroute.WithDefault(nil)); !errors.Is(err, smartroute.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAsyncLookup(t *testing.T) {
	smartroute.RegisterAsyncAdapter(func(next smartroute.HandlerFunc) smartroute.HandlerFunc {
		return func(ctx context.Context, args ...any) (any, error) {
			res, err := next(ctx, args...)
			if err != nil {
				return nil, err
			}
			return map[string]any{"async": res}, nil
		}
	})
	defer smartroute.RegisterAsyncAdapter(nil)

	s := newEchoService(t)
	h, err := s.router.Get("ping", smartroute.WithAsync(true))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	res, err := h(context.Background())
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	wrapped, ok := res.(map[string]any)
	if !ok || wrapped["async"] != "pong" {
		t.Fatalf("async result = %v", res)
	}
}

func TestAsyncLookupWithoutAdapter(t *testing.T) {
	smartroute.RegisterAsyncAdapter(nil)
	s := newEchoService(t)
	if _, err := s.router.Get("ping", smartroute.WithAsync(true)); !errors.Is(err, smartroute.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMergeMarkers(t *testing.T) {
	base := []smartroute.Marker{
		{Router: "svc", FuncName: "svc_ping"},
		{Router: "svc", FuncName: "svc_echo"},
	}
	override := []smartroute.Marker{
		{Router: "svc", FuncName: "svc_ping", Name: "ping2"},
	}
	merged := smartroute.MergeMarkers(base, override)
	if len(merged) != 2 {
		t.Fatalf("len = %d, want 2", len(merged))
	}
	if merged[0].Name != "ping2" {
		t.Fatalf("override did not replace in place: %+v", merged[0])
	}
}
