// Command smartroute is a demo shell around a small routed service tree: an
// app owning an orders and an inventory service. It exercises dispatch,
// plugin configuration, filtered introspection, config files and the
// Prometheus metrics endpoint.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/genropy/smartroute"
	"github.com/genropy/smartroute/configload"
	_ "github.com/genropy/smartroute/plugins/logging"
	_ "github.com/genropy/smartroute/plugins/promstats"
	"github.com/genropy/smartroute/plugins/schema"
	_ "github.com/genropy/smartroute/plugins/scope"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	app, err := newApp()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	root := &cobra.Command{
		Use:           "smartroute",
		Short:         "Explore a routed service tree",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newTreeCmd(app),
		newCallCmd(app),
		newPluginsCmd(app),
		newConfigureCmd(app),
		newApplyCmd(app),
		newServeCmd(),
	)
	return root
}

func newTreeCmd(app *App) *cobra.Command {
	var scopes, channel string
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Print the router tree, optionally filtered by scope or channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			filters := smartroute.Filters{}
			if scopes != "" {
				filters["scopes"] = scopes
			}
			if channel != "" {
				filters["channel"] = channel
			}
			node, err := app.api.Members(filters)
			if err != nil {
				return err
			}
			printNode(cmd, node, 0)
			return nil
		},
	}
	cmd.Flags().StringVar(&scopes, "scope", "", "comma-separated scope tags")
	cmd.Flags().StringVar(&channel, "channel", "", "channel code (e.g. HTTP)")
	return cmd
}

func printNode(cmd *cobra.Command, node *smartroute.Node, depth int) {
	indent := strings.Repeat("  ", depth)
	cmd.Printf("%s%s/\n", indent, node.Name)
	for _, name := range node.EntryNames() {
		info := node.Entries[name]
		cmd.Printf("%s  %s", indent, name)
		if scopeMeta, ok := info.PluginMeta["scope"]; ok {
			if data, err := json.Marshal(scopeMeta["scope"]); err == nil {
				cmd.Printf("  %s", data)
			}
		}
		cmd.Println()
	}
	aliases := make([]string, 0, len(node.Routers))
	for alias := range node.Routers {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		printNode(cmd, node.Routers[alias], depth+1)
	}
}

func newCallCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "call <selector> [args...]",
		Short: "Invoke a handler through the root router",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			callArgs := make([]any, 0, len(args)-1)
			for _, raw := range args[1:] {
				callArgs = append(callArgs, coerceArg(raw))
			}
			res, err := app.api.Call(context.Background(), args[0], callArgs...)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(data))
			return nil
		},
	}
}

func newPluginsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List registered plugins and their per-router state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Printf("registered: %s\n", strings.Join(smartroute.AvailablePlugins(), ", "))
			for name, router := range app.RegisteredRouters() {
				for _, bound := range router.Plugins() {
					cfg, err := json.Marshal(bound.Configuration(""))
					if err != nil {
						return err
					}
					cmd.Printf("%s: %s  %s\n", name, bound.Code(), cfg)
				}
			}
			return nil
		},
	}
}

func newConfigureCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "configure <target> [key=value...]",
		Short: "Apply a configure expression (\"?\" dumps the tree)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			options := map[string]any{}
			for _, pair := range args[1:] {
				key, value, found := strings.Cut(pair, "=")
				if !found {
					return fmt.Errorf("option %q is not key=value", pair)
				}
				options[key] = coerceArg(value)
			}
			res, err := app.Configure(args[0], options)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(data))
			return nil
		},
	}
}

func newApplyCmd(app *App) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "apply <file>",
		Short: "Apply a TOML or YAML configure file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !watch {
				return configload.LoadAndApply(app, args[0])
			}
			w, err := configload.NewWatcher(args[0], app)
			if err != nil {
				return err
			}
			if err := w.Start(); err != nil {
				return err
			}
			defer w.Stop()
			cmd.Printf("watching %s, ctrl-c to stop\n", args[0])
			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep watching the file and re-apply on change")
	return cmd
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose the Prometheus metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			cmd.Printf("metrics on %s/metrics\n", addr)
			return http.ListenAndServe(addr, mux)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9100", "listen address")
	return cmd
}

func coerceArg(raw string) any {
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
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

// App is the demo service tree: an api root router with orders and
// inventory services attached.
type App struct {
	smartroute.Routed
	api       *smartroute.Router
	orders    *Orders
	inventory *Inventory
}

func newApp() (*App, error) {
	app := &App{}
	api, err := smartroute.New(app, smartroute.WithName("api"))
	if err != nil {
		return nil, err
	}
	app.api = api
	for _, code := range []string{"logging", "scope", "schema", "promstats"} {
		if err := api.Plug(code, nil); err != nil {
			return nil, err
		}
	}
	app.orders, err = newOrders()
	if err != nil {
		return nil, err
	}
	if err := api.AttachInstance(app.orders, "orders:orders"); err != nil {
		return nil, err
	}
	app.inventory, err = newInventory()
	if err != nil {
		return nil, err
	}
	if err := api.AttachInstance(app.inventory, "inventory:stock"); err != nil {
		return nil, err
	}
	return app, nil
}

// Orders is a toy order book.
type Orders struct {
	smartroute.Routed
	router *smartroute.Router
	items  []map[string]any
}

func newOrders() (*Orders, error) {
	o := &Orders{}
	router, err := smartroute.New(o, smartroute.WithName("orders"))
	if err != nil {
		return nil, err
	}
	o.router = router
	err = router.AddEntry(o.create, smartroute.WithEntryName("create"),
		smartroute.WithMetadata(map[string]any{"scopes": "public"}),
		smartroute.WithOptions(map[string]any{
			"schema_params": []schema.Param{
				{Name: "sku", Type: "string", Required: true},
				{Name: "quantity", Type: "int", Required: true},
			},
		}))
	if err != nil {
		return nil, err
	}
	return o, err
}

func (o *Orders) RouteMarkers() []smartroute.Marker {
	return []smartroute.Marker{
		{
			Router: "orders", Func: o.list, FuncName: "list",
			Metadata: map[string]any{"scopes": "public"},
		},
		{
			Router: "orders", Func: o.purge, FuncName: "purge",
			Metadata: map[string]any{"scopes": "internal"},
		},
	}
}

func (o *Orders) list(ctx context.Context, args ...any) (any, error) {
	return o.items, nil
}

func (o *Orders) create(ctx context.Context, args ...any) (any, error) {
	item := map[string]any{"sku": args[0], "quantity": args[1]}
	o.items = append(o.items, item)
	return item, nil
}

func (o *Orders) purge(ctx context.Context, args ...any) (any, error) {
	n := len(o.items)
	o.items = nil
	return n, nil
}

// Inventory is a toy stock ledger.
type Inventory struct {
	smartroute.Routed
	router *smartroute.Router
	levels map[string]int
}

func newInventory() (*Inventory, error) {
	inv := &Inventory{levels: map[string]int{"widget": 40, "gadget": 7}}
	router, err := smartroute.New(inv, smartroute.WithName("inventory"))
	if err != nil {
		return nil, err
	}
	inv.router = router
	return inv, nil
}

func (inv *Inventory) RouteMarkers() []smartroute.Marker {
	return []smartroute.Marker{
		{
			Router: "inventory", Func: inv.levelsHandler, FuncName: "levelsHandler", Name: "levels",
			Metadata: map[string]any{"scopes": "public"},
		},
		{
			Router: "inventory", Func: inv.restock, FuncName: "restock",
			Metadata: map[string]any{"scopes": "internal"},
		},
	}
}

func (inv *Inventory) levelsHandler(ctx context.Context, args ...any) (any, error) {
	return inv.levels, nil
}

func (inv *Inventory) restock(ctx context.Context, args ...any) (any, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("restock needs sku and amount")
	}
	sku, _ := args[0].(string)
	amount, _ := args[1].(int)
	inv.levels[sku] += amount
	return inv.levels[sku], nil
}
