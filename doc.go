// Package smartroute provides in-process method dispatch for composable
// services. An owner object declares handlers through a static marker table,
// a Router discovers and names them, and callers resolve dotted selectors
// across a tree of attached routers.
//
// Plugins extend dispatch without touching handler code: they wrap handlers
// in a middleware pipeline, vote entries in or out of filtered
// introspection, contribute metadata, and read layered per-router
// configuration. Child routers inherit their parent's plugins by reference
// at attach time, with configuration snapshotted so later parent changes
// stay local to the parent.
//
// A minimal owner:
//
//	type Orders struct {
//		smartroute.Routed
//		router *smartroute.Router
//	}
//
//	func (o *Orders) RouteMarkers() []smartroute.Marker {
//		return []smartroute.Marker{
//			{Router: "orders", Func: o.ordersList, FuncName: "ordersList", Name: "list"},
//			{Router: "orders", Func: o.ordersCreate, FuncName: "ordersCreate", Name: "create"},
//		}
//	}
//
//	o := &Orders{}
//	o.router = smartroute.MustNew(o, smartroute.WithName("orders"))
//	res, err := o.router.Call(ctx, "list")
package smartroute
