// Package hasync keeps a local, always-current view of Home Assistant
// entities over a single WebSocket connection.
//
// A Client owns the connection state machine, the entity store and the
// credential refresh scheduler:
//
//	cfg, _ := config.LoadAndValidate("hasync.yaml")
//	c, _ := hasync.New(cfg)
//	c.Start(ctx)
//	defer c.Stop(ctx)
//
//	unwatch := c.Watch("light.kitchen", func(st model.EntityState) {
//		fmt.Println(st.State)
//	})
//	defer unwatch()
//
// Watchers receive every new snapshot. Connection loss keeps the cache and
// the watch list; reconnecting refetches and resubscribes automatically.
package hasync
