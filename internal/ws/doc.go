// Package ws streams compositor updates and embedder events to WebSocket
// clients and relays prompt answers back to content.
//
// The Hub implements the orchestrator's Compositor and Embedder sinks. Sends
// from the orchestrator never block: every client has a bounded queue and a
// client that falls behind is disconnected.
//
// Message Types (Server → Client), one JSON frame each:
//   - set_frame_tree, crash_reported, remove_frame_tree
//   - load_started, load_completed, title_updated, history_changed
//   - navigation_failed, hang_reported, top_level_closed
//   - prompt_requested: carries a prompt id to answer
//   - pong, error
//
// Message Types (Client → Server):
//   - ping: Keep-alive ping
//   - prompt_reply: Answer a prompt by id
//
// Clients may subscribe to a single tab with ?tab=<ns:index>.
//
// Example Usage:
//
//	hub := ws.NewHub(logger, metrics)
//	router.GET("/stream", hub.HandleConnection)
package ws
