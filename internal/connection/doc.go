// Package connection implements the connection lifecycle.
//
// It provides:
//   - A WebSocket client (gorilla/websocket) with keepalive pings
//   - Hass, a Transport speaking the Home Assistant WebSocket protocol:
//     auth handshake, request/result correlation, per-entity state
//     subscriptions and service calls
//   - Reduce, the pure connection state machine
//     (idle → connecting → connected ⇄ disconnected/error)
//   - Manager, which drives Reduce, dials transports, schedules reconnects
//     with exponential backoff and publishes the active transport
package connection
