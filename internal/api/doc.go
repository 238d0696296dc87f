// Package api provides the Home Assistant REST client.
//
// Endpoints used:
//   - GET  /api/                  status probe
//   - GET  /api/config            server configuration
//   - GET  /api/states[/<id>]     entity snapshots
//   - POST /api/services/<d>/<s>  service invocation
//   - POST /auth/token            OAuth refresh-token grant
//
// The WebSocket protocol lives in internal/connection.
package api
