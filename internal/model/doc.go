// Package model defines shared data types used across the state sync runtime.
//
// Types mirror the Home Assistant WebSocket payloads so they can be decoded
// directly from transport messages.
//
// Conventions:
//   - Entity IDs: "<domain>.<object_id>" strings (e.g. "light.kitchen")
//   - Timestamps: time.Time, RFC 3339 on the wire
//   - Snapshots are immutable: a change replaces the whole EntityState value
package model
