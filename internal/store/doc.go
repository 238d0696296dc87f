// Package store implements the entity cache and subscription multiplexer.
//
// The Store:
//   - Holds the latest snapshot per entity ID
//   - Tracks which consumers want updates for which entity
//   - Owns at most one network subscription per entity, regardless of the
//     number of consumers
//   - Rebuilds every subscription when the transport changes, after
//     fetching one snapshot covering all registered entities
//   - Retains per-entity setup errors instead of failing other entities
package store
