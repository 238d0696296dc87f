// Package metrics exposes Prometheus collectors for the sync runtime.
//
// Metrics:
//   - Connection phase and retry counters
//   - Live network subscriptions and per-entity setup errors
//   - Entity updates delivered to consumers
//   - Credential refresh outcomes
//   - History writer batches
package metrics
