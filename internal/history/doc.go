// Package history records entity state changes to PostgreSQL.
//
// Store callbacks push snapshots onto a buffer.Queue; the StateWriter drains
// the queue into batches and inserts them with pgx.Batch. Rows are
// append-only and keyed by a generated UUID, so replays after a reconnect
// insert nothing new for snapshots already recorded (same entity, same
// last_updated).
package history
