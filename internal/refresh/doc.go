// Package refresh implements the Credential Refresh Scheduler.
//
// The scheduler:
//   - Checks the credential on a ticker while the connection is up
//   - Checks again when the user comes back (VisibilityRegained)
//   - Refreshes only when the credential expires within the buffer window
//   - Retries each trigger independently with its own backoff policy
//   - Leaves exhausted failures for the next trigger instead of disconnecting
package refresh
