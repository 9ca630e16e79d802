// Package ledger persists session lifecycle history in SQLite.
//
// The daemon records every bind, supersede, release, and eviction reported
// by the router so `shellbridge sessions --history` can show what happened
// after the sessions themselves are gone. Rows older than the configured
// retention are pruned by the daemon's sweep loop.
package ledger
