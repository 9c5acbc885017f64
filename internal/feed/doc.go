// Package feed keeps the runtime's view of chain and wallet state current.
//
// A Client talks to a ranked list of redundant REST roots with bounded
// per-root retries. A Feed polls through the client on a fixed interval,
// optionally nudged by a websocket Stream whose messages trigger debounced
// refreshes. Snapshots are applied in fetch-start order so a slow, stale
// response can never overwrite a newer one.
package feed
