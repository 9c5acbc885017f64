// Package redis offers a Redis-backed key-value store so several runtime
// instances can share quota counters and session state.
package redis
