// Package storage defines the key-value contract used for quota counters and
// persisted session state. Backends live in the file, redis, mysql and
// sqlite subpackages; Memory serves tests and ephemeral runs.
package storage
