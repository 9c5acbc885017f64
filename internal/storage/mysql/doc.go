// Package mysql provides a MySQL-backed key-value store for quota counters
// and persisted session state. Schema changes ship as embedded SQL files in
// deploy/migrations and are applied once per version on startup.
package mysql
