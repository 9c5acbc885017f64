// Package config loads the daemon's JSON configuration, fills defaults,
// applies FORGEOS_* environment overrides and rejects unsafe values before
// anything is started.
package config
