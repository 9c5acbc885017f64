// Package api serves the operator control plane: agent status, cycle and
// lifecycle controls, the action queue, the journal and a websocket push of
// new journal entries.
package api
