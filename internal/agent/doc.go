// Package agent drives one trading agent. The Runtime owns the cycle lock and
// the countdown tick, and wires the chain feed, decision service, risk gate,
// execution queue, quota, journal and session store together.
package agent
