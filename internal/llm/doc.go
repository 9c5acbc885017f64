// Package llm abstracts the decision engine endpoint. Transports only move
// bytes: they POST one request per cycle and hand back the decoded JSON
// payload, leaving interpretation to the decision package.
package llm
