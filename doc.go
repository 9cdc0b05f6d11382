// Package relay implements the client side of the agent relay protocol:
// a persistent, authenticated WebSocket channel over which an application
// exposes a catalog of schema-validated tools to a remote agent.
//
// A BridgeClient owns one logical connection for one app/user pair. The
// connection manager fetches a short-lived token before every attempt,
// classifies failures, and reconnects with exponential backoff; ambiguous
// abnormal closes are disambiguated with an out-of-band credential check.
// Inbound tool calls are validated against strict JSON schemas (undeclared
// properties are rejected at every nesting level) before handlers run.
package relay
