// Package gateway ties the dispatcher stack together and serves it.
//
// New wires the store, process runner, dispatcher, notifier, monitor, and
// the configured channels; Run serves HTTP (directly or over a tsnet node)
// until the context is canceled. Shutdown drains in order: stop accepting
// HTTP, disconnect websocket clients, stop the monitor, close the dispatcher
// (canceling in-flight agent invocations), then close the store.
//
// The HTTP surface is the REST/WS face of the dispatcher: synchronous chat,
// a streaming websocket per session, the Synology Chat outgoing webhook,
// session history and clearing, recent alerts, and liveness/readiness.
// Capacity exhaustion maps to 503 with a Retry-After hint so callers know to
// back off rather than fail.
package gateway
