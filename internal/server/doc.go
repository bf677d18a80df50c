// Package server hosts the vodhub API and creator console from a single HTTP server.
//
// The server builds a consistent middleware chain of request IDs, security
// headers, CORS, logging, audit, metrics, rate limiting, and auth so handlers
// all share common protections and instrumentation.
//
// It serves API routes, embeds the static console assets, and proxies watch
// pages to a separate player origin when configured, keeping everything
// behind one multiplexer.
package server
