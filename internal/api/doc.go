// Package api implements the HTTP API for the Solar Fleet Console.
//
// It serves merged unit and group views as JSON, accepts clean actions,
// streams view changes over SSE and exposes Prometheus metrics. Every JSON
// body uses the same envelope with a correlation ID.
package api
