// Package httpapi serves engine status and point I/O over HTTP/2 cleartext
// (h2c), falling back to HTTP/1.1 for clients that do not upgrade.
//
//	GET  /healthz          200 while running, 503 otherwise
//	GET  /metrics          engine.Snapshot as JSON
//	GET  /points           health of every point
//	GET  /points/{name}    health of one point; ?refresh=true reads the hardware first
//	PUT  /points/{name}    {"value": true|false|number|"text"} commands an output
//	GET  /events           server-sent change events; repeat ?point= to filter
package httpapi
