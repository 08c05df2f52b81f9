// Package api exposes the HTTP surface: queue admission, cooldown
// prechecks, session state reads, the server-sent state stream, tick
// callbacks, and the device passthrough. Every route is rate limited
// per client IP and instrumented with Prometheus metrics.
package api
