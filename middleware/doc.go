// Package middleware provides composable middleware for automation
// rule executions.
//
// A middleware wraps the command handler that the daemon runs for a
// matched rule. The [daemon.Middleware] type and the [daemon.Chain]
// composer live in the daemon package; this package provides the
// built-in implementations. Middleware are applied right-to-left: the
// first middleware in the chain is the outermost wrapper.
//
//	// logging → recover → handler
//	chain := daemon.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] — logs rule name, execution id, duration, and outcome
//   - [Recover] — catches panics and converts them to errors
//   - [Timeout] — applies an outer deadline on top of the per-rule timeout
//   - [Tracing] — wraps execution in an OpenTelemetry span
//   - [Metrics] — records per-rule duration and outcome counters
//   - [Actor] — stamps the daemon actor into the execution context
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting.
package middleware
