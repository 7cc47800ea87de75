// Package notifier delivers renewal reminders through an external transport.
//
// A Message is a validated value (target, title, body, metadata). The
// Dispatcher sends it through a Transport with a per-attempt timeout, an
// outbound rate limit and exponential backoff on transient failures.
//
// # Failure classes
//
// Every failed send ends as a *DispatchError. Transient failures (timeouts,
// 5xx, rate limiting, network errors) are retried; when the retry budget is
// exhausted the error is reported as Permanent. Permanent failures (invalid
// target, malformed request) are never retried.
//
// Transports live in sub-packages (push, telegram). LogTransport writes the
// message to the log and is useful for dry runs.
package notifier
