// Package notifier surfaces terminal job failures.
//
// The queues report each permanently failed job once through JobFailed. The
// service records it in a bounded in-memory history (served by the control
// API) and hands it to the configured sinks from a small worker pool, paced
// by a token bucket so a burst of failures cannot flood the log or a remote
// endpoint.
package notifier
