// Package progress carries crawl milestones from workers and the controller
// to pluggable sinks. Emit never blocks a worker: events are buffered, batched
// on a background goroutine, and fanned out to sinks such as the structured
// log or Prometheus collectors.
package progress
