// Package crawler defines the shared data model of the lockstep crawl: seed
// assignments, fetched pages, the bounded per-worker link buffer, the
// rank-ordered link table produced by each aggregation round, the crawl state
// machine, and the error taxonomy used across the coordination loop.
package crawler
