package crawler

import (
	"strconv"
	"strings"
	"time"
)

// Phase represents the lifecycle state of a crawl.
type Phase string

// Crawl phases driven by the controller.
const (
	PhaseDistributing Phase = "distributing"
	PhaseFetching     Phase = "fetching"
	PhaseAggregating  Phase = "aggregating"
	PhaseDone         Phase = "done"
	PhaseAborted      Phase = "aborted"
)

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseAborted
}

// CrawlState is the controller's view of progress. PagesCrawled advances by
// exactly one per completed round and is the sole termination signal.
type CrawlState struct {
	Round        int   `json:"round"`
	PagesCrawled int   `json:"pages_crawled"`
	Phase        Phase `json:"phase"`
}

// Assignment binds a worker rank to its seed URL. An empty URL is the
// sentinel handed to workers whose rank has no seed.
type Assignment struct {
	Rank int    `json:"rank"`
	URL  string `json:"url,omitempty"`
}

// Assigned reports whether the assignment carries a seed URL.
func (a Assignment) Assigned() bool {
	return strings.TrimSpace(a.URL) != ""
}

// PageStatus is the coarse outcome of a fetch.
type PageStatus string

// Page outcomes.
const (
	PageOK         PageStatus = "ok"
	PageFetchError PageStatus = "fetch_error"
)

// Page is the transient result of a single fetch. It is owned by the worker
// that fetched it and discarded at the end of the round.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Body       []byte
	Duration   time.Duration
	Status     PageStatus
}

// Link is one entry of the rank-ordered table assembled each round.
type Link struct {
	Rank int    `json:"rank"`
	Href string `json:"href"`
}

// LinkTable is the globally consistent view of one round's discoveries,
// ordered by ascending worker rank and then by discovery order. It is
// read-only once assembled.
type LinkTable []Link

// Len returns the number of links in the table.
func (t LinkTable) Len() int {
	return len(t)
}

// Canonical renders the table as newline-separated "rank\thref" records,
// suitable for hashing.
func (t LinkTable) Canonical() []byte {
	var b strings.Builder
	for _, l := range t {
		b.WriteString(strconv.Itoa(l.Rank))
		b.WriteByte('\t')
		b.WriteString(l.Href)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// RoundResult is what every worker holds after an aggregation round.
type RoundResult struct {
	Round  int       `json:"round"`
	Total  int       `json:"total"`
	Table  LinkTable `json:"links"`
	Digest string    `json:"digest"`
}
