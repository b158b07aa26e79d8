package crawler

import (
	"context"
	"time"
)

// Fetcher resolves a URL to a bounded page body. Failures are returned as
// *FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
	Close() error
}

// LinkExtractor parses raw bytes into hrefs in document order. It never
// fails: unparsable input yields an empty sequence. Callers truncate.
type LinkExtractor interface {
	Extract(body []byte) []string
}

// Mailbox carries point-to-point assignment messages to a single worker.
type Mailbox interface {
	Enqueue(ctx context.Context, a Assignment) error
	Dequeue(ctx context.Context) (Assignment, error)
}

// Publisher pushes round notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests used to compare link tables across workers.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces crawl run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
