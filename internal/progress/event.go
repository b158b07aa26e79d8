// Package progress defines the events the crawl fleet reports as it runs.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageCrawlStart   Stage = "CRAWL_START"
	StageFetchDone    Stage = "FETCH_DONE"
	StageFetchError   Stage = "FETCH_ERROR"
	StageRoundDone    Stage = "ROUND_DONE"
	StageCrawlDone    Stage = "CRAWL_DONE"
	StageCrawlAborted Stage = "CRAWL_ABORTED"
)

// endsBatch reports whether the stage closes a round or the crawl, so sinks
// should see it without waiting for the batch timer.
func (s Stage) endsBatch() bool {
	switch s {
	case StageRoundDone, StageCrawlDone, StageCrawlAborted:
		return true
	default:
		return false
	}
}

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single milestone of a crawl run.
type Event struct {
	// RunID identifies the crawl run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	Stage Stage
	// Rank is the emitting worker, or -1 for fleet-wide events.
	Rank int
	// Round is 1-based; zero before the first fetch.
	Round int
	// Site scopes fetch events to a host label.
	Site string
	URL  string
	// Bytes is the fetched body size.
	Bytes int64
	// Links counts links kept by a worker (fetch events) or gathered by the
	// fleet (round events).
	Links int
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	Dur         time.Duration
	// Note carries low-volume context such as error text or a table digest.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageCrawlStart, StageCrawlDone, StageCrawlAborted:
	case StageRoundDone:
		if e.Round <= 0 {
			return errors.New("round done requires a round")
		}
	case StageFetchDone, StageFetchError:
		if e.Site == "" {
			return fmt.Errorf("%s requires site", e.Stage)
		}
		if e.Rank < 0 {
			return fmt.Errorf("%s requires a worker rank", e.Stage)
		}
		if e.Stage == StageFetchDone && e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Links < 0 {
		return errors.New("links must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
