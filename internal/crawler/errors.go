package crawler

import (
	"errors"
	"fmt"
)

// ErrCoordination marks fleet-wide failures of the coordination protocol.
// Every CoordinationError matches it with errors.Is.
var ErrCoordination = errors.New("coordination failure")

// ErrNoAssignment is logged when a worker holds the sentinel assignment.
var ErrNoAssignment = errors.New("no url assigned")

// FetchError reports a page that could not be retrieved. It is recovered by
// the worker and never aborts a round.
type FetchError struct {
	URL        string
	StatusCode int
	Reason     string
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d: %s", e.URL, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Reason)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError wraps err as a FetchError for url.
func NewFetchError(url string, statusCode int, err error) *FetchError {
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	return &FetchError{URL: url, StatusCode: statusCode, Reason: reason, Err: err}
}

// CoordinationError reports that a worker could not reach a barrier or that
// a collective step could not complete. It is fatal for the whole fleet.
type CoordinationError struct {
	Round int
	Rank  int
	Phase Phase
	Err   error
}

func (e *CoordinationError) Error() string {
	who := "coordinator"
	if e.Rank >= 0 {
		who = fmt.Sprintf("rank %d", e.Rank)
	}
	return fmt.Sprintf("coordination failed in %s at round %d (%s): %v", e.Phase, e.Round, who, e.Err)
}

func (e *CoordinationError) Unwrap() error {
	return e.Err
}

// Is matches ErrCoordination.
func (e *CoordinationError) Is(target error) bool {
	return target == ErrCoordination
}

// AsCoordinationError returns err unchanged when it already is a coordination
// failure and wraps it otherwise.
func AsCoordinationError(err error, round, rank int, phase Phase) error {
	if err == nil {
		return nil
	}
	var ce *CoordinationError
	if errors.As(err, &ce) {
		return err
	}
	return &CoordinationError{Round: round, Rank: rank, Phase: phase, Err: err}
}
