// Package coordinator hands each worker its seed URL and holds the fleet at
// the distribution barrier until every worker has acknowledged receipt.
package coordinator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/lockstep-crawler/internal/collective"
	"github.com/JakeFAU/lockstep-crawler/internal/crawler"
)

// Assign maps seeds onto n ranks by index: rank i receives seeds[i] while
// i < len(seeds); every higher rank receives the sentinel. Seeds beyond n are
// never assigned.
func Assign(seeds []string, n int) []crawler.Assignment {
	if n <= 0 {
		return nil
	}
	out := make([]crawler.Assignment, n)
	for i := range out {
		out[i].Rank = i
		if i < len(seeds) {
			out[i].URL = seeds[i]
		}
	}
	return out
}

// Coordinator distributes assignments exactly once per crawl.
type Coordinator struct {
	seeds  []string
	logger *zap.Logger
}

// New builds a Coordinator for the ordered seed list.
func New(seeds []string, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		seeds:  append([]string(nil), seeds...),
		logger: logger.Named("coordinator"),
	}
}

// Distribute sends one assignment into each worker's mailbox and then waits at
// the ready barrier with the fleet. It returns once every worker holds its
// assignment. Any failure breaks the barrier and is reported as a
// CoordinationError.
func (c *Coordinator) Distribute(ctx context.Context, mailboxes []crawler.Mailbox, ready *collective.Barrier) error {
	assignments := Assign(c.seeds, len(mailboxes))
	if len(c.seeds) > len(mailboxes) {
		c.logger.Warn("more seeds than workers; extra seeds ignored",
			zap.Int("seeds", len(c.seeds)),
			zap.Int("workers", len(mailboxes)),
		)
	}
	for rank, a := range assignments {
		if err := mailboxes[rank].Enqueue(ctx, a); err != nil {
			err = fmt.Errorf("send assignment to rank %d: %w", rank, err)
			ready.Break(err)
			return &crawler.CoordinationError{Rank: -1, Phase: crawler.PhaseDistributing, Err: err}
		}
		c.logger.Debug("assignment sent",
			zap.Int("rank", rank),
			zap.String("url", a.URL),
			zap.Bool("sentinel", !a.Assigned()),
		)
	}
	if err := ready.Await(ctx); err != nil {
		return &crawler.CoordinationError{Rank: -1, Phase: crawler.PhaseDistributing, Err: fmt.Errorf("distribution barrier: %w", err)}
	}
	c.logger.Info("assignments distributed", zap.Int("workers", len(mailboxes)))
	return nil
}
