package collective

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/lockstep-crawler/internal/crawler"
	"github.com/JakeFAU/lockstep-crawler/internal/hash/sha256"
	"github.com/JakeFAU/lockstep-crawler/internal/metrics"
)

// Barrier phase labels used in metrics and logs.
const (
	PhaseCountExchange = "count_exchange"
	PhaseContentGather = "content_gather"
)

// Config controls the aggregation step.
//   - Workers: fleet size N; every round needs all N participants.
//   - BarrierTimeout: if > 0, a participant waiting longer than this at
//     either barrier breaks it and the round fails with a CoordinationError.
type Config struct {
	Workers        int
	BarrierTimeout time.Duration
}

// Hooks observe round progress. Each runs exactly once per round on the
// goroutine of the last worker to arrive, before any worker is released. A
// hook error aborts the fleet.
type Hooks struct {
	// OnCounted fires once every worker has published its link count.
	OnCounted func(round, total int) error
	// OnGathered fires once every worker has published its links.
	OnGathered func(result crawler.RoundResult) error
}

// Aggregator runs the synchronous all-gather once per round: a count
// exchange followed by a content gather. Every worker leaves Sync holding an
// identical table, or every worker leaves with a CoordinationError.
type Aggregator struct {
	workers int
	timeout time.Duration
	hasher  crawler.Hasher
	hooks   Hooks
	logger  *zap.Logger

	// Slot i is written only by rank i, and only between barrier trips.
	counts []int
	slots  [][]string
	rounds []int

	counted  *Barrier
	gathered *Barrier

	// completed is touched only inside barrier actions.
	completed int
}

// NewAggregator builds an Aggregator for cfg.Workers participants.
func NewAggregator(cfg Config, hasher crawler.Hasher, hooks Hooks, logger *zap.Logger) (*Aggregator, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("aggregator requires at least one worker, got %d", cfg.Workers)
	}
	if cfg.BarrierTimeout < 0 {
		return nil, fmt.Errorf("barrier timeout must be >= 0, got %s", cfg.BarrierTimeout)
	}
	if hasher == nil {
		hasher = sha256.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		workers: cfg.Workers,
		timeout: cfg.BarrierTimeout,
		hasher:  hasher,
		hooks:   hooks,
		logger:  logger,
		counts:  make([]int, cfg.Workers),
		slots:   make([][]string, cfg.Workers),
		rounds:  make([]int, cfg.Workers),
	}
	a.counted = NewBarrier(cfg.Workers, a.countsExchanged)
	a.gathered = NewBarrier(cfg.Workers, a.linksGathered)
	return a, nil
}

// Sync submits rank's buffer for the current round and blocks until every
// worker has done the same. The buffer is released: its contents move into
// the aggregator and it is empty on return.
func (a *Aggregator) Sync(ctx context.Context, rank int, buf *crawler.LinkBuffer) (crawler.RoundResult, error) {
	if rank < 0 || rank >= a.workers {
		err := fmt.Errorf("rank %d outside fleet of %d", rank, a.workers)
		a.Abort(err)
		return crawler.RoundResult{}, &crawler.CoordinationError{Rank: rank, Phase: crawler.PhaseAggregating, Err: err}
	}
	round := a.rounds[rank] + 1

	// Phase a: count exchange.
	a.counts[rank] = buf.Len()
	if err := a.await(ctx, a.counted, PhaseCountExchange); err != nil {
		return crawler.RoundResult{}, &crawler.CoordinationError{
			Round: round, Rank: rank, Phase: crawler.PhaseAggregating,
			Err: fmt.Errorf("%s: %w", PhaseCountExchange, err),
		}
	}
	total := 0
	for _, c := range a.counts {
		total += c
	}

	// Phase b: content gather.
	a.slots[rank] = buf.Release()
	if err := a.await(ctx, a.gathered, PhaseContentGather); err != nil {
		return crawler.RoundResult{}, &crawler.CoordinationError{
			Round: round, Rank: rank, Phase: crawler.PhaseAggregating,
			Err: fmt.Errorf("%s: %w", PhaseContentGather, err),
		}
	}
	table := a.assemble()
	if table.Len() != total {
		err := fmt.Errorf("gathered %d links but exchanged counts total %d", table.Len(), total)
		a.Abort(err)
		return crawler.RoundResult{}, &crawler.CoordinationError{Round: round, Rank: rank, Phase: crawler.PhaseAggregating, Err: err}
	}
	digest, err := a.hasher.Hash(table.Canonical())
	if err != nil {
		a.Abort(err)
		return crawler.RoundResult{}, &crawler.CoordinationError{
			Round: round, Rank: rank, Phase: crawler.PhaseAggregating,
			Err: fmt.Errorf("hash table: %w", err),
		}
	}
	a.rounds[rank] = round
	return crawler.RoundResult{Round: round, Total: total, Table: table, Digest: digest}, nil
}

// Abort breaks both barriers so every pending and future Sync fails. It is
// used when a worker dies outside of Sync.
func (a *Aggregator) Abort(err error) {
	if err == nil {
		err = ErrBrokenBarrier
	}
	a.counted.Break(err)
	a.gathered.Break(err)
}

// Err returns the cause of an abort, or nil.
func (a *Aggregator) Err() error {
	if err := a.counted.Err(); err != nil {
		return err
	}
	return a.gathered.Err()
}

func (a *Aggregator) await(ctx context.Context, b *Barrier, phase string) error {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	start := time.Now()
	err := b.Await(ctx)
	metrics.ObserveBarrierWait(phase, time.Since(start))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			a.logger.Warn("barrier timed out", zap.String("phase", phase), zap.Duration("timeout", a.timeout))
		}
		a.Abort(err)
		return err
	}
	return nil
}

// assemble concatenates every slot in ascending rank order.
func (a *Aggregator) assemble() crawler.LinkTable {
	size := 0
	for _, s := range a.slots {
		size += len(s)
	}
	table := make(crawler.LinkTable, 0, size)
	for rank, s := range a.slots {
		for _, href := range s {
			table = append(table, crawler.Link{Rank: rank, Href: href})
		}
	}
	return table
}

func (a *Aggregator) countsExchanged() error {
	if a.hooks.OnCounted == nil {
		return nil
	}
	total := 0
	for _, c := range a.counts {
		total += c
	}
	return a.hooks.OnCounted(a.completed+1, total)
}

func (a *Aggregator) linksGathered() error {
	round := a.completed + 1
	table := a.assemble()
	total := 0
	for _, c := range a.counts {
		total += c
	}
	if table.Len() != total {
		return fmt.Errorf("round %d: gathered %d links but exchanged counts total %d", round, table.Len(), total)
	}
	digest, err := a.hasher.Hash(table.Canonical())
	if err != nil {
		return fmt.Errorf("hash table: %w", err)
	}
	result := crawler.RoundResult{Round: round, Total: total, Table: table, Digest: digest}
	a.completed = round

	if a.hooks.OnGathered != nil {
		return a.hooks.OnGathered(result)
	}
	return nil
}
