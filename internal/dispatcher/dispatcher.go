// Package dispatcher runs the fixed crawl fleet: one goroutine per task,
// started once, with the whole group torn down on the first failure.
package dispatcher

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/lockstep-crawler/internal/metrics"
)

// Task is a named unit of fleet work. Run blocks until the task finishes.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Dispatcher fans tasks out over an errgroup.
type Dispatcher struct {
	logger    *zap.Logger
	onFailure func(error)
}

// New creates a Dispatcher. onFailure, if set, is called exactly once with the
// first task error before the remaining tasks observe cancellation; callers
// use it to break barriers the other tasks may be blocked on.
func New(logger *zap.Logger, onFailure func(error)) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		logger:    logger.Named("dispatcher"),
		onFailure: onFailure,
	}
}

// Run starts every task and blocks until all of them return. It returns the
// first error; a panicking task is reported as an error.
func (d *Dispatcher) Run(ctx context.Context, tasks ...Task) error {
	g, gctx := errgroup.WithContext(ctx)
	var once sync.Once
	fail := func(err error) {
		once.Do(func() {
			if d.onFailure != nil {
				d.onFailure(err)
			}
		})
	}
	for _, task := range tasks {
		g.Go(func() error {
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()
			if err := d.runTask(gctx, task); err != nil {
				d.logger.Error("task failed", zap.String("task", task.Name), zap.Error(err))
				fail(err)
				return err
			}
			d.logger.Debug("task finished", zap.String("task", task.Name))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	return nil
}

func (d *Dispatcher) runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("task panicked",
				zap.String("task", task.Name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()
	if task.Run == nil {
		return nil
	}
	return task.Run(ctx)
}
