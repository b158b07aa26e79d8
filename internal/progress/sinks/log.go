package sinks

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/lockstep-crawler/internal/progress"
)

// LogSink writes each progress event as a structured log record.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress")}
}

// Consume logs each event in the batch. Fetch failures are logged at warn,
// aborts at error, everything else at debug.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", uuid.UUID(evt.RunID).String()),
			zap.String("stage", string(evt.Stage)),
			zap.Int("round", evt.Round),
		}
		switch evt.Stage {
		case progress.StageFetchDone, progress.StageFetchError:
			fields = append(fields,
				zap.Int("worker_rank", evt.Rank),
				zap.String("site", evt.Site),
				zap.String("url", evt.URL),
				zap.Int64("bytes", evt.Bytes),
				zap.Int("links", evt.Links),
				zap.String("status_class", string(evt.StatusClass)),
				zap.Duration("dur", evt.Dur),
			)
		case progress.StageRoundDone:
			fields = append(fields, zap.Int("links", evt.Links), zap.String("digest", evt.Note))
		default:
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		switch evt.Stage {
		case progress.StageFetchError:
			s.logger.Warn("progress event", append(fields, zap.String("note", evt.Note))...)
		case progress.StageCrawlAborted:
			s.logger.Error("progress event", append(fields, zap.String("note", evt.Note))...)
		default:
			s.logger.Debug("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
