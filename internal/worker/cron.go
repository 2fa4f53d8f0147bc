package worker

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Schedule builds a cron that triggers Run on spec (standard five fields,
// optional seconds, or descriptors like "@every 1m"). A tick that fires
// while the previous run is still going is skipped. The caller owns
// Start and Stop.
func (w *Worker) Schedule(ctx context.Context, spec string) (*cron.Cron, error) {
	logger := cronLogger{sugar: w.logger.Sugar()}

	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	_, err := c.AddFunc(spec, func() {
		summary, err := w.Run(ctx)
		if err != nil {
			w.logger.Error("scheduled delivery run failed", zap.Error(err))
			return
		}
		if summary.Processed > 0 {
			w.logger.Info("scheduled delivery run finished",
				zap.Int("processed", summary.Processed),
				zap.Int("succeeded", summary.Succeeded),
				zap.Int("failed", summary.Failed),
			)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid delivery cron %q: %w", spec, err)
	}

	return c, nil
}
