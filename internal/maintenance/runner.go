package maintenance

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// Runner drives maintenance cycles on a fixed interval. A cycle's failure
// is logged and the loop sleeps into the next cycle; the daemon never
// crashes on per-cycle errors.
type Runner struct {
	sweeper  *Sweeper
	interval time.Duration
	out      io.Writer
	logger   zerolog.Logger
}

func NewRunner(sweeper *Sweeper, interval time.Duration, out io.Writer, logger zerolog.Logger) *Runner {
	return &Runner{
		sweeper:  sweeper,
		interval: interval,
		out:      out,
		logger:   logger.With().Str("component", "maintenance").Logger(),
	}
}

// Run executes one cycle immediately, then one per interval until the
// context ends.
func (r *Runner) Run(ctx context.Context) error {
	r.cycle(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

// RunOnce executes a single cycle and reports whether it succeeded, for
// one-shot invocation.
func (r *Runner) RunOnce(ctx context.Context) error {
	return r.cycle(ctx)
}

func (r *Runner) cycle(ctx context.Context) error {
	liveness, err := r.sweeper.SweepLiveness(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("liveness sweep failed")
		return err
	}
	cleanup, err := r.sweeper.CleanupOrphans(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("orphan cleanup failed")
		return err
	}

	fmt.Fprintf(r.out, "nodes checked=%d notified=%d; cleanup queued=%d skipped=%d\n",
		liveness.Checked, liveness.Notified, cleanup.Queued, cleanup.Skipped)
	return nil
}
