package cycle

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/dialysis/dialysis/internal/platform/auth"
)

// SystemActor is recorded for changes made by background jobs.
const SystemActor = "system"

// Sweeper runs ProcessExpiredCycles on a fixed interval.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	logger   zerolog.Logger
}

func NewSweeper(svc *Service, interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{svc: svc, interval: interval, logger: logger.With().Str("component", "cycle-sweeper").Logger()}
}

// Start sweeps once immediately and then on every tick. It blocks until ctx
// is cancelled.
func (w *Sweeper) Start(ctx context.Context) {
	ctx = auth.WithActor(ctx, SystemActor, []string{"admin"})
	w.sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("cycle sweeper stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Sweeper) sweep(ctx context.Context) {
	closed, err := w.svc.ProcessExpiredCycles(ctx)
	if err != nil && ctx.Err() == nil {
		w.logger.Error().Err(err).Int("closed", closed).Msg("cycle sweep finished with errors")
	}
}
