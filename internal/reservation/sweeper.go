package reservation

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper runs SweepExpired on a recurring timer, independent of request
// traffic, so abandoned carts return stock without manual intervention.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	log      zerolog.Logger
}

func NewSweeper(svc *Service, interval time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		svc:      svc,
		interval: interval,
		log:      log.With().Str("component", "sweeper").Logger(),
	}
}

// Run blocks until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.svc.SweepExpired(ctx); err != nil {
				w.log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}
