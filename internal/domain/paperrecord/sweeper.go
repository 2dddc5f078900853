package paperrecord

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Expirer cancels pending requests of a kind created before a cutoff.
type Expirer interface {
	ExpirePending(ctx context.Context, kind Kind, cutoff time.Time) (int, error)
}

// Sweeper periodically expires stale requests. Pull requests and create
// requests have separate lifetimes.
type Sweeper struct {
	expirer      Expirer
	PullExpiry   time.Duration
	CreateExpiry time.Duration
	Interval     time.Duration
	nowFunc      func() time.Time
	logger       zerolog.Logger
}

func NewSweeper(expirer Expirer, pullExpiry, createExpiry, interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		expirer:      expirer,
		PullExpiry:   pullExpiry,
		CreateExpiry: createExpiry,
		Interval:     interval,
		nowFunc:      time.Now,
		logger:       logger.With().Str("component", "expiry-sweeper").Logger(),
	}
}

// Start sweeps once, then every Interval until ctx is cancelled. A zero
// Interval disables the loop.
func (sw *Sweeper) Start(ctx context.Context) {
	if sw.Interval <= 0 {
		sw.logger.Info().Msg("stale request sweeper disabled")
		return
	}
	sw.SweepOnce(ctx)

	ticker := time.NewTicker(sw.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.SweepOnce(ctx)
		}
	}
}

// SweepOnce expires both kinds relative to the current time and returns the
// number of requests cancelled. Failures are logged; one kind failing does
// not prevent the other from being swept.
func (sw *Sweeper) SweepOnce(ctx context.Context) int {
	now := sw.nowFunc()
	total := 0
	for _, k := range []struct {
		kind Kind
		ttl  time.Duration
	}{
		{KindPull, sw.PullExpiry},
		{KindCreate, sw.CreateExpiry},
	} {
		n, err := sw.expirer.ExpirePending(ctx, k.kind, now.Add(-k.ttl))
		if err != nil {
			sw.logger.Error().Err(err).Str("kind", string(k.kind)).Msg("failed to expire stale requests")
			continue
		}
		total += n
	}
	return total
}
