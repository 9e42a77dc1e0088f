package pipeline

import (
	"context"
	"time"
)

// DefaultProbeEventTTL is how long a probe event may stay undelivered or
// unanswered before the sweeper expires it.
const DefaultProbeEventTTL = 15 * time.Minute

// probeTimeoutMessage is stored on links whose probe event expired.
const probeTimeoutMessage = "probe scrape timed out"

// RunExpirySweeper expires probe events older than ttl and fails their links,
// checking three times per ttl window. It blocks until ctx is cancelled, so
// run it on its own goroutine.
func (p *Pipeline) RunExpirySweeper(ctx context.Context, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultProbeEventTTL
	}
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepExpired(ctx, ttl)
		}
	}
}

func (p *Pipeline) sweepExpired(ctx context.Context, ttl time.Duration) {
	expired, err := p.store.ExpireProbeEvents(ctx, time.Now().Add(-ttl))
	if err != nil {
		p.logger.Error(ctx, "expire probe events", "err", err)
		return
	}
	if len(expired) == 0 {
		return
	}
	for _, ev := range expired {
		if err := p.HandleProbeFailure(ctx, ev, probeTimeoutMessage); err != nil {
			p.logger.Error(ctx, "fail link for expired probe event", "event_id", ev.ID, "err", err)
		}
	}
	p.logger.Info(ctx, "expired probe events", "count", len(expired), "ttl", ttl)
	p.metrics.IncCounter("pipeline.probe.expired", float64(len(expired)))
}
