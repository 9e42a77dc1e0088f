package pipeline

import (
	"context"
	"fmt"

	"github.com/linkmind/linkmind/store"
)

// HandleProbeResult re-enters the pipeline when a probe posts a successful
// scrape. It spawns a fresh process-link task carrying the probe's payload,
// which starts at the scrape step on the probe-supplied sub-path. The
// suspended task already completed, so the new task has its own memoization.
func (p *Pipeline) HandleProbeResult(ctx context.Context, ev store.ProbeEvent, data store.ScrapeData) error {
	if _, err := p.store.GetLink(ctx, ev.LinkID); err != nil {
		return fmt.Errorf("link %d for probe event %s: %w", ev.LinkID, ev.ID, err)
	}
	taskID, err := p.tasks.Spawn(ctx, KindProcessLink, processLinkParams{
		LinkID:     ev.LinkID,
		UserID:     ev.UserID,
		URL:        ev.URL,
		ScrapeData: &data,
	})
	if err != nil {
		return fmt.Errorf("resume link %d from probe event %s: %w", ev.LinkID, ev.ID, err)
	}
	p.logger.Info(ctx, "probe result resumed pipeline", "link_id", ev.LinkID, "event_id", ev.ID, "task_id", taskID)
	p.metrics.IncCounter("pipeline.probe.resumed", 1)
	return nil
}

// HandleProbeFailure marks the link failed with the probe's error message.
// There is no retry: the user resubmits or retries explicitly.
func (p *Pipeline) HandleProbeFailure(ctx context.Context, ev store.ProbeEvent, errMsg string) error {
	msg := truncateError(errMsg)
	failed := store.LinkStatusError
	if err := p.store.UpdateLinkFields(ctx, ev.LinkID, store.LinkUpdate{Status: &failed, ErrorMessage: &msg}); err != nil {
		return fmt.Errorf("record probe failure for link %d: %w", ev.LinkID, err)
	}
	p.metrics.IncCounter("pipeline.probe.failed", 1)
	return nil
}
