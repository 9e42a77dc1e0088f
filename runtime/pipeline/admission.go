package pipeline

import (
	"context"
	"fmt"

	"github.com/linkmind/linkmind/store"
)

// SubmitLink enqueues a process-link task for a newly submitted URL and
// returns the task id. The link row is created by the task's admission, not
// here, so submission stays a single fast insert.
func (p *Pipeline) SubmitLink(ctx context.Context, userID int64, url string) (string, error) {
	taskID, err := p.tasks.Spawn(ctx, KindProcessLink, processLinkParams{UserID: userID, URL: url})
	if err != nil {
		return "", fmt.Errorf("submit %q: %w", url, err)
	}
	p.metrics.IncCounter("pipeline.link.submitted", 1)
	return taskID, nil
}

// RetryLink re-runs the full pipeline for one existing link.
func (p *Pipeline) RetryLink(ctx context.Context, linkID int64) (string, error) {
	link, err := p.store.GetLink(ctx, linkID)
	if err != nil {
		return "", err
	}
	taskID, err := p.tasks.Spawn(ctx, KindProcessLink, processLinkParams{
		LinkID: link.ID,
		UserID: link.UserID,
		URL:    link.URL,
	})
	if err != nil {
		return "", fmt.Errorf("retry link %d: %w", linkID, err)
	}
	return taskID, nil
}

// RetryFailed re-runs the pipeline for every link of the user currently in
// status error and returns the ids it rescheduled. Links whose spawn fails
// are logged and skipped so one bad row does not block the rest.
func (p *Pipeline) RetryFailed(ctx context.Context, userID int64) ([]int64, error) {
	failed, err := p.store.ListFailed(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list failed links: %w", err)
	}
	ids := make([]int64, 0, len(failed))
	for _, link := range failed {
		_, err := p.tasks.Spawn(ctx, KindProcessLink, processLinkParams{
			LinkID: link.ID,
			UserID: link.UserID,
			URL:    link.URL,
		})
		if err != nil {
			p.logger.Warn(ctx, "retry spawn failed", "link_id", link.ID, "err", err)
			continue
		}
		ids = append(ids, link.ID)
	}
	return ids, nil
}

// RefreshRelated enqueues a refresh-related task for the link.
func (p *Pipeline) RefreshRelated(ctx context.Context, linkID int64) (string, error) {
	taskID, err := p.tasks.Spawn(ctx, KindRefreshRelated, refreshParams{LinkID: linkID})
	if err != nil {
		return "", fmt.Errorf("refresh link %d: %w", linkID, err)
	}
	return taskID, nil
}

// DeleteLink removes a link and every relation edge touching it. It returns
// the link as it was before deletion and how many other links had a
// reference scrubbed. Relations go first so the count is taken before the
// row disappears.
func (p *Pipeline) DeleteLink(ctx context.Context, linkID int64) (store.Link, int64, error) {
	link, err := p.store.GetLink(ctx, linkID)
	if err != nil {
		return store.Link{}, 0, err
	}
	scrubbed, err := p.store.RemoveLinkFromRelations(ctx, linkID)
	if err != nil {
		return store.Link{}, 0, fmt.Errorf("scrub relations for link %d: %w", linkID, err)
	}
	if err := p.store.DeleteLink(ctx, linkID); err != nil {
		return store.Link{}, 0, fmt.Errorf("delete link %d: %w", linkID, err)
	}
	p.logger.Info(ctx, "link deleted", "link_id", linkID, "relations_scrubbed", scrubbed)
	return link, scrubbed, nil
}
