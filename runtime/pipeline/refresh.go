package pipeline

import (
	"context"
	"fmt"

	"github.com/linkmind/linkmind/runtime/task"
	"github.com/linkmind/linkmind/store"
)

// refreshParams are the parameters of a refresh-related task.
type refreshParams struct {
	LinkID int64 `json:"linkId"`
}

// refreshRelated re-runs the tail of the pipeline for an existing link:
// embed (reusing the stored vector when present), related, insight, export.
// It never re-scrapes or re-summarizes.
func (p *Pipeline) refreshRelated(ctx context.Context, tc *task.Context) (any, error) {
	var params refreshParams
	if err := tc.DecodeParams(&params); err != nil {
		return nil, err
	}
	link, err := p.store.GetLink(ctx, params.LinkID)
	if err != nil {
		return nil, fmt.Errorf("read link %d for refresh: %w", params.LinkID, err)
	}

	vec, err := task.Step(ctx, tc, stepEmbed, func(ctx context.Context) ([]float32, error) {
		if len(link.SummaryVector) > 0 {
			return link.SummaryVector, nil
		}
		return p.embed(ctx, link.ID, link.Summary)
	})
	if err != nil {
		return p.failLink(ctx, link.ID, err)
	}

	related, err := task.Step(ctx, tc, stepRelated, func(ctx context.Context) ([]store.Relation, error) {
		return p.relate(ctx, link.ID, link.UserID, vec)
	})
	if err != nil {
		return p.failLink(ctx, link.ID, err)
	}

	_, err = task.Step(ctx, tc, stepInsight, func(ctx context.Context) (bool, error) {
		return p.insight(ctx, link.ID, link.URL, link.Title, link.Summary, related)
	})
	if err != nil {
		return p.failLink(ctx, link.ID, err)
	}

	_, err = task.Step(ctx, tc, stepExport, func(ctx context.Context) (bool, error) {
		return p.export(ctx, link.ID)
	})
	if err != nil {
		return p.failLink(ctx, link.ID, err)
	}

	p.metrics.IncCounter("pipeline.link.refreshed", 1)
	return Result{Status: StatusAnalyzed, LinkID: link.ID}, nil
}
