package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/linkmind/linkmind/runtime/model"
	"github.com/linkmind/linkmind/runtime/task"
	"github.com/linkmind/linkmind/store"
)

type (
	// processLinkParams are the parameters of a process-link task. LinkID is
	// zero on first submission and set when a task is re-spawned for an
	// existing link (retries, probe results). ScrapeData carries a probe's
	// payload into the probe-supplied sub-path.
	processLinkParams struct {
		LinkID     int64             `json:"linkId,omitempty"`
		UserID     int64             `json:"userId"`
		URL        string            `json:"url"`
		ScrapeData *store.ScrapeData `json:"scrapeData,omitempty"`
	}

	// scrapeCheckpoint is the memoized result of the scrape step. It stays
	// small on purpose: markdown lives in the store, not the checkpoint.
	// Suspended marks the probe-required sentinel; the handler returns
	// without running later steps when it is set.
	scrapeCheckpoint struct {
		Suspended      bool     `json:"suspended,omitempty"`
		Title          string   `json:"title,omitempty"`
		OGDescription  string   `json:"ogDescription,omitempty"`
		SiteName       string   `json:"siteName,omitempty"`
		MarkdownLength int      `json:"markdownLength"`
		OCRTexts       []string `json:"ocrTexts,omitempty"`
	}

	// summaryCheckpoint is the memoized result of the summarize step.
	summaryCheckpoint struct {
		Summary string   `json:"summary"`
		Tags    []string `json:"tags"`
	}
)

// maxErrorLen caps the error text stored on a link.
const maxErrorLen = 1000

// permanentScrapeErrors are substrings of scrape failures that mean the URL
// points at a file download, not a page. Links failing this way are marked
// error without retrying. The texts match what the headless browser reports
// and stay as-is so stored error messages remain comparable.
var permanentScrapeErrors = []string{
	"Download is starting",
	"net::ERR_ABORTED",
	"Navigation failed because page was closed",
}

// processLink drives a link through the full pipeline. Admission runs on
// every attempt so the link reads pending while a retry is in flight; the
// six stages are memoized steps, so a retry resumes at the stage that failed.
func (p *Pipeline) processLink(ctx context.Context, tc *task.Context) (any, error) {
	var params processLinkParams
	if err := tc.DecodeParams(&params); err != nil {
		return nil, err
	}

	linkID := params.LinkID
	if linkID == 0 {
		id, existed, err := p.store.UpsertLink(ctx, params.UserID, params.URL)
		if err != nil {
			return nil, fmt.Errorf("admit link %q: %w", params.URL, err)
		}
		if existed {
			p.logger.Info(ctx, "reprocessing existing link", "link_id", id, "url", params.URL)
		}
		linkID = id
	} else {
		pending := store.LinkStatusPending
		noError := ""
		err := p.store.UpdateLinkFields(ctx, linkID, store.LinkUpdate{Status: &pending, ErrorMessage: &noError})
		if err != nil {
			return nil, fmt.Errorf("reset link %d to pending: %w", linkID, err)
		}
	}

	scrapeCP, err := task.Step(ctx, tc, stepScrape, func(ctx context.Context) (scrapeCheckpoint, error) {
		return p.scrape(ctx, linkID, params)
	})
	if err != nil {
		return p.failLink(ctx, linkID, err)
	}
	if scrapeCP.Suspended {
		p.logger.Info(ctx, "link waiting for probe", "link_id", linkID, "url", params.URL)
		return Result{Status: StatusWaitingProbe, LinkID: linkID}, nil
	}

	sumCP, err := task.Step(ctx, tc, stepSummarize, func(ctx context.Context) (summaryCheckpoint, error) {
		return p.summarize(ctx, linkID, params.URL, scrapeCP.OCRTexts)
	})
	if err != nil {
		return p.failLink(ctx, linkID, err)
	}

	vec, err := task.Step(ctx, tc, stepEmbed, func(ctx context.Context) ([]float32, error) {
		return p.embed(ctx, linkID, sumCP.Summary)
	})
	if err != nil {
		return p.failLink(ctx, linkID, err)
	}

	related, err := task.Step(ctx, tc, stepRelated, func(ctx context.Context) ([]store.Relation, error) {
		return p.relate(ctx, linkID, params.UserID, vec)
	})
	if err != nil {
		return p.failLink(ctx, linkID, err)
	}

	_, err = task.Step(ctx, tc, stepInsight, func(ctx context.Context) (bool, error) {
		return p.insight(ctx, linkID, params.URL, scrapeCP.Title, sumCP.Summary, related)
	})
	if err != nil {
		return p.failLink(ctx, linkID, err)
	}

	_, err = task.Step(ctx, tc, stepExport, func(ctx context.Context) (bool, error) {
		return p.export(ctx, linkID)
	})
	if err != nil {
		return p.failLink(ctx, linkID, err)
	}

	p.metrics.IncCounter("pipeline.link.analyzed", 1)
	return Result{Status: StatusAnalyzed, LinkID: linkID}, nil
}

// scrape runs one of three sub-paths: apply a probe-supplied payload, suspend
// for a probe, or fetch through the cloud scraper.
func (p *Pipeline) scrape(ctx context.Context, linkID int64, params processLinkParams) (scrapeCheckpoint, error) {
	if params.ScrapeData != nil {
		return p.applyScrapeData(ctx, linkID, *params.ScrapeData, true)
	}

	kind := store.ClassifyURL(params.URL)
	if kind == store.URLKindTwitter {
		return p.suspendForProbe(ctx, linkID, params)
	}

	data, err := p.scraper.Scrape(ctx, params.URL)
	if err != nil {
		return scrapeCheckpoint{}, fmt.Errorf("scrape %q: %w", params.URL, err)
	}
	return p.applyScrapeData(ctx, linkID, data, kind == store.URLKindTwitter)
}

// suspendForProbe creates a pending probe event, parks the link in
// waiting_probe and returns the suspension sentinel. Dispatch failures are
// non-fatal: the event replays when a probe reconnects.
func (p *Pipeline) suspendForProbe(ctx context.Context, linkID int64, params processLinkParams) (scrapeCheckpoint, error) {
	ev, err := p.store.CreateProbeEvent(ctx, store.ProbeEvent{
		UserID:  params.UserID,
		LinkID:  linkID,
		URL:     params.URL,
		URLType: store.URLKindTwitter,
		Status:  store.ProbeEventPending,
	})
	if err != nil {
		return scrapeCheckpoint{}, fmt.Errorf("create probe event for link %d: %w", linkID, err)
	}
	waiting := store.LinkStatusWaitingProbe
	if err := p.store.UpdateLinkFields(ctx, linkID, store.LinkUpdate{Status: &waiting}); err != nil {
		return scrapeCheckpoint{}, fmt.Errorf("park link %d for probe: %w", linkID, err)
	}
	if p.dispatch != nil {
		if err := p.dispatch.Dispatch(ctx, ev); err != nil {
			p.logger.Warn(ctx, "probe event not dispatched", "event_id", ev.ID, "err", err)
		}
	}
	p.metrics.IncCounter("pipeline.probe.suspended", 1)
	return scrapeCheckpoint{Suspended: true}, nil
}

// applyScrapeData persists the scraped fields on the link and, when asked,
// runs the media reader over any attachments. OCR failures are logged and
// the step proceeds without texts.
func (p *Pipeline) applyScrapeData(ctx context.Context, linkID int64, data store.ScrapeData, withMedia bool) (scrapeCheckpoint, error) {
	title := data.Title
	if title == "" {
		title = data.OGTitle
	}
	scraped := store.LinkStatusScraped
	update := store.LinkUpdate{
		Title:       &title,
		Description: &data.OGDescription,
		ImageURL:    &data.OGImage,
		SiteName:    &data.OGSiteName,
		OGType:      &data.OGType,
		Markdown:    &data.Markdown,
		Status:      &scraped,
	}
	if len(data.RawMedia) > 0 {
		images, err := json.Marshal(data.RawMedia)
		if err != nil {
			return scrapeCheckpoint{}, fmt.Errorf("encode media for link %d: %w", linkID, err)
		}
		raw := json.RawMessage(images)
		update.Images = &raw
	}
	if err := p.store.UpdateLinkFields(ctx, linkID, update); err != nil {
		return scrapeCheckpoint{}, fmt.Errorf("store scrape for link %d: %w", linkID, err)
	}

	var ocrTexts []string
	if withMedia && p.media != nil && len(data.RawMedia) > 0 {
		texts, err := p.media.ExtractText(ctx, data.RawMedia)
		if err != nil {
			p.logger.Warn(ctx, "media text extraction failed", "link_id", linkID, "err", err)
		} else {
			ocrTexts = texts
		}
	}

	return scrapeCheckpoint{
		Title:          title,
		OGDescription:  data.OGDescription,
		SiteName:       data.OGSiteName,
		MarkdownLength: len(data.Markdown),
		OCRTexts:       ocrTexts,
	}, nil
}

// summarize re-reads the markdown from the store, appends OCR text under the
// marker heading and asks the model for {summary, tags}. Unparseable model
// output falls back to the raw text with no tags.
func (p *Pipeline) summarize(ctx context.Context, linkID int64, url string, ocrTexts []string) (summaryCheckpoint, error) {
	link, err := p.store.GetLink(ctx, linkID)
	if err != nil {
		return summaryCheckpoint{}, fmt.Errorf("read link %d for summary: %w", linkID, err)
	}
	markdown := link.Markdown
	if len(ocrTexts) > 0 {
		markdown += "\n\n" + model.OCRHeading + "\n\n" + strings.Join(ocrTexts, "\n\n")
	}
	resp, err := p.chat.Complete(ctx, model.SummaryRequest(p.chatModel, url, link.Title, markdown))
	if err != nil {
		return summaryCheckpoint{}, fmt.Errorf("summarize link %d: %w", linkID, err)
	}
	sum, ok := model.ParseSummary(resp.Text())
	if !ok {
		p.logger.Warn(ctx, "summary output not valid JSON, using raw text", "link_id", linkID)
		p.metrics.IncCounter("pipeline.summary.fallback", 1)
	}
	if err := p.store.UpdateLinkFields(ctx, linkID, store.LinkUpdate{Summary: &sum.Summary, Tags: &sum.Tags}); err != nil {
		return summaryCheckpoint{}, fmt.Errorf("store summary for link %d: %w", linkID, err)
	}
	return summaryCheckpoint{Summary: sum.Summary, Tags: sum.Tags}, nil
}

// embed turns the summary into a vector and persists it. The vector is the
// step's checkpoint so the related step does not re-read the link.
func (p *Pipeline) embed(ctx context.Context, linkID int64, summary string) ([]float32, error) {
	vecs, err := p.embedder.Embed(ctx, []string{summary})
	if err != nil {
		return nil, fmt.Errorf("embed summary for link %d: %w", linkID, err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one input", len(vecs))
	}
	vec := vecs[0]
	if err := p.store.UpdateLinkFields(ctx, linkID, store.LinkUpdate{SummaryVector: &vec}); err != nil {
		return nil, fmt.Errorf("store vector for link %d: %w", linkID, err)
	}
	return vec, nil
}

// relate finds the nearest neighbors, keeps those at or above the score
// threshold, orders them score descending with lower id breaking ties, caps
// the list and replaces the link's stored relations.
func (p *Pipeline) relate(ctx context.Context, linkID, userID int64, vec []float32) ([]store.Relation, error) {
	hits, err := p.store.VectorSearch(ctx, vec, userID, linkID, relatedCandidates)
	if err != nil {
		return nil, fmt.Errorf("vector search for link %d: %w", linkID, err)
	}
	kept := make([]store.Relation, 0, len(hits))
	for _, h := range hits {
		if h.Score >= store.RelationThreshold {
			kept = append(kept, store.Relation{LinkID: h.LinkID, Score: h.Score})
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Score != kept[j].Score {
			return kept[i].Score > kept[j].Score
		}
		return kept[i].LinkID < kept[j].LinkID
	})
	if len(kept) > store.MaxRelations {
		kept = kept[:store.MaxRelations]
	}
	if err := p.store.SaveRelations(ctx, linkID, kept); err != nil {
		return nil, fmt.Errorf("save relations for link %d: %w", linkID, err)
	}
	return kept, nil
}

// insight asks the model to connect the link to its retained neighbors,
// writes the text and flips the link to analyzed. Neighbors deleted since
// the related step ran are skipped.
func (p *Pipeline) insight(ctx context.Context, linkID int64, url, title, summary string, related []store.Relation) (bool, error) {
	neighbors := make([]model.RelatedLink, 0, len(related))
	for _, rel := range related {
		other, err := p.store.GetLink(ctx, rel.LinkID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return false, fmt.Errorf("read related link %d: %w", rel.LinkID, err)
		}
		neighbors = append(neighbors, model.RelatedLink{URL: other.URL, Title: other.Title, Summary: other.Summary})
	}
	resp, err := p.chat.Complete(ctx, model.InsightRequest(p.chatModel, url, title, summary, neighbors))
	if err != nil {
		return false, fmt.Errorf("insight for link %d: %w", linkID, err)
	}
	text := strings.TrimSpace(resp.Text())
	analyzed := store.LinkStatusAnalyzed
	if err := p.store.UpdateLinkFields(ctx, linkID, store.LinkUpdate{Insight: &text, Status: &analyzed}); err != nil {
		return false, fmt.Errorf("store insight for link %d: %w", linkID, err)
	}
	return true, nil
}

// export hands the finished link to the exporter. A nil exporter is a no-op;
// the step still runs so the memoization record exists.
func (p *Pipeline) export(ctx context.Context, linkID int64) (bool, error) {
	if p.exporter == nil {
		return true, nil
	}
	link, err := p.store.GetLink(ctx, linkID)
	if err != nil {
		return false, fmt.Errorf("read link %d for export: %w", linkID, err)
	}
	if err := p.exporter.Export(ctx, link); err != nil {
		return false, fmt.Errorf("export link %d: %w", linkID, err)
	}
	return true, nil
}

// failLink records the failure on the link, then either swallows the error
// (permanent scrape failures, which a retry cannot fix) or returns it so the
// runtime applies the retry policy.
func (p *Pipeline) failLink(ctx context.Context, linkID int64, cause error) (Result, error) {
	msg := truncateError(cause.Error())
	failed := store.LinkStatusError
	if err := p.store.UpdateLinkFields(ctx, linkID, store.LinkUpdate{Status: &failed, ErrorMessage: &msg}); err != nil {
		p.logger.Error(ctx, "record link failure", "link_id", linkID, "err", err)
	}
	if isPermanentScrapeError(cause) {
		p.logger.Info(ctx, "link failed permanently, not retrying", "link_id", linkID, "err", msg)
		p.metrics.IncCounter("pipeline.link.permanent_failure", 1)
		return Result{Status: StatusError, LinkID: linkID}, nil
	}
	p.metrics.IncCounter("pipeline.link.attempt_failure", 1)
	return Result{}, cause
}

func isPermanentScrapeError(err error) bool {
	msg := err.Error()
	for _, s := range permanentScrapeErrors {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func truncateError(msg string) string {
	if len(msg) <= maxErrorLen {
		return msg
	}
	cut := msg[:maxErrorLen]
	// Do not leave a split rune at the cut point.
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
