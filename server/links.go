package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/linkmind/linkmind/store"
)

type (
	submitRequest struct {
		URL string `json:"url"`
	}

	linkItem struct {
		ID        int64     `json:"id"`
		URL       string    `json:"url"`
		Title     string    `json:"title"`
		Status    string    `json:"status"`
		CreatedAt time.Time `json:"created_at"`
	}

	searchItem struct {
		ID        int64     `json:"id"`
		URL       string    `json:"url"`
		Title     string    `json:"title"`
		Summary   string    `json:"summary"`
		Status    string    `json:"status"`
		CreatedAt time.Time `json:"created_at"`
	}

	relatedItem struct {
		ID    int64   `json:"id"`
		URL   string  `json:"url"`
		Title string  `json:"title"`
		Score float64 `json:"score"`
	}

	linkDetail struct {
		ID           int64         `json:"id"`
		URL          string        `json:"url"`
		Title        string        `json:"title"`
		Description  string        `json:"description"`
		ImageURL     string        `json:"image_url"`
		SiteName     string        `json:"site_name"`
		OGType       string        `json:"og_type"`
		Markdown     string        `json:"markdown"`
		Summary      string        `json:"summary"`
		Insight      string        `json:"insight"`
		Tags         []string      `json:"tags"`
		Status       string        `json:"status"`
		ErrorMessage string        `json:"error_message,omitempty"`
		CreatedAt    time.Time     `json:"created_at"`
		UpdatedAt    time.Time     `json:"updated_at"`
		Related      []relatedItem `json:"related"`
	}
)

// handleSubmitLink spawns a process-link task and answers 202 immediately.
func (s *Server) handleSubmitLink(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		s.respondError(w, http.StatusBadRequest, "url is required")
		return
	}
	if !validSubmissionURL(req.URL) {
		s.respondError(w, http.StatusBadRequest, "url must be absolute http or https")
		return
	}
	userID := sessionUser(r.Context())
	taskID, err := s.pipeline.SubmitLink(r.Context(), userID, req.URL)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.metrics.IncCounter("api_links_submitted", 1)
	s.logger.Info(r.Context(), "link submitted", "user", userID, "url", req.URL, "task", taskID)
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"taskId": taskID,
		"url":    req.URL,
		"status": "queued",
	})
}

func (s *Server) handleListLinks(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultListLimit, maxListLimit)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	links, err := s.store.ListRecent(r.Context(), sessionUser(r.Context()), limit)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	items := make([]linkItem, 0, len(links))
	for _, l := range links {
		items = append(items, linkItem{
			ID:        l.ID,
			URL:       l.URL,
			Title:     l.Title,
			Status:    string(l.Status),
			CreatedAt: l.CreatedAt,
		})
	}
	s.respondJSON(w, http.StatusOK, items)
}

// handleGetLink returns the full enrichment record together with its related
// links. Relations whose other endpoint vanished mid-read are skipped.
func (s *Server) handleGetLink(w http.ResponseWriter, r *http.Request) {
	linkID, err := pathID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid link id")
		return
	}
	link, err := s.ownedLink(r, linkID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	relations, err := s.store.GetRelations(r.Context(), linkID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	related := make([]relatedItem, 0, len(relations))
	for _, rel := range relations {
		other, err := s.store.GetLink(r.Context(), rel.LinkID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			s.storeError(w, r, err)
			return
		}
		related = append(related, relatedItem{
			ID:    other.ID,
			URL:   other.URL,
			Title: other.Title,
			Score: rel.Score,
		})
	}

	tags := link.Tags
	if tags == nil {
		tags = []string{}
	}
	s.respondJSON(w, http.StatusOK, linkDetail{
		ID:           link.ID,
		URL:          link.URL,
		Title:        link.Title,
		Description:  link.Description,
		ImageURL:     link.ImageURL,
		SiteName:     link.SiteName,
		OGType:       link.OGType,
		Markdown:     link.Markdown,
		Summary:      link.Summary,
		Insight:      link.Insight,
		Tags:         tags,
		Status:       string(link.Status),
		ErrorMessage: link.ErrorMessage,
		CreatedAt:    link.CreatedAt,
		UpdatedAt:    link.UpdatedAt,
		Related:      related,
	})
}

func (s *Server) handleDeleteLink(w http.ResponseWriter, r *http.Request) {
	linkID, err := pathID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid link id")
		return
	}
	if _, err := s.ownedLink(r, linkID); err != nil {
		s.storeError(w, r, err)
		return
	}
	link, scrubbed, err := s.pipeline.DeleteLink(r.Context(), linkID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.metrics.IncCounter("api_links_deleted", 1)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"message":             "link deleted",
		"linkId":              link.ID,
		"url":                 link.URL,
		"relatedLinksUpdated": scrubbed,
	})
}

func (s *Server) handleRetryAll(w http.ResponseWriter, r *http.Request) {
	ids, err := s.pipeline.RetryFailed(r.Context(), sessionUser(r.Context()))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"message": "retry scheduled",
		"ids":     ids,
	})
}

func (s *Server) handleRetryLink(w http.ResponseWriter, r *http.Request) {
	linkID, err := pathID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid link id")
		return
	}
	if _, err := s.ownedLink(r, linkID); err != nil {
		s.storeError(w, r, err)
		return
	}
	taskID, err := s.pipeline.RetryLink(r.Context(), linkID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"taskId": taskID,
		"linkId": linkID,
		"status": "queued",
	})
}

// handleSearch runs a BM25 keyword query over the user's links.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		s.respondError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit, err := queryLimit(r, defaultSearchLim, maxSearchLimit)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	links, err := s.store.BM25Search(r.Context(), query, sessionUser(r.Context()), limit)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	items := make([]searchItem, 0, len(links))
	for _, l := range links {
		items = append(items, searchItem{
			ID:        l.ID,
			URL:       l.URL,
			Title:     l.Title,
			Summary:   l.Summary,
			Status:    string(l.Status),
			CreatedAt: l.CreatedAt,
		})
	}
	s.respondJSON(w, http.StatusOK, items)
}

// ownedLink loads the link and hides rows of other users behind ErrNotFound
// so link ids cannot be probed across accounts.
func (s *Server) ownedLink(r *http.Request, linkID int64) (store.Link, error) {
	link, err := s.store.GetLink(r.Context(), linkID)
	if err != nil {
		return store.Link{}, err
	}
	if link.UserID != sessionUser(r.Context()) {
		return store.Link{}, store.ErrNotFound
	}
	return link, nil
}
