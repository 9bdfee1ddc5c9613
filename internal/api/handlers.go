// Package api exposes the refresh engine over a small JSON HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Harvey-AU/rankbee/internal/ads"
	"github.com/Harvey-AU/rankbee/internal/analytics"
	"github.com/Harvey-AU/rankbee/internal/insight"
	"github.com/Harvey-AU/rankbee/internal/jobs"
	"github.com/Harvey-AU/rankbee/internal/keywords"
	"github.com/Harvey-AU/rankbee/internal/util"
)

// Version is the current API version (can be set via ldflags at build time)
var Version = "0.1.0"

const (
	serviceName  = "rankbee"
	maxBodyBytes = 1 << 20
)

// RefreshService runs keyword refreshes and drains the retry queue.
type RefreshService interface {
	RefreshOne(ctx context.Context, id int64) (*keywords.Keyword, error)
	RefreshIDs(ctx context.Context, ids []int64) (*jobs.BatchResult, error)
	RefreshDomain(ctx context.Context, domain string) (*jobs.BatchResult, error)
	RefreshAsync(ctx context.Context, ids []int64) string
	RetryFailed(ctx context.Context) (*jobs.BatchResult, error)
}

// InsightService serves aggregated analytics.
type InsightService interface {
	GetInsight(ctx context.Context, domain string, window analytics.Window, sortBy insight.SortKey) insight.Insight
	KeywordStats(ctx context.Context, domain, keyword, country, device string) map[string]insight.Totals
}

// SnapshotInvalidator forces the next snapshot read to refetch.
type SnapshotInvalidator interface {
	Invalidate(ctx context.Context, domain string) error
}

// VolumeService fetches keyword volumes and ideas.
type VolumeService interface {
	UpdateVolumes(ctx context.Context, repo keywords.Repository, kws []*keywords.Keyword) ads.VolumeResult
	GetIdeas(ctx context.Context, req ads.IdeasRequest) ([]ads.KeywordIdea, error)
}

// Pinger checks a backing store is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Handler holds dependencies for API handlers. Nil services answer 503.
type Handler struct {
	Keywords  keywords.Repository
	Refresher RefreshService
	Queue     jobs.RetryQueue
	Insight   InsightService
	Analytics SnapshotInvalidator
	Volumes   VolumeService
	DB        Pinger
}

// SetupRoutes registers every route on mux
func (h *Handler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/health/db", h.DatabaseHealthCheck)

	mux.HandleFunc("/v1/keywords/refresh", h.RefreshKeywords)
	mux.HandleFunc("/v1/keywords/volumes", h.KeywordVolumes)
	mux.HandleFunc("/v1/keywords/ideas", h.KeywordIdeas)
	mux.HandleFunc("/v1/retry", h.RetryQueue)
	mux.HandleFunc("/v1/insight/", h.InsightHandler)
}

// HealthCheck handles basic health check requests
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	WriteHealthy(w, r, serviceName, Version)
}

// DatabaseHealthCheck pings the keyword database when one is configured
func (h *Handler) DatabaseHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	if h.DB == nil {
		WriteUnhealthy(w, r, "postgresql", errors.New("database connection not configured"))
		return
	}
	if err := h.DB.PingContext(r.Context()); err != nil {
		WriteUnhealthy(w, r, "postgresql", err)
		return
	}
	WriteHealthy(w, r, "postgresql", "")
}

// BatchResponse is the JSON form of a refresh batch.
type BatchResponse struct {
	RunID     string              `json:"run_id"`
	Trigger   string              `json:"trigger"`
	Total     int                 `json:"total"`
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
	Skipped   int                 `json:"skipped"`
	Keywords  []*keywords.Keyword `json:"keywords"`
}

func toBatchResponse(res *jobs.BatchResult) BatchResponse {
	kws := res.Keywords
	if kws == nil {
		kws = []*keywords.Keyword{}
	}
	return BatchResponse{
		RunID:     res.RunID,
		Trigger:   res.Trigger,
		Total:     res.Total,
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Skipped:   res.Skipped,
		Keywords:  kws,
	}
}

// RefreshRequest selects keywords by ID or by domain.
type RefreshRequest struct {
	IDs    []int64 `json:"ids"`
	Domain string  `json:"domain"`
	Wait   bool    `json:"wait"`
}

// RefreshKeywords handles POST /v1/keywords/refresh. A single ID is
// refreshed inline and the updated keyword returned. Several IDs or a
// domain start a background batch and answer 202, unless wait is set.
func (h *Handler) RefreshKeywords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}
	if h.Refresher == nil {
		ServiceUnavailable(w, r, "Refresh is not available")
		return
	}

	var req RefreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 && req.Domain == "" {
		BadRequest(w, r, "ids or domain is required")
		return
	}
	if req.Domain != "" && len(req.IDs) == 0 {
		if err := util.ValidateHost(req.Domain); err != nil {
			BadRequest(w, r, err.Error())
			return
		}
	}

	if len(req.IDs) == 1 {
		kw, err := h.Refresher.RefreshOne(r.Context(), req.IDs[0])
		if err != nil {
			WriteServiceError(w, r, err)
			return
		}
		WriteSuccess(w, r, kw, "Keyword refreshed")
		return
	}

	if !req.Wait {
		ids := req.IDs
		if len(ids) == 0 {
			var err error
			if ids, err = h.domainIDs(r.Context(), req.Domain); err != nil {
				WriteServiceError(w, r, err)
				return
			}
		}
		runID := h.Refresher.RefreshAsync(r.Context(), ids)
		WriteAccepted(w, r, map[string]any{"run_id": runID, "keywords": len(ids)}, "Refresh started")
		return
	}

	var (
		res *jobs.BatchResult
		err error
	)
	if len(req.IDs) > 0 {
		res, err = h.Refresher.RefreshIDs(r.Context(), req.IDs)
	} else {
		res, err = h.Refresher.RefreshDomain(r.Context(), util.CanonicalDomain(req.Domain))
	}
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	WriteSuccess(w, r, toBatchResponse(res), "Refresh finished")
}

func (h *Handler) domainIDs(ctx context.Context, domain string) ([]int64, error) {
	if h.Keywords == nil {
		return nil, errors.New("keyword store is not configured")
	}
	found, err := h.Keywords.FindAll(ctx, keywords.Filter{Domain: util.CanonicalDomain(domain)})
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(found))
	for _, k := range found {
		ids = append(ids, k.ID)
	}
	return ids, nil
}

// RetryQueue handles /v1/retry: GET lists, POST drains, DELETE clears.
func (h *Handler) RetryQueue(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if h.Queue == nil {
			ServiceUnavailable(w, r, "Retry queue is not available")
			return
		}
		ids, err := h.Queue.List(r.Context())
		if err != nil {
			InternalError(w, r, err)
			return
		}
		WriteSuccess(w, r, map[string]any{"ids": ids}, "")
	case http.MethodPost:
		if h.Refresher == nil {
			ServiceUnavailable(w, r, "Refresh is not available")
			return
		}
		res, err := h.Refresher.RetryFailed(r.Context())
		if err != nil {
			WriteServiceError(w, r, err)
			return
		}
		WriteSuccess(w, r, toBatchResponse(res), "Retry queue drained")
	case http.MethodDelete:
		if h.Queue == nil {
			ServiceUnavailable(w, r, "Retry queue is not available")
			return
		}
		if err := h.Queue.Clear(r.Context()); err != nil {
			InternalError(w, r, err)
			return
		}
		WriteSuccess(w, r, nil, "Retry queue cleared")
	default:
		MethodNotAllowed(w, r)
	}
}

// VolumesRequest selects keywords by ID or by domain.
type VolumesRequest struct {
	IDs    []int64 `json:"ids"`
	Domain string  `json:"domain"`
}

// VolumesResponse carries fetched volumes and any per-country failures.
type VolumesResponse struct {
	Volumes map[int64]int64 `json:"volumes"`
	Error   string          `json:"error,omitempty"`
}

// KeywordVolumes handles POST /v1/keywords/volumes
func (h *Handler) KeywordVolumes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}
	if h.Volumes == nil || h.Keywords == nil {
		WriteServiceError(w, r, ads.ErrMissingCredentials)
		return
	}

	var req VolumesRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var filter keywords.Filter
	switch {
	case len(req.IDs) > 0:
		filter.IDs = req.IDs
	case req.Domain != "":
		filter.Domain = util.CanonicalDomain(req.Domain)
	default:
		BadRequest(w, r, "ids or domain is required")
		return
	}

	kws, err := h.Keywords.FindAll(r.Context(), filter)
	if err != nil {
		InternalError(w, r, err)
		return
	}

	res := h.Volumes.UpdateVolumes(r.Context(), h.Keywords, kws)
	if errors.Is(res.Error, ads.ErrMissingCredentials) {
		WriteServiceError(w, r, res.Error)
		return
	}

	resp := VolumesResponse{Volumes: res.Volumes}
	if resp.Volumes == nil {
		resp.Volumes = map[int64]int64{}
	}
	if res.Error != nil {
		resp.Error = res.Error.Error()
	}
	WriteSuccess(w, r, resp, "")
}

// IdeasRequest is the body of POST /v1/keywords/ideas.
type IdeasRequest struct {
	Keywords []string `json:"keywords"`
	URL      string   `json:"url"`
	Country  string   `json:"country"`
	Limit    int      `json:"limit"`
}

// KeywordIdeas handles POST /v1/keywords/ideas
func (h *Handler) KeywordIdeas(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}
	if h.Volumes == nil {
		WriteServiceError(w, r, ads.ErrMissingCredentials)
		return
	}

	var req IdeasRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Keywords) == 0 && req.URL == "" {
		BadRequest(w, r, "keywords or url is required")
		return
	}
	if req.Country == "" {
		req.Country = "US"
	}

	ideas, err := h.Volumes.GetIdeas(r.Context(), ads.IdeasRequest{
		Keywords: req.Keywords,
		URL:      req.URL,
		Country:  req.Country,
		Limit:    req.Limit,
	})
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]any{"ideas": ideas}, "")
}

// InsightHandler routes /v1/insight/{domain}, /v1/insight/{domain}/keyword
// and /v1/insight/{domain}/refresh.
func (h *Handler) InsightHandler(w http.ResponseWriter, r *http.Request) {
	if h.Insight == nil {
		ServiceUnavailable(w, r, "Insight is not available")
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/insight/"), "/")
	domain, action, _ := strings.Cut(rest, "/")
	domain = util.CanonicalDomain(domain)
	if err := util.ValidateHost(domain); err != nil {
		BadRequest(w, r, fmt.Sprintf("invalid domain: %v", err))
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			MethodNotAllowed(w, r)
			return
		}
		h.getInsight(w, r, domain)
	case "keyword":
		if r.Method != http.MethodGet {
			MethodNotAllowed(w, r)
			return
		}
		h.getKeywordStats(w, r, domain)
	case "refresh":
		if r.Method != http.MethodPost {
			MethodNotAllowed(w, r)
			return
		}
		h.refreshInsight(w, r, domain)
	default:
		NotFound(w, r, "Unknown insight resource")
	}
}

func (h *Handler) getInsight(w http.ResponseWriter, r *http.Request, domain string) {
	q := r.URL.Query()
	window, err := analytics.ParseWindow(q.Get("window"))
	if err != nil {
		BadRequest(w, r, err.Error())
		return
	}
	result := h.Insight.GetInsight(r.Context(), domain, window, insight.ParseSortKey(q.Get("sort")))
	WriteSuccess(w, r, result, "")
}

func (h *Handler) getKeywordStats(w http.ResponseWriter, r *http.Request, domain string) {
	q := r.URL.Query()
	keyword := strings.TrimSpace(q.Get("keyword"))
	if keyword == "" {
		BadRequest(w, r, "keyword is required")
		return
	}
	stats := h.Insight.KeywordStats(r.Context(), domain, keyword, q.Get("country"), q.Get("device"))
	WriteSuccess(w, r, map[string]any{"keyword": keyword, "stats": stats}, "")
}

func (h *Handler) refreshInsight(w http.ResponseWriter, r *http.Request, domain string) {
	if h.Analytics == nil {
		ServiceUnavailable(w, r, "Analytics is not available")
		return
	}
	if err := h.Analytics.Invalidate(r.Context(), domain); err != nil {
		InternalError(w, r, err)
		return
	}
	result := h.Insight.GetInsight(r.Context(), domain, analytics.ThirtyDays, insight.SortClicks)
	WriteSuccess(w, r, result, "Analytics refreshed")
}

// decodeJSON reads a bounded JSON body, answering 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		BadRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}
