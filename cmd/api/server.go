package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/contentrelay/contentrelay/engine/crawler"
	"github.com/contentrelay/contentrelay/engine/domain"
	"github.com/contentrelay/contentrelay/engine/publish"
	"github.com/contentrelay/contentrelay/engine/workflow"
	"github.com/contentrelay/contentrelay/pkg/metrics"
)

// workflowEngine is the engine surface the handlers use.
type workflowEngine interface {
	Begin(ctx context.Context) (*workflow.Execution, error)
	BeginResume(ctx context.Context, id string) (*workflow.Execution, error)
	Drive(ctx context.Context, exec *workflow.Execution) (*workflow.Execution, error)
}

// statsStore is the store surface the handlers use.
type statsStore interface {
	Stats(ctx context.Context) ([]domain.SourceStats, error)
	PendingPublish(ctx context.Context, sample int) (int, []domain.Article, error)
}

// runParams override the configured pipeline limits for one run. Zero
// fields keep the configured values.
type runParams struct {
	LimitPerAccount int `json:"limit_per_account"`
	TotalLinkLimit  int `json:"total_link_limit"`
	CrawlLimit      int `json:"crawl_limit"`
	CrawlBatchSize  int `json:"crawl_batch_size"`
	PublishLimit    int `json:"publish_limit"`
}

func (p runParams) zero() bool { return p == runParams{} }

type serverDeps struct {
	engine workflowEngine
	// engineWith builds a one-off engine with overridden limits. Nil
	// means overrides are ignored.
	engineWith func(p runParams) workflowEngine
	journal    *workflow.Journal
	stats      statsStore
	runLinks   func(ctx context.Context, accounts []string, limit int) (map[string]any, error)
	runContent func(ctx context.Context, limit, batchSize int) (crawler.Summary, error)
	crawlURLs  func(ctx context.Context, urls []string, sourceType domain.SourceType, sourceName string) []crawler.URLResult
	runPublish func(ctx context.Context, limit int) (publish.BatchSummary, error)
	metrics    *metrics.Registry
	log        *slog.Logger
}

type server struct {
	serverDeps
	sched *Scheduler
}

func newServer(deps serverDeps) *server {
	return &server{serverDeps: deps}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.Handle("GET /api/metrics", s.metrics.Handler())

	mux.HandleFunc("POST /api/workflow/run", s.handleWorkflowRun)
	mux.HandleFunc("POST /api/workflow/resume/{id}", s.handleWorkflowResume)
	mux.HandleFunc("GET /api/workflow/executions", s.handleExecutionList)
	mux.HandleFunc("GET /api/workflow/executions/{id}", s.handleExecutionGet)

	mux.HandleFunc("POST /api/crawl/links", s.handleCrawlLinks)
	mux.HandleFunc("POST /api/crawl/content", s.handleCrawlContent)

	mux.HandleFunc("POST /api/publish", s.handlePublish)
	mux.HandleFunc("GET /api/publish/status", s.handlePublishStatus)

	mux.HandleFunc("GET /api/stats", s.handleStats)

	mux.HandleFunc("POST /api/schedules", s.handleScheduleCreate)
	mux.HandleFunc("GET /api/schedules", s.handleScheduleList)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.handleScheduleDelete)
	return mux
}

// runTask is the scheduler's entry point into the pipeline.
func (s *server) runTask(task string) {
	ctx := context.Background()
	switch task {
	case taskWorkflow:
		exec, err := s.engine.Begin(ctx)
		if err != nil {
			if errors.Is(err, workflow.ErrExecutionRunning) {
				s.log.Info("scheduled workflow skipped, one is already running")
				return
			}
			s.log.Error("scheduled workflow start failed", "err", err)
			return
		}
		if _, err := s.engine.Drive(ctx, exec); err != nil {
			s.log.Error("scheduled workflow failed", "execution", exec.ID, "err", err)
		}
	case taskLinkCrawl:
		if _, err := s.runLinks(ctx, nil, 0); err != nil {
			s.log.Error("scheduled link crawl failed", "err", err)
		}
	case taskContentCrawl:
		if _, err := s.runContent(ctx, 50, 5); err != nil {
			s.log.Error("scheduled content crawl failed", "err", err)
		}
	case taskPublish:
		if _, err := s.runPublish(ctx, 100); err != nil {
			s.log.Error("scheduled publish failed", "err", err)
		}
	default:
		s.log.Warn("unknown scheduled task", "task", task)
	}
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleWorkflowRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Params runParams `json:"params"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	eng := s.engine
	if !req.Params.zero() && s.engineWith != nil {
		eng = s.engineWith(req.Params)
	}

	exec, err := eng.Begin(r.Context())
	if err != nil {
		if errors.Is(err, workflow.ErrExecutionRunning) {
			jsonError(w, http.StatusConflict, err.Error())
			return
		}
		s.log.Error("workflow start failed", "err", err)
		jsonError(w, http.StatusInternalServerError, "could not start workflow")
		return
	}
	go func() {
		if _, err := eng.Drive(context.Background(), exec); err != nil {
			s.log.Error("workflow run failed", "execution", exec.ID, "err", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"execution_id": exec.ID,
		"status":       exec.Status,
	})
}

func (s *server) handleWorkflowResume(w http.ResponseWriter, r *http.Request) {
	exec, err := s.engine.BeginResume(r.Context(), r.PathValue("id"))
	if err != nil {
		jsonError(w, http.StatusConflict, err.Error())
		return
	}
	go func() {
		if _, err := s.engine.Drive(context.Background(), exec); err != nil {
			s.log.Error("workflow resume failed", "execution", exec.ID, "err", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"execution_id": exec.ID,
		"status":       exec.Status,
	})
}

// executionSummary is the list view of an execution, without logs.
type executionSummary struct {
	ID        string     `json:"id"`
	Status    string     `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Resumable bool       `json:"resumable"`
}

func (s *server) handleExecutionList(w http.ResponseWriter, r *http.Request) {
	execs, err := s.journal.List()
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "could not list executions")
		return
	}
	out := make([]executionSummary, 0, len(execs))
	for _, e := range execs {
		out = append(out, executionSummary{
			ID:        e.ID,
			Status:    e.Status,
			StartedAt: e.StartedAt,
			EndedAt:   e.EndedAt,
			Resumable: e.Resumable(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleExecutionGet(w http.ResponseWriter, r *http.Request) {
	exec, err := s.journal.Load(r.PathValue("id"))
	if err != nil {
		jsonError(w, http.StatusNotFound, "no such execution")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *server) handleCrawlLinks(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Accounts []string `json:"accounts"`
		Limit    int      `json:"limit"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	summary, err := s.runLinks(r.Context(), req.Accounts, req.Limit)
	if err != nil {
		s.log.Error("link crawl failed", "err", err)
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// crawlContentRequest selects either claimed pending articles or an explicit
// URL list.
type crawlContentRequest struct {
	Limit      int      `json:"limit"`
	BatchSize  int      `json:"batch_size"`
	URLs       []string `json:"urls"`
	SourceType string   `json:"source_type"`
	SourceName string   `json:"source_name"`
}

func (s *server) handleCrawlContent(w http.ResponseWriter, r *http.Request) {
	var req crawlContentRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if len(req.URLs) > 0 {
		writeJSON(w, http.StatusOK,
			s.crawlURLs(r.Context(), req.URLs, domain.SourceType(req.SourceType), req.SourceName))
		return
	}
	if req.Limit <= 0 {
		req.Limit = 50
	}
	summary, err := s.runContent(r.Context(), req.Limit, req.BatchSize)
	if err != nil {
		s.log.Error("content crawl failed", "err", err)
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Limit int `json:"limit"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}
	summary, err := s.runPublish(r.Context(), req.Limit)
	if err != nil {
		s.log.Error("publish failed", "err", err)
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *server) handlePublishStatus(w http.ResponseWriter, r *http.Request) {
	count, sample, err := s.stats.PendingPublish(r.Context(), 10)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "could not read publish status")
		return
	}
	type item struct {
		ID    int64  `json:"id"`
		Title string `json:"title"`
	}
	items := make([]item, 0, len(sample))
	for _, a := range sample {
		items = append(items, item{ID: a.ID, Title: a.Title})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": count,
		"sample":  items,
	})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.Stats(r.Context())
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "could not read stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleScheduleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cron string `json:"cron"`
		Task string `json:"task"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sched, err := s.sched.Add(req.Cron, req.Task)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *server) handleScheduleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.List())
}

func (s *server) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Remove(r.PathValue("id")); err != nil {
		jsonError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
