package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/crate/internal/formatter"
	"github.com/desertthunder/crate/internal/models"
	"github.com/desertthunder/crate/internal/repositories"
	"github.com/desertthunder/crate/internal/services"
	"github.com/desertthunder/crate/internal/shared"
	"github.com/desertthunder/crate/internal/tasks"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error string      `json:"error"`
	Code  shared.Code `json:"code,omitempty"`
}

// AnalysisRequest is the body of POST /api/analysis.
type AnalysisRequest struct {
	OwnerID      string         `json:"owner_id"`
	Filters      models.Filters `json:"filters"`
	ForceRefresh bool           `json:"force_refresh"`
}

// DeleteRequest is the body of POST /api/records/delete.
//
// Smart deletes every duplicate of the run's unresolved groups and ignores RecordIDs.
type DeleteRequest struct {
	OwnerID   string   `json:"owner_id"`
	RunID     string   `json:"run_id,omitempty"`
	RecordIDs []string `json:"record_ids,omitempty"`
	Smart     bool     `json:"smart,omitempty"`
}

// ImpactResponse is the body of GET /api/analysis/{id}/impact.
type ImpactResponse struct {
	Impact  services.ImpactSummary     `json:"impact"`
	Refresh services.RefreshSuggestion `json:"refresh"`
}

// AuditResponse is the body of GET /api/audit.
type AuditResponse struct {
	Summary services.AuditSummary `json:"summary"`
	Entries []services.TrailEntry `json:"entries"`
}

// API exposes analysis and cleanup operations over HTTP.
type API struct {
	engine   *tasks.AnalysisEngine
	store    *repositories.Store
	services *services.Services
	owner    string
	logger   *log.Logger
}

// NewAPI creates the API handlers. owner is used when a request does not name one.
func NewAPI(engine *tasks.AnalysisEngine, store *repositories.Store, svc *services.Services, owner string, logger *log.Logger) *API {
	return &API{engine: engine, store: store, services: svc, owner: owner, logger: logger}
}

// Register adds every API route to r.
func (a *API) Register(r Router) {
	r.Handle(http.MethodGet, "/api/health", http.HandlerFunc(a.health))
	r.Handle(http.MethodPost, "/api/analysis", http.HandlerFunc(a.startAnalysis))
	r.Handle(http.MethodGet, "/api/analysis/{id}", http.HandlerFunc(a.getRun))
	r.Handle(http.MethodGet, "/api/analysis/{id}/progress", http.HandlerFunc(a.progress))
	r.Handle(http.MethodPost, "/api/analysis/{id}/cancel", http.HandlerFunc(a.cancel))
	r.Handle(http.MethodGet, "/api/analysis/{id}/groups", http.HandlerFunc(a.groups))
	r.Handle(http.MethodGet, "/api/analysis/{id}/impact", http.HandlerFunc(a.impact))
	r.Handle(http.MethodGet, "/api/analysis/{id}/export", http.HandlerFunc(a.export))
	r.Handle(http.MethodPost, "/api/records/delete", http.HandlerFunc(a.deleteRecords))
	r.Handle(http.MethodGet, "/api/audit", http.HandlerFunc(a.audit))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, shared.ErrValidation),
		errors.Is(err, shared.ErrInvalidArgument),
		errors.Is(err, shared.ErrMissingArgument),
		errors.Is(err, shared.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, shared.ErrRunNotFound),
		errors.Is(err, shared.ErrGroupNotFound),
		errors.Is(err, shared.ErrRecordNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: malformed request body: %v", shared.ErrInvalidInput, err)
	}
	return nil
}

func (a *API) ownerOf(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return a.owner
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "active_runs": len(a.engine.Registry().Active())})
}

// startAnalysis begins a run in the background. Reusable results are returned with 200, new runs with 202.
func (a *API) startAnalysis(w http.ResponseWriter, r *http.Request) {
	var body AnalysisRequest
	if err := a.decode(w, r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}

	result, err := a.engine.Start(r.Context(), tasks.RunRequest{
		OwnerID:      a.ownerOf(body.OwnerID),
		Filters:      body.Filters,
		ForceRefresh: body.ForceRefresh,
	}, nil)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if result.Outcome == tasks.OutcomeCached {
		status = http.StatusOK
	}
	w.Header().Set("Location", "/api/analysis/"+result.RunID+"/progress")
	writeJSON(w, status, result)
}

func (a *API) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// progress serves live progress, falling back to the persisted run once the registry has dropped it.
func (a *API) progress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if p, ok := a.engine.Progress(id); ok {
		writeJSON(w, http.StatusOK, p)
		return
	}

	run, err := a.store.GetRun(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	p := models.AnalysisProgress{
		RunID:       run.ID,
		OwnerID:     run.OwnerID,
		Phase:       run.Status,
		Processed:   run.Checkpoint.Processed,
		Total:       run.Checkpoint.Total,
		GroupsFound: run.Checkpoint.GroupsFound,
		Error:       run.ErrorMessage,
		StartedAt:   run.CreatedAt,
		UpdatedAt:   run.UpdatedAt,
		FinishedAt:  run.CompletedAt,
	}
	p.Estimate(run.UpdatedAt)
	if run.Status == models.StatusCompleted {
		p.Percentage = 100
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if a.engine.Cancel(id) {
		writeJSON(w, http.StatusAccepted, map[string]any{"run_id": id, "cancelled": true})
		return
	}

	run, err := a.store.GetRun(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusConflict, errorBody{Error: fmt.Sprintf("run %s is %s", id, run.Status)})
}

func (a *API) groups(w http.ResponseWriter, r *http.Request) {
	groups, err := a.engine.Groups(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if groups == nil {
		groups = []models.DuplicateGroup{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (a *API) impact(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var threshold float64
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			a.writeError(w, r, fmt.Errorf("%w: threshold must be a non-negative number", shared.ErrInvalidArgument))
			return
		}
		threshold = v
	}

	impact, err := a.services.Tracker.ImpactSummary(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	refresh, err := a.services.Tracker.SuggestRefresh(r.Context(), id, threshold)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ImpactResponse{Impact: impact, Refresh: refresh})
}

// export streams a run's groups. Errors after the first byte can only be logged.
func (a *API) export(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	format, err := formatter.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if _, err := a.store.GetRun(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.%s"`, id, format.Extension()))
	if _, err := a.engine.Export(r.Context(), id, w, format); err != nil {
		a.logger.Error("export interrupted", "run_id", id, "error", err)
	}
}

func (a *API) deleteRecords(w http.ResponseWriter, r *http.Request) {
	var body DeleteRequest
	if err := a.decode(w, r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	owner := a.ownerOf(body.OwnerID)

	var (
		result services.DeleteResult
		err    error
	)
	if body.Smart {
		if body.RunID == "" {
			a.writeError(w, r, fmt.Errorf("%w: run_id is required for smart delete", shared.ErrMissingArgument))
			return
		}
		result, err = a.services.Cleaner.SmartDelete(r.Context(), owner, body.RunID)
	} else {
		result, err = a.services.Cleaner.DeleteRecords(r.Context(), services.DeleteRequest{
			OwnerID:   owner,
			RunID:     body.RunID,
			RecordIDs: body.RecordIDs,
		})
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) audit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner := a.ownerOf(q.Get("owner"))

	var window time.Duration
	if raw := q.Get("days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days < 0 {
			a.writeError(w, r, fmt.Errorf("%w: days must be a non-negative integer", shared.ErrInvalidArgument))
			return
		}
		window = time.Duration(days) * 24 * time.Hour
	}

	entries, err := a.services.Audit.Query(r.Context(), owner, window)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []services.TrailEntry{}
	}
	writeJSON(w, http.StatusOK, AuditResponse{
		Summary: services.Summarize(owner, window, entries),
		Entries: entries,
	})
}
