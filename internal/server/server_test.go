package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/crate/internal/cache"
	"github.com/desertthunder/crate/internal/models"
	"github.com/desertthunder/crate/internal/repositories"
	"github.com/desertthunder/crate/internal/services"
	"github.com/desertthunder/crate/internal/shared"
	"github.com/desertthunder/crate/internal/tasks"
	tu "github.com/desertthunder/crate/internal/testing"
)

const owner = "owner-1"

type apiFixture struct {
	store   *repositories.Store
	engine  *tasks.AnalysisEngine
	server  *Server
	records []models.Record
}

func setup(t *testing.T) apiFixture {
	t.Helper()
	cfg := tu.TestConfig()
	cfg.Analysis.ProgressGraceMinutes = 0
	store := tu.NewStore(t, cfg)
	logger := shared.NewLogger(io.Discard)
	rc := cache.New(cfg.Cache.TTL())

	engine := tasks.NewAnalysisEngine(tasks.EngineOpts{
		Store:  store,
		Source: store.Library,
		Cache:  rc,
		Config: cfg.Analysis,
		Logger: logger,
	})
	srv := New(Opts{
		Config:   cfg.Server,
		Engine:   engine,
		Store:    store,
		Services: services.New(store, rc, logger),
		Owner:    owner,
		Logger:   logger,
	})

	records := tu.SeedLibrary(t, store,
		tu.Track{Title: "Blue Monday", Artist: "New Order", Plays: 12},
		tu.Track{Title: "Blue Monday", Artist: "New Order", Plays: 3},
		tu.Track{Title: "Atmosphere", Artist: "Joy Division", Plays: 8},
		tu.Track{Title: "Atmosphere (Live)", Artist: "Joy Division", Plays: 1},
	)
	return apiFixture{store: store, engine: engine, server: srv, records: records}
}

func (f apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// analyze runs an analysis through the API and waits for it to finish.
func (f apiFixture) analyze(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/analysis", AnalysisRequest{OwnerID: owner})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	started := decodeBody[tasks.RunResult](t, rec)
	f.engine.Wait()
	return started.RunID
}

func TestAnalysisEndpoints(t *testing.T) {
	t.Run("start, poll and read groups", func(t *testing.T) {
		f := setup(t)
		runID := f.analyze(t)

		rec := f.do(t, http.MethodGet, "/api/analysis/"+runID+"/progress", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		p := decodeBody[models.AnalysisProgress](t, rec)
		assert.Equal(t, models.StatusCompleted, p.Phase)
		assert.Equal(t, 100.0, p.Percentage)

		rec = f.do(t, http.MethodGet, "/api/analysis/"+runID+"/groups", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		groups := decodeBody[[]models.DuplicateGroup](t, rec)
		require.Len(t, groups, 2)

		actions := map[string]models.SuggestedAction{}
		for _, g := range groups {
			actions[g.Canonical.Artist] = g.SuggestedAction
		}
		assert.Equal(t, models.ActionDeleteDuplicates, actions["New Order"])
		assert.Equal(t, models.ActionReview, actions["Joy Division"])

		rec = f.do(t, http.MethodGet, "/api/analysis/"+runID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, models.StatusCompleted, decodeBody[models.AnalysisRun](t, rec).Status)
	})

	t.Run("second request reuses the result", func(t *testing.T) {
		f := setup(t)
		runID := f.analyze(t)

		rec := f.do(t, http.MethodPost, "/api/analysis", AnalysisRequest{OwnerID: owner})
		require.Equal(t, http.StatusOK, rec.Code)
		result := decodeBody[tasks.RunResult](t, rec)
		assert.Equal(t, tasks.OutcomeCached, result.Outcome)
		assert.Equal(t, runID, result.RunID)
	})

	t.Run("progress falls back to the persisted run", func(t *testing.T) {
		f := setup(t)
		runID := f.analyze(t)
		require.Equal(t, 1, f.engine.Registry().Sweep())

		rec := f.do(t, http.MethodGet, "/api/analysis/"+runID+"/progress", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		p := decodeBody[models.AnalysisProgress](t, rec)
		assert.Equal(t, models.StatusCompleted, p.Phase)
		assert.Equal(t, 4, p.Processed)
	})

	t.Run("invalid filters are rejected", func(t *testing.T) {
		f := setup(t)
		rec := f.do(t, http.MethodPost, "/api/analysis", AnalysisRequest{Filters: models.Filters{MinConfidence: 3}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body is rejected", func(t *testing.T) {
		f := setup(t)
		req := httptest.NewRequest(http.MethodPost, "/api/analysis", strings.NewReader(`{"owner_id": 42}`))
		rec := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decodeBody[errorBody](t, rec).Error, "malformed")
	})

	t.Run("unknown run", func(t *testing.T) {
		f := setup(t)
		missing := shared.GenerateID()
		for _, path := range []string{"/progress", "/groups", "/impact", "/export"} {
			rec := f.do(t, http.MethodGet, "/api/analysis/"+missing+path, nil)
			assert.Equal(t, http.StatusNotFound, rec.Code, path)
		}
		rec := f.do(t, http.MethodPost, "/api/analysis/"+missing+"/cancel", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("cancelling a finished run conflicts", func(t *testing.T) {
		f := setup(t)
		runID := f.analyze(t)
		rec := f.do(t, http.MethodPost, "/api/analysis/"+runID+"/cancel", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		f := setup(t)
		rec := f.do(t, http.MethodDelete, "/api/analysis", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestExportEndpoint(t *testing.T) {
	f := setup(t)
	runID := f.analyze(t)

	rec := f.do(t, http.MethodGet, "/api/analysis/"+runID+"/export?format=csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), runID+".csv")
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	assert.Len(t, lines, 5)

	rec = f.do(t, http.MethodGet, "/api/analysis/"+runID+"/export?format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCleanupEndpoints(t *testing.T) {
	t.Run("delete updates impact and audit", func(t *testing.T) {
		f := setup(t)
		runID := f.analyze(t)

		rec := f.do(t, http.MethodPost, "/api/records/delete", DeleteRequest{RunID: runID, RecordIDs: []string{f.records[1].ID}})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		result := decodeBody[services.DeleteResult](t, rec)
		assert.Equal(t, []string{f.records[1].ID}, result.Deleted)
		assert.Equal(t, 1, result.Resolution.GroupsResolved)

		rec = f.do(t, http.MethodGet, "/api/analysis/"+runID+"/impact?threshold=40", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		impact := decodeBody[ImpactResponse](t, rec)
		assert.Equal(t, 1, impact.Impact.Current.ResolvedGroups)
		assert.Equal(t, 50.0, impact.Impact.ResolutionRate)
		assert.Equal(t, 40.0, impact.Refresh.ThresholdPercent)

		rec = f.do(t, http.MethodGet, "/api/audit?days=1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		audit := decodeBody[AuditResponse](t, rec)
		require.Len(t, audit.Entries, 1)
		assert.Equal(t, models.ActionSingleDelete, audit.Entries[0].Action)
		assert.Equal(t, 1, audit.Summary.Operations)
	})

	t.Run("smart delete keeps review groups", func(t *testing.T) {
		f := setup(t)
		runID := f.analyze(t)

		rec := f.do(t, http.MethodPost, "/api/records/delete", DeleteRequest{RunID: runID, Smart: true})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		result := decodeBody[services.DeleteResult](t, rec)
		assert.Equal(t, models.ActionSmartDelete, result.Action)
		assert.Equal(t, []string{f.records[1].ID}, result.Deleted)
	})

	t.Run("smart delete needs a run", func(t *testing.T) {
		f := setup(t)
		rec := f.do(t, http.MethodPost, "/api/records/delete", DeleteRequest{Smart: true})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad audit window", func(t *testing.T) {
		f := setup(t)
		rec := f.do(t, http.MethodGet, "/api/audit?days=soon", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("recovery returns 500", func(t *testing.T) {
		r := NewBasicRouter()
		r.Use(Recovery(shared.NewLogger(io.Discard)))
		r.Handle(http.MethodGet, "/boom", http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))

		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("rate limit rejects bursts", func(t *testing.T) {
		r := NewBasicRouter()
		r.Use(RateLimit(0.001, 1))
		r.Handle(http.MethodGet, "/", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))

		codes := make([]int, 2)
		for i := range codes {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			codes[i] = rec.Code
		}
		assert.Equal(t, []int{http.StatusNoContent, http.StatusTooManyRequests}, codes)
	})

	t.Run("middleware order", func(t *testing.T) {
		var order []string
		mark := func(name string) Middleware {
			return func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					order = append(order, name)
					next.ServeHTTP(w, r)
				})
			}
		}
		r := NewBasicRouter()
		r.Use(mark("first"), mark("second"))
		r.Handle(http.MethodGet, "/", http.HandlerFunc(func(http.ResponseWriter, *http.Request) { order = append(order, "handler") }))

		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, []string{"first", "second", "handler"}, order)
	})
}

func TestServe(t *testing.T) {
	f := setup(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
