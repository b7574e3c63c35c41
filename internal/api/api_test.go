package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/database"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/enricher"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/jobs"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/metrics"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/sampler"
)

var defaults = sampler.Request{SampleSize: 100, NumSamples: 1, MaxPartitions: 5, CostCeilingBytes: 1 << 30}

type fakeJobs struct {
	mu        sync.Mutex
	submitted []enricher.GenerationConfig
	tables    []database.TableIdentity
	submitErr error
	jobs      map[string]*jobs.Job
}

func (f *fakeJobs) Submit(_ context.Context, table database.TableIdentity, gc enricher.GenerationConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, gc)
	f.tables = append(f.tables, table)
	return fmt.Sprintf("job-%d", len(f.submitted)), nil
}

func (f *fakeJobs) Get(_ context.Context, id string) (*jobs.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, apperrors.ErrNotFound)
	}
	return j, nil
}

func (f *fakeJobs) List(_ context.Context) ([]*jobs.Job, error) {
	var out []*jobs.Job
	for _, j := range f.jobs {
		c := *j
		out = append(out, &c)
	}
	return out, nil
}

func (f *fakeJobs) Cancel(_ context.Context, id string) (bool, error) {
	j, ok := f.jobs[id]
	if !ok {
		return false, fmt.Errorf("job %s: %w", id, apperrors.ErrNotFound)
	}
	return !j.Status.Terminal(), nil
}

type fakeGenerator struct {
	err error
}

func (g *fakeGenerator) Validate(table database.TableIdentity, _ enricher.GenerationConfig) error {
	if table.Table == "" {
		return &apperrors.ConfigValidationError{Field: "table", Msg: "must not be empty"}
	}
	return nil
}

func (g *fakeGenerator) Generate(_ context.Context, table database.TableIdentity, _ enricher.GenerationConfig, hooks enricher.RunHooks) (*enricher.MetadataDocument, error) {
	if hooks.OnProgress != nil {
		hooks.OnProgress(1, 1)
	}
	if g.err != nil {
		return nil, g.err
	}
	return sampleDoc(table), nil
}

func (g *fakeGenerator) GenerateNow(ctx context.Context, table database.TableIdentity, gc enricher.GenerationConfig) (*enricher.MetadataDocument, error) {
	return g.Generate(ctx, table, gc, enricher.RunHooks{})
}

type fakeDocs struct{}

func (fakeDocs) Latest(_ context.Context, table database.TableIdentity) (*enricher.MetadataDocument, string, error) {
	if table.Table != "orders" {
		return nil, "", fmt.Errorf("documents for %s: %w", table, apperrors.ErrNotFound)
	}
	return sampleDoc(table), "shop/public/orders/x.json", nil
}

func sampleDoc(table database.TableIdentity) *enricher.MetadataDocument {
	return &enricher.MetadataDocument{
		Table:            table,
		GeneratedAt:      time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC),
		SectionsIncluded: []enricher.Section{enricher.SectionColumnDefinitions},
		Sections: map[enricher.Section]any{
			enricher.SectionColumnDefinitions: &enricher.ColumnDefinitions{TableDescription: "Customer orders"},
		},
	}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, rec)
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, rec.Body.String())
	return e["code"].(string)
}

func TestSubmitJob(t *testing.T) {
	fj := &fakeJobs{}
	h := NewRouter(Dependencies{Jobs: fj, Defaults: defaults})

	rec := do(t, h, http.MethodPost, "/v1/jobs", `{
		"table": {"database": "shop", "schema": "public", "table": "orders"},
		"sections": ["relationships", "data_quality"],
		"config": {"sample_size": 50, "model": "gpt-4o"}
	}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "job-1", decode(t, rec)["job_id"])
	assert.Equal(t, "/v1/jobs/job-1", rec.Header().Get("Location"))

	require.Len(t, fj.submitted, 1)
	gc := fj.submitted[0]
	assert.Equal(t, database.TableIdentity{Database: "shop", Schema: "public", Table: "orders"}, fj.tables[0])
	assert.Equal(t, 50, gc.SampleSize)
	assert.Equal(t, defaults.NumSamples, gc.NumSamples, "fields not in the request keep the defaults")
	assert.Equal(t, defaults.CostCeilingBytes, gc.CostCeilingBytes)
	assert.Equal(t, "gpt-4o", gc.Model)
	assert.True(t, gc.Relationships)
	assert.True(t, gc.DataQuality)
	assert.False(t, gc.QueryExamples)
}

func TestSubmitJob_Errors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		submitErr error
		status    int
		code      string
	}{
		{"malformed json", `{"table":`, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown field", `{"tabel": {}}`, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown config field", `{"table": {"table": "t"}, "config": {"sample_sise": 1}}`, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown section", `{"table": {"table": "t"}, "sections": ["bogus"]}`, nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"validation from manager", `{"table": {"table": "t"}}`, &apperrors.ConfigValidationError{Field: "sample_size", Msg: "must be positive"}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"queue full", `{"table": {"table": "t"}}`, apperrors.ErrQueueFull, http.StatusServiceUnavailable, "QUEUE_FULL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewRouter(Dependencies{Jobs: &fakeJobs{submitErr: tt.submitErr}, Defaults: defaults})
			rec := do(t, h, http.MethodPost, "/v1/jobs", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}
}

func TestGetAndCancelJob(t *testing.T) {
	fj := &fakeJobs{jobs: map[string]*jobs.Job{
		"running": {ID: "running", Status: jobs.StatusRunning, Progress: 0.5},
		"done":    {ID: "done", Status: jobs.StatusCompleted, Progress: 1, Result: sampleDoc(database.TableIdentity{Table: "orders"})},
		"failed":  {ID: "failed", Status: jobs.StatusFailed, Error: &jobs.ErrorRecord{Category: apperrors.CategoryCost, Message: "cost limit exceeded"}},
	}}
	h := NewRouter(Dependencies{Jobs: fj})

	rec := do(t, h, http.MethodGet, "/v1/jobs/running", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, 0.5, body["progress"])

	rec = do(t, h, http.MethodGet, "/v1/jobs/failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cost", decode(t, rec)["error"].(map[string]any)["category"])

	rec = do(t, h, http.MethodGet, "/v1/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))

	rec = do(t, h, http.MethodDelete, "/v1/jobs/running", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["cancelled"])

	rec = do(t, h, http.MethodDelete, "/v1/jobs/done", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["cancelled"])

	rec = do(t, h, http.MethodDelete, "/v1/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobDocument(t *testing.T) {
	fj := &fakeJobs{jobs: map[string]*jobs.Job{
		"running": {ID: "running", Status: jobs.StatusRunning},
		"done":    {ID: "done", Status: jobs.StatusCompleted, Result: sampleDoc(database.TableIdentity{Table: "orders"})},
	}}
	h := NewRouter(Dependencies{Jobs: fj})

	rec := do(t, h, http.MethodGet, "/v1/jobs/running/document", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/jobs/done/document", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode(t, rec), "table_identity")

	rec = do(t, h, http.MethodGet, "/v1/jobs/done/document?format=yaml", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "table_description: Customer orders")

	rec = do(t, h, http.MethodGet, "/v1/jobs/done/document?format=text", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Customer orders")

	rec = do(t, h, http.MethodGet, "/v1/jobs/done/document?format=xml", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListJobs(t *testing.T) {
	fj := &fakeJobs{jobs: map[string]*jobs.Job{
		"a": {ID: "a", Status: jobs.StatusCompleted, Result: sampleDoc(database.TableIdentity{Table: "orders"})},
		"b": {ID: "b", Status: jobs.StatusPending},
	}}
	h := NewRouter(Dependencies{Jobs: fj})

	rec := do(t, h, http.MethodGet, "/v1/jobs?status=completed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode(t, rec)["jobs"].([]any)
	require.Len(t, list, 1)
	j := list[0].(map[string]any)
	assert.Equal(t, "a", j["job_id"])
	assert.Nil(t, j["result"], "listings omit results")
	assert.NotNil(t, fj.jobs["a"].Result, "the stored job is untouched")
}

func TestGenerateInline(t *testing.T) {
	h := NewRouter(Dependencies{Jobs: &fakeJobs{}, Generator: &fakeGenerator{}, Defaults: defaults})
	rec := do(t, h, http.MethodPost, "/v1/generate", `{"table": {"table": "orders"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []any{"column_definitions"}, decode(t, rec)["sections_included"])

	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&apperrors.SchemaNotFoundError{Table: "orders"}, http.StatusNotFound, "TABLE_NOT_FOUND"},
		{&apperrors.CostLimitExceededError{EstimatedBytes: 10, CeilingBytes: 1}, http.StatusUnprocessableEntity, "COST_LIMIT_EXCEEDED"},
		{&apperrors.LLMError{Op: "complete", Model: "m", Timeout: true}, http.StatusBadGateway, "LLM_ERROR"},
		{&apperrors.ConnectionError{Err: fmt.Errorf("refused")}, http.StatusServiceUnavailable, "DATABASE_UNAVAILABLE"},
		{fmt.Errorf("persist document: boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		h := NewRouter(Dependencies{Jobs: &fakeJobs{}, Generator: &fakeGenerator{err: tt.err}, Defaults: defaults})
		rec := do(t, h, http.MethodPost, "/v1/generate", `{"table": {"table": "orders"}}`)
		assert.Equal(t, tt.status, rec.Code, tt.err.Error())
		assert.Equal(t, tt.code, errorCode(t, rec))
	}

	h = NewRouter(Dependencies{Jobs: &fakeJobs{}})
	rec = do(t, h, http.MethodPost, "/v1/generate", `{"table": {"table": "orders"}}`)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestLatestDocument(t *testing.T) {
	h := NewRouter(Dependencies{Jobs: &fakeJobs{}, Documents: fakeDocs{}})

	rec := do(t, h, http.MethodGet, "/v1/tables/shop/public/orders/latest", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "shop/public/orders/x.json", rec.Header().Get("X-Document-Key"))

	rec = do(t, h, http.MethodGet, "/v1/tables/shop/public/users/latest", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.JobSubmitted()
	h := NewRouter(Dependencies{Jobs: &fakeJobs{}, Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})})

	rec := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "metagen_jobs_submitted_total 1")
}

func TestEndToEndWithManager(t *testing.T) {
	mgr := jobs.NewManager(&fakeGenerator{}, jobs.NewMemoryStore(), jobs.Options{Workers: 1}, nil)
	mgr.Start(context.Background())
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	h := NewRouter(Dependencies{Jobs: mgr, Defaults: defaults})

	rec := do(t, h, http.MethodPost, "/v1/jobs", `{"table": {"schema": "public", "table": "orders"}, "sections": ["all"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id := decode(t, rec)["job_id"].(string)

	require.Eventually(t, func() bool {
		rec := do(t, h, http.MethodGet, "/v1/jobs/"+id, "")
		var job jobs.Job
		if rec.Code != http.StatusOK || json.Unmarshal(rec.Body.Bytes(), &job) != nil {
			return false
		}
		return job.Status == jobs.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	rec = do(t, h, http.MethodPost, "/v1/jobs", `{"table": {"schema": "public"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
