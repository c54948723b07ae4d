package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kylemclaren/taskfab/internal/api"
	"github.com/kylemclaren/taskfab/internal/engine"
	"github.com/kylemclaren/taskfab/internal/model"
	"github.com/kylemclaren/taskfab/internal/resource"
	"github.com/kylemclaren/taskfab/internal/schedule"
	"github.com/kylemclaren/taskfab/internal/template"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var nextFire = time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)

type fixedCron map[string]time.Time

func (c fixedCron) NextRunTimes() map[string]time.Time { return c }

type client struct {
	t   *testing.T
	srv *httptest.Server
}

func newClient(t *testing.T) *client {
	t.Helper()
	g := template.NewGraph()
	require.NoError(t, g.AddResourceType(resource.Type{ID: "device", PerTask: true}))
	require.NoError(t, g.AddProduct(template.Product{ID: "binary"}))
	require.NoError(t, g.AddFramework(template.Framework{ID: "build", Outputs: []string{"binary"}}))
	require.NoError(t, g.AddFramework(template.Framework{ID: "test", Inputs: []string{"binary"}}))
	require.NoError(t, g.AddTaskDefinition(template.TaskDefinition{ID: "compile", Framework: "build"}))
	require.NoError(t, g.AddTaskDefinition(template.TaskDefinition{ID: "smoke", Framework: "test"}))
	require.NoError(t, g.AddConfiguration(template.Configuration{
		ID:    "nightly",
		Tasks: []template.ConfigTask{{Name: "compile"}, {Name: "smoke"}},
	}))

	state := engine.NewState(g, engine.Options{})
	require.NoError(t, state.AddSchedule(t.Context(), schedule.Schedule{ID: "weekly", ConfigID: "nightly", Owner: "bob"}))
	e := engine.New(state, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Do(ctx) }()

	srv := httptest.NewServer(api.NewServer(e, fixedCron{"weekly": nextFire}, "test").Router())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		require.NoError(t, <-done)
	})
	return &client{t: t, srv: srv}
}

// do sends body as JSON and decodes the response into out when out is set.
func (c *client) do(method, path string, body, out any) int {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, c.srv.URL+path, &buf)
	require.NoError(c.t, err)
	req.Header.Set(api.UserHeader, "alice")
	resp, err := c.srv.Client().Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (c *client) createJob() string {
	c.t.Helper()
	var created api.CreateJobsResponse
	require.Equal(c.t, http.StatusCreated, c.do(http.MethodPost, "/api/v1/jobs", map[string]any{"config": "nightly", "comment": "api"}, &created))
	require.Len(c.t, created.Jobs, 1)
	return created.Jobs[0]
}

func TestHealth(t *testing.T) {
	c := newClient(t)
	var health api.HealthResponse
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/v1/health", nil, &health))
	require.Equal(t, api.HealthResponse{Status: "ok", Version: "test"}, health)
}

func TestJobLifecycle(t *testing.T) {
	c := newClient(t)
	id := c.createJob()

	var got api.JobResponse
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/v1/jobs/"+id, nil, &got))
	require.Equal(t, "alice", got.Owner, "owner comes from the user header")
	require.Equal(t, "api", got.Comment)
	require.False(t, got.Final)
	require.Len(t, got.Tasks, 2)

	var sync engine.SyncResponse
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/v1/runners/r-1/sync", nil, &sync))
	require.NotNil(t, sync.Assignment)
	require.Equal(t, id, sync.Assignment.JobID)
	require.Equal(t, "compile", sync.Assignment.TaskName)
	require.Equal(t, []string{"binary"}, sync.Assignment.Outputs)

	report := map[string]any{"job": id, "task": "compile", "result": "ok", "outputs": map[string]string{"binary": "b-1"}}
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/v1/runners/r-1/report", report, nil))

	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/v1/runners/r-1/sync", map[string]any{}, &sync))
	require.NotNil(t, sync.Assignment)
	require.Equal(t, "smoke", sync.Assignment.TaskName)
	require.Equal(t, map[string]string{"binary": "b-1"}, sync.Assignment.Inputs)

	var aborted api.AbortResponse
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/v1/jobs/abort", map[string]any{"jobs": []string{id}}, &aborted))
	require.Equal(t, map[string][]string{id: {"smoke"}}, aborted.Aborted)

	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/v1/jobs/"+id, nil, &got))
	require.True(t, got.Final)
	require.Equal(t, model.ResultCancelled, got.Result)

	var list api.JobListResponse
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/v1/jobs?active=true", nil, &list))
	require.Zero(t, list.Total)
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/v1/jobs?owner=alice", nil, &list))
	require.Equal(t, 1, list.Total)
}

func TestAnnotations(t *testing.T) {
	c := newClient(t)
	id := c.createJob()

	require.Equal(t, http.StatusOK, c.do(http.MethodPut, "/api/v1/jobs/"+id+"/tasks/smoke/alert", api.AlertRequest{Alert: "flaky"}, nil))
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/v1/jobs/"+id+"/comment", api.CommentRequest{Text: "looking"}, nil))

	var got api.JobResponse
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/v1/jobs/"+id, nil, &got))
	require.Equal(t, "flaky", got.Tasks[1].Alert)
	require.Contains(t, got.Comment, "looking")
}

func TestErrorStatus(t *testing.T) {
	c := newClient(t)

	cases := []struct {
		scenario string
		method   string
		path     string
		body     any
		status   int
		code     string
	}{
		{"unknown_job", http.MethodGet, "/api/v1/jobs/nope", nil, http.StatusNotFound, "not_found"},
		{"unknown_configuration", http.MethodPost, "/api/v1/jobs", map[string]any{"config": "nope"}, http.StatusBadRequest, "invalid_request"},
		{"unknown_field", http.MethodPost, "/api/v1/jobs", map[string]any{"cfg": "nightly"}, http.StatusBadRequest, "invalid_request"},
		{"bad_time", http.MethodGet, "/api/v1/jobs?from=yesterday", nil, http.StatusBadRequest, "invalid_request"},
		{"suspend_without_ids", http.MethodPost, "/api/v1/resources/suspend", api.SuspendRequest{Suspended: true}, http.StatusBadRequest, "invalid_request"},
		{"unknown_schedule", http.MethodPost, "/api/v1/schedules/nope/trigger", nil, http.StatusNotFound, "not_found"},
		{"unknown_shadow_run", http.MethodPost, "/api/v1/shadow/nope/result", api.ResultRequest{Result: model.ResultOK}, http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			var resp api.ErrorResponse
			require.Equal(t, tc.status, c.do(tc.method, tc.path, tc.body, &resp))
			require.Equal(t, tc.code, resp.Code)
			require.NotEmpty(t, resp.Details)
		})
	}
}

func TestDeleteResourceInUse(t *testing.T) {
	c := newClient(t)
	id := c.createJob()

	var sync engine.SyncResponse
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/v1/runners/r-1/sync", nil, &sync))
	require.NotNil(t, sync.Assignment)

	var resp api.ErrorResponse
	require.Equal(t, http.StatusConflict, c.do(http.MethodDelete, "/api/v1/resources/r-1", nil, &resp))
	require.Equal(t, "record_in_use", resp.Code)
	require.Equal(t, []string{"/api/v1/jobs/" + id + "#compile"}, resp.Links)

	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/v1/jobs/abort", map[string]any{"jobs": []string{id}}, nil))
	require.Equal(t, http.StatusOK, c.do(http.MethodDelete, "/api/v1/resources/r-1", nil, nil))

	var list api.ResourceListResponse
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/v1/resources", nil, &list))
	require.Zero(t, list.Total)
}

func TestShadowRuns(t *testing.T) {
	c := newClient(t)

	var created api.ShadowCreatedResponse
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/api/v1/shadow", map[string]any{"description": "replay"}, &created))
	require.NotEmpty(t, created.ID)

	var list api.ShadowListResponse
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/v1/shadow?q=repl*", nil, &list))
	require.Equal(t, 1, list.Total)
	require.Equal(t, created.ID, list.Runs[0].ID)
}

func TestTemplateDeletes(t *testing.T) {
	c := newClient(t)

	var resp api.ErrorResponse
	require.Equal(t, http.StatusConflict, c.do(http.MethodDelete, "/api/v1/products/binary", nil, &resp))
	require.Equal(t, "record_in_use", resp.Code)
	require.Equal(t, []string{"/api/v1/frameworks/build", "/api/v1/frameworks/test"}, resp.Links)

	require.Equal(t, http.StatusConflict, c.do(http.MethodDelete, "/api/v1/task-definitions/compile", nil, &resp))
	require.Equal(t, []string{"/api/v1/configurations/nightly"}, resp.Links)

	cases := []struct {
		scenario string
		path     string
		status   int
	}{
		{"configuration", "/api/v1/configurations/nightly", http.StatusOK},
		{"task_definition", "/api/v1/task-definitions/compile", http.StatusOK},
		{"framework", "/api/v1/frameworks/build", http.StatusOK},
		{"resource_type", "/api/v1/resource-types/device", http.StatusOK},
		{"resource_type_again", "/api/v1/resource-types/device", http.StatusNotFound},
		{"reserved_type", "/api/v1/resource-types/" + resource.TaskRunnerType, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			require.Equal(t, tc.status, c.do(http.MethodDelete, tc.path, nil, nil))
		})
	}
}

func TestResourceAndScheduleAdmin(t *testing.T) {
	c := newClient(t)

	var sync engine.SyncResponse
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/v1/runners/r-1/sync", nil, &sync))
	require.Equal(t, http.StatusOK, c.do(http.MethodPut, "/api/v1/resources/r-1",
		api.UpdateResourceRequest{Capabilities: []string{"linux", "arm64"}, Description: "rack 4"}, nil))
	require.Equal(t, http.StatusNotFound, c.do(http.MethodPut, "/api/v1/resources/nope", api.UpdateResourceRequest{}, nil))

	var rs api.ResourceListResponse
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/v1/resources?capability=arm64", nil, &rs))
	require.Equal(t, 1, rs.Total)
	require.Equal(t, "rack 4", rs.Resources[0].Description)
	require.Equal(t, resource.Capabilities{"arm64", "linux"}, rs.Resources[0].Capabilities)

	var scs api.ScheduleListResponse
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/v1/schedules", nil, &scs))
	require.Equal(t, 1, scs.Total)
	require.True(t, nextFire.Equal(scs.Cron["weekly"]))

	require.Equal(t, http.StatusOK, c.do(http.MethodDelete, "/api/v1/schedules/weekly", nil, nil))
	require.Equal(t, http.StatusNotFound, c.do(http.MethodDelete, "/api/v1/schedules/weekly", nil, nil))
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/v1/schedules", nil, &scs))
	require.Zero(t, scs.Total)
}
