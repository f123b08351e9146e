package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autocoder/pkg/persistence"
	"autocoder/pkg/runtoken"
	"autocoder/pkg/testkit"
	"autocoder/pkg/trigger"
)

const testToken = "s3cret"

type fakeDispatcher struct {
	triggerErr error
	stopErr    error
	startErr   error
	cancelErr  error
	requests   []trigger.Request
	stopped    []int64
	cancelled  []string
}

func (f *fakeDispatcher) Trigger(_ context.Context, req trigger.Request) (trigger.Dispatch, error) {
	f.requests = append(f.requests, req)
	if f.triggerErr != nil {
		return trigger.Dispatch{}, f.triggerErr
	}
	return trigger.Dispatch{WorkflowID: fmt.Sprintf("manual-%d-%d", req.ProjectID, req.WorkItemNumber), RunID: "run-1"}, nil
}

func (f *fakeDispatcher) StopProject(_ context.Context, id int64) error {
	f.stopped = append(f.stopped, id)
	return f.stopErr
}

func (f *fakeDispatcher) StartProject(_ context.Context, id int64) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	return fmt.Sprintf("poll-%d", id), nil
}

func (f *fakeDispatcher) CancelRun(_ context.Context, runID string) error {
	f.cancelled = append(f.cancelled, runID)
	return f.cancelErr
}

type apiFixture struct {
	ops        *persistence.DatabaseOperations
	project    *persistence.Project
	dispatcher *fakeDispatcher
	tokens     *runtoken.Issuer
	handler    http.Handler
}

func newAPIFixture(t *testing.T, apiToken string) *apiFixture {
	t.Helper()
	ops := testkit.NewDB(t)
	sealer, err := runtoken.NewSealer("test-secret")
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "autocoder_test_total", Help: "test"}))

	f := &apiFixture{
		ops:        ops,
		project:    testkit.NewProject(t, ops),
		dispatcher: &fakeDispatcher{},
		tokens:     runtoken.NewIssuer(ops, sealer),
	}
	f.handler = NewServer(Options{
		Store:      ops,
		Dispatcher: f.dispatcher,
		Tokens:     f.tokens,
		Gatherer:   reg,
		APIToken:   apiToken,
	}).Handler()
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var e errorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&e))
	return e.Error
}

func TestAuth(t *testing.T) {
	f := newAPIFixture(t, testToken)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + testToken, http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			f.handler.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestAuthDeniesWithoutConfiguredToken(t *testing.T) {
	f := newAPIFixture(t, "")
	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	req.Header.Set("Authorization", "Bearer ")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	f := newAPIFixture(t, testToken)

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "autocoder_test_total")
}

func TestTriggerRoute(t *testing.T) {
	f := newAPIFixture(t, testToken)

	w := f.do(t, http.MethodPost, fmt.Sprintf("/api/projects/%d/runs", f.project.ID), `{"work_item_number": 7, "agent_type": "codex"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var d trigger.Dispatch
	require.NoError(t, json.NewDecoder(w.Body).Decode(&d))
	assert.Equal(t, "run-1", d.RunID)
	require.Len(t, f.dispatcher.requests, 1)
	assert.Equal(t, trigger.Request{ProjectID: f.project.ID, WorkItemNumber: 7, AgentType: "codex"}, f.dispatcher.requests[0])
}

func TestTriggerRouteErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"conflict", fmt.Errorf("%w: #7 has an active run", trigger.ErrAlreadyRunning), http.StatusConflict},
		{"upstream", fmt.Errorf("%w: database is locked", trigger.ErrUnavailable), http.StatusServiceUnavailable},
		{"validation", fmt.Errorf("%w: select a work item, a pull request or enter a prompt", trigger.ErrValidation), http.StatusBadRequest},
		{"not found", fmt.Errorf("%w: project 9", trigger.ErrNotFound), http.StatusNotFound},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t, testToken)
			f.dispatcher.triggerErr = tt.err

			w := f.do(t, http.MethodPost, "/api/projects/1/runs", `{"prompt": "x"}`)
			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, tt.err.Error(), decodeError(t, w))
		})
	}
}

func TestTriggerRouteBadInput(t *testing.T) {
	f := newAPIFixture(t, testToken)

	w := f.do(t, http.MethodPost, "/api/projects/abc/runs", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/projects/1/runs", `{"bogus": true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/projects/1/runs?limit=-3", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.dispatcher.requests)
}

func TestProjectControlRoutes(t *testing.T) {
	f := newAPIFixture(t, testToken)

	w := f.do(t, http.MethodPost, "/api/projects/3/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int64{3}, f.dispatcher.stopped)

	w = f.do(t, http.MethodPost, "/api/projects/3/start", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"workflow_id":"poll-3"`)

	f.dispatcher.startErr = fmt.Errorf("%w: poll-3", trigger.ErrAlreadyRunning)
	w = f.do(t, http.MethodPost, "/api/projects/3/start", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRunRoutes(t *testing.T) {
	f := newAPIFixture(t, testToken)
	ctx := context.Background()
	_, err := f.ops.CreateRun(ctx, &persistence.Run{ID: "run-a", ProjectID: f.project.ID, WorkflowID: "manual-1-prompt-a"})
	require.NoError(t, err)
	_, err = f.ops.CreateRun(ctx, &persistence.Run{ID: "run-b", ProjectID: f.project.ID, WorkflowID: "manual-1-prompt-b"})
	require.NoError(t, err)
	_, err = f.ops.FinishRun(ctx, "run-b", persistence.RunFailed, "", "boom")
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/api/runs/run-a", "")
	require.Equal(t, http.StatusOK, w.Code)
	var run persistence.Run
	require.NoError(t, json.NewDecoder(w.Body).Decode(&run))
	assert.Equal(t, persistence.RunPending, run.Status)

	w = f.do(t, http.MethodGet, "/api/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, fmt.Sprintf("/api/projects/%d/runs?status=failed", f.project.ID), "")
	require.Equal(t, http.StatusOK, w.Code)
	var runs []*persistence.Run
	require.NoError(t, json.NewDecoder(w.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "run-b", runs[0].ID)

	w = f.do(t, http.MethodGet, "/api/projects/999/runs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	w = f.do(t, http.MethodPost, "/api/runs/run-a/cancel", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"run-a"}, f.dispatcher.cancelled)
}

func TestVerifyToken(t *testing.T) {
	f := newAPIFixture(t, testToken)
	ctx := context.Background()
	_, err := f.ops.CreateRun(ctx, &persistence.Run{ID: "run-a", ProjectID: f.project.ID, WorkflowID: "w"})
	require.NoError(t, err)
	token, err := f.tokens.Ensure(ctx, "run-a")
	require.NoError(t, err)

	verify := func(runID, presented string) *httptest.ResponseRecorder {
		body := fmt.Sprintf(`{"token": %q}`, presented)
		req := httptest.NewRequest(http.MethodPost, "/api/runs/"+runID+"/token/verify", strings.NewReader(body))
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, req)
		return w
	}

	w := verify("run-a", token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"valid":true}`, w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, verify("run-a", token+"x").Code)
	assert.Equal(t, http.StatusUnauthorized, verify("run-a", "").Code)
	assert.Equal(t, http.StatusUnauthorized, verify("unknown", token).Code)
}

func TestClientRoundTrip(t *testing.T) {
	f := newAPIFixture(t, testToken)
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, testToken)
	ctx := context.Background()

	d, err := client.Trigger(ctx, trigger.Request{ProjectID: 4, WorkItemNumber: 2})
	require.NoError(t, err)
	assert.Equal(t, "manual-4-2", d.WorkflowID)

	f.dispatcher.triggerErr = fmt.Errorf("%w: #2 has an active run", trigger.ErrAlreadyRunning)
	_, err = client.Trigger(ctx, trigger.Request{ProjectID: 4, WorkItemNumber: 2})
	require.ErrorIs(t, err, trigger.ErrAlreadyRunning)
	assert.Equal(t, "already running: #2 has an active run", err.Error())

	id, err := client.StartProject(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "poll-4", id)
	require.NoError(t, client.StopProject(ctx, 4))

	_, err = client.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, trigger.ErrNotFound)

	projects, err := client.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "widgets", projects[0].Name)

	runs, err := client.ListRuns(ctx, f.project.ID, 5)
	require.NoError(t, err)
	assert.Empty(t, runs)

	bad := NewClient(srv.URL, "wrong")
	_, err = bad.ListRuns(ctx, f.project.ID, 0)
	assert.ErrorContains(t, err, "401")

	down := NewClient("127.0.0.1:1", testToken)
	assert.ErrorIs(t, down.StopProject(ctx, 4), trigger.ErrUnavailable)
}
