package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"autopilot/internal/dispatch"
	"autopilot/internal/docstore"
	"autopilot/internal/ledger"
	"autopilot/internal/task/checklist"
	"autopilot/internal/task/model"
	"autopilot/internal/task/scheduler"
	"autopilot/internal/task/store"
	logx "autopilot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScheduler struct{ ticks int }

func (f *fakeScheduler) Snapshot() scheduler.Snapshot {
	return scheduler.Snapshot{State: scheduler.StateRunning, Ticks: uint64(f.ticks)}
}

func (f *fakeScheduler) Tick(context.Context) scheduler.TickReport {
	f.ticks++
	return scheduler.TickReport{Due: 0}
}

type env struct {
	srv    *httptest.Server
	st     *store.Store
	worker *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{}
	e.worker = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(e.worker.Close)

	docs := docstore.NewMemory()
	e.st = store.New(docs, logx.Nop(), store.WithClock(func() time.Time {
		return time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	}))
	listing := dispatch.NewMemoryListing(0)
	gw := dispatch.New(dispatch.Config{Endpoints: map[string]string{"routing": e.worker.URL}}, dispatch.Deps{
		Listing:    listing,
		Ledger:     ledger.NewStatic(map[string]float64{"clients/acme": 5}),
		Docs:       docs,
		Executions: e.st,
	}, logx.Nop(), nil)

	h := New(Deps{
		Tasks:     e.st,
		Checklist: checklist.NewEngine(e.st, logx.Nop()),
		Gate:      checklist.NewGate(e.st, e.st, nil, logx.Nop()),
		Dispatch:  gw,
		Listings:  listing,
		Scheduler: &fakeScheduler{},
	}, logx.Nop())
	mux := http.NewServeMux()
	h.Mount(mux)
	e.srv = httptest.NewServer(mux)
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (e *env) execution(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := e.st.CreateTask(ctx, store.NewTask{MandatePath: "clients/acme", TaskID: "t1", ExecutionPlan: model.PlanOnDemand})
	require.NoError(t, err)
	_, err = e.st.CreateExecution(ctx, model.Execution{
		ExecutionID: "e1", MandatePath: "clients/acme", TaskID: "t1",
		ExecutionPlan: model.PlanOnDemand, ThreadKey: "task_t1_1", Status: model.ExecutionRunning,
	})
	require.NoError(t, err)
}

func TestTaskEndpoints(t *testing.T) {
	e := newEnv(t)
	code, body := e.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"mandate_path": "clients/acme", "task_id": "nightly", "execution_plan": "SCHEDULED",
		"cron_expression": "0 3 * * *", "timezone": "Europe/Zurich",
	})
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "nightly", body["task_id"])

	code, body = e.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"mandate_path": "clients/acme", "task_id": "nightly", "execution_plan": "SCHEDULED", "cron_expression": "0 3 * * *",
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "conflict", body["error"])

	code, body = e.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"mandate_path": "clients/acme", "task_id": "bad", "execution_plan": "SCHEDULED", "cron_expression": "61 * * * *",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_schedule", body["error"])

	code, body = e.do(t, http.MethodPost, "/v1/tasks", map[string]any{"mandate_path": "x", "bogus": 1})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "bad_request", body["error"])

	code, body = e.do(t, http.MethodGet, "/v1/tasks?mandate_path=clients/acme", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["tasks"], 1)

	code, body = e.do(t, http.MethodPost, "/v1/tasks/enable", map[string]any{"mandate_path": "clients/acme", "task_id": "nightly", "enabled": false})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["enabled"])

	code, _ = e.do(t, http.MethodDelete, "/v1/tasks?mandate_path=clients/acme&task_id=nightly", nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = e.do(t, http.MethodPost, "/v1/tasks/enable", map[string]any{"mandate_path": "clients/acme", "task_id": "nightly", "enabled": true})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestChecklistAndTermination(t *testing.T) {
	e := newEnv(t)
	e.execution(t)
	ref := map[string]any{"mandate_path": "clients/acme", "task_id": "t1", "execution_id": "e1"}
	with := func(extra map[string]any) map[string]any {
		out := map[string]any{}
		for k, v := range ref {
			out[k] = v
		}
		for k, v := range extra {
			out[k] = v
		}
		return out
	}

	code, body := e.do(t, http.MethodPost, "/v1/checklist/steps", with(map[string]any{"id": "s1", "name": "Fetch"}))
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, float64(1), body["total_steps"])

	code, body = e.do(t, http.MethodPost, "/v1/checklist/steps", with(map[string]any{"id": "s1", "name": "Again"}))
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "duplicate_step", body["error"])

	code, body = e.do(t, http.MethodPost, "/v1/terminate", map[string]any{"reason": "done", "execution": ref})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "incomplete_checklist", body["error"])
	assert.Contains(t, body["message"], "s1 (Fetch, pending)")

	code, body = e.do(t, http.MethodPatch, "/v1/checklist/steps", with(map[string]any{"step_id": "s1", "status": "completed"}))
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, float64(1), body["completed_steps"])

	code, _ = e.do(t, http.MethodDelete, "/v1/checklist/steps?mandate_path=clients/acme&task_id=t1&execution_id=e1&step_id=s1", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, body = e.do(t, http.MethodGet, "/v1/checklist?mandate_path=clients/acme&task_id=t1&execution_id=e1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["completed_steps"])

	code, body = e.do(t, http.MethodPost, "/v1/terminate", map[string]any{"reason": "done", "conclusion": "all good", "execution": ref})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["allowed"])

	// Finalized executions are gone; naming one again is a client error.
	code, body = e.do(t, http.MethodPost, "/v1/terminate", map[string]any{"reason": "done", "execution": ref})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", body["error"])
	assert.Contains(t, body["message"], "check the execution_id")

	code, body = e.do(t, http.MethodPost, "/v1/terminate", map[string]any{"reason": "chat over"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["automated"])
}

func TestDispatchEndpoint(t *testing.T) {
	e := newEnv(t)
	e.execution(t)

	code, body := e.do(t, http.MethodPost, "/v1/dispatch", map[string]any{
		"mandate_path": "clients/acme", "task_id": "t1", "execution_id": "e1", "family": "routing", "references": []string{"x"},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_reference", body["error"])

	code, _ = e.do(t, http.MethodPut, "/v1/listings", map[string]any{
		"mandate_path": "clients/acme", "family": "routing",
		"records": []map[string]any{{"id": "a"}, {"id": "b"}, {"id": "c"}, {"id": "d"}, {"id": "e"}},
	})
	require.Equal(t, http.StatusOK, code)

	code, body = e.do(t, http.MethodPost, "/v1/dispatch", map[string]any{
		"mandate_path": "clients/acme", "task_id": "t1", "execution_id": "e1", "family": "routing", "references": []string{"a", "b"},
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "dispatched", body["status"])

	// 5 units need 6.0 against a balance of 5.
	code, body = e.do(t, http.MethodPost, "/v1/dispatch", map[string]any{
		"mandate_path": "clients/acme", "family": "routing", "references": []string{"a", "b", "c", "d", "e"},
	})
	assert.Equal(t, http.StatusPaymentRequired, code)
	assert.Equal(t, "insufficient_balance", body["status"])
}

func TestSchedulerEndpoints(t *testing.T) {
	e := newEnv(t)
	code, _ := e.do(t, http.MethodPost, "/v1/scheduler/tick", nil)
	require.Equal(t, http.StatusOK, code)
	code, body := e.do(t, http.MethodGet, "/v1/scheduler", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["ticks"])
	assert.Equal(t, "running", body["state"])
}
