package api

import (
	"context"
	"net/http"
	"strconv"

	"autopilot/internal/dispatch"
	"autopilot/internal/task/checklist"
	"autopilot/internal/task/model"
	"autopilot/internal/task/store"
)

type createTaskRequest struct {
	MandatePath        string        `json:"mandate_path"`
	TaskID             string        `json:"task_id"`
	ExecutionPlan      model.Plan    `json:"execution_plan"`
	CronExpression     string        `json:"cron_expression,omitempty"`
	Timezone           string        `json:"timezone,omitempty"`
	NextExecutionLocal string        `json:"next_execution_local,omitempty"`
	Mission            model.Mission `json:"mission"`
	Enabled            *bool         `json:"enabled,omitempty"`
}

func (h *Handler) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	t, err := h.deps.Tasks.CreateTask(r.Context(), store.NewTask{
		MandatePath:        req.MandatePath,
		TaskID:             req.TaskID,
		ExecutionPlan:      req.ExecutionPlan,
		CronExpression:     req.CronExpression,
		Timezone:           req.Timezone,
		NextExecutionLocal: req.NextExecutionLocal,
		Mission:            req.Mission,
		Enabled:            req.Enabled,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	mandate := r.URL.Query().Get("mandate_path")
	if err := required("mandate_path", mandate); err != nil {
		h.fail(w, r, err)
		return
	}
	tasks, err := h.deps.Tasks.ListTasks(r.Context(), mandate)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (h *Handler) deleteTask(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mandate, id := q.Get("mandate_path"), q.Get("task_id")
	if err := required("mandate_path", mandate); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := required("task_id", id); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.deps.Tasks.DeleteTask(r.Context(), mandate, id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type enableRequest struct {
	MandatePath string `json:"mandate_path"`
	TaskID      string `json:"task_id"`
	Enabled     bool   `json:"enabled"`
}

func (h *Handler) enableTask(w http.ResponseWriter, r *http.Request) {
	var req enableRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	t, err := h.deps.Tasks.SetEnabled(r.Context(), req.MandatePath, req.TaskID, req.Enabled)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func refFromQuery(r *http.Request) (checklist.Ref, error) {
	q := r.URL.Query()
	ref := checklist.Ref{
		MandatePath: q.Get("mandate_path"),
		TaskID:      q.Get("task_id"),
		ExecutionID: q.Get("execution_id"),
	}
	ref.Interactive, _ = strconv.ParseBool(q.Get("interactive"))
	return ref, validRef(ref)
}

func validRef(ref checklist.Ref) error {
	for _, f := range []struct{ name, v string }{
		{"mandate_path", ref.MandatePath},
		{"task_id", ref.TaskID},
		{"execution_id", ref.ExecutionID},
	} {
		if err := required(f.name, f.v); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) getChecklist(w http.ResponseWriter, r *http.Request) {
	ref, err := refFromQuery(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.deps.Checklist.Get(r.Context(), ref)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"steps":           c.Steps,
		"total_steps":     c.TotalSteps,
		"completed_steps": c.Completed(),
	})
}

type createStepRequest struct {
	checklist.Ref
	checklist.StepSpec
}

func (h *Handler) createStep(w http.ResponseWriter, r *http.Request) {
	var req createStepRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := validRef(req.Ref); err != nil {
		h.fail(w, r, err)
		return
	}
	m, err := h.deps.Checklist.Create(r.Context(), req.Ref, req.StepSpec)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

type updateStepRequest struct {
	checklist.Ref
	StepID string `json:"step_id"`
	checklist.StepPatch
}

func (h *Handler) updateStep(w http.ResponseWriter, r *http.Request) {
	var req updateStepRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := validRef(req.Ref); err != nil {
		h.fail(w, r, err)
		return
	}
	m, err := h.deps.Checklist.Update(r.Context(), req.Ref, req.StepID, req.StepPatch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) deleteStep(w http.ResponseWriter, r *http.Request) {
	ref, err := refFromQuery(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	m, err := h.deps.Checklist.Delete(r.Context(), ref, q.Get("step_id"), q.Get("reason"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) terminate(w http.ResponseWriter, r *http.Request) {
	var req checklist.TerminationRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	d, err := h.deps.Gate.Terminate(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type dispatchRequest struct {
	MandatePath  string   `json:"mandate_path"`
	TaskID       string   `json:"task_id,omitempty"`
	ExecutionID  string   `json:"execution_id,omitempty"`
	CompanyID    string   `json:"company_id,omitempty"`
	UserID       string   `json:"user_id,omitempty"`
	Family       string   `json:"family"`
	References   []string `json:"references"`
	Instructions string   `json:"instructions,omitempty"`
	Async        bool     `json:"async,omitempty"`
}

// dispatch resolves thread key and plan from the stored execution so callers
// only name the execution.
func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	s := dispatch.Session{
		MandatePath:   req.MandatePath,
		CompanyID:     req.CompanyID,
		UserID:        req.UserID,
		TaskID:        req.TaskID,
		ExecutionID:   req.ExecutionID,
		ExecutionPlan: model.PlanOnDemand,
	}
	if req.ExecutionID != "" {
		e, err := h.deps.Tasks.GetExecution(r.Context(), req.MandatePath, req.TaskID, req.ExecutionID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		s.ThreadKey = e.ThreadKey
		s.ExecutionPlan = e.ExecutionPlan
	}
	res, err := h.deps.Dispatch.Dispatch(r.Context(), dispatch.Request{
		Session:      s,
		Family:       req.Family,
		References:   req.References,
		Instructions: req.Instructions,
		Async:        req.Async,
	})
	if err != nil {
		code, kind, _ := statusOf(err)
		writeJSON(w, code, struct {
			Error string `json:"error"`
			*dispatch.Result
		}{Error: kind, Result: res})
		return
	}
	code := http.StatusOK
	if res.Status == dispatch.StatusQueued {
		code = http.StatusAccepted
	}
	writeJSON(w, code, res)
}

type listingRequest struct {
	MandatePath string            `json:"mandate_path"`
	Family      string            `json:"family"`
	Records     []dispatch.Record `json:"records"`
}

func (h *Handler) putListing(w http.ResponseWriter, r *http.Request) {
	var req listingRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := required("mandate_path", req.MandatePath); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := required("family", req.Family); err != nil {
		h.fail(w, r, err)
		return
	}
	h.deps.Listings.Put(req.MandatePath, req.Family, req.Records)
	writeJSON(w, http.StatusOK, map[string]int{"records": len(req.Records)})
}

func (h *Handler) schedulerSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Scheduler.Snapshot())
}

func (h *Handler) schedulerTick(w http.ResponseWriter, r *http.Request) {
	rep := h.deps.Scheduler.Tick(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, rep)
}
