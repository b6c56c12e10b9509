// Package api is the HTTP surface the conversation engine uses to act on
// tasks, checklists, termination and dispatch.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"autopilot/internal/dispatch"
	"autopilot/internal/task/checklist"
	"autopilot/internal/task/model"
	"autopilot/internal/task/schedule"
	"autopilot/internal/task/scheduler"
	"autopilot/internal/task/store"
	logx "autopilot/pkg/logx"
)

const maxBody = 1 << 20

type Tasks interface {
	CreateTask(ctx context.Context, in store.NewTask) (model.Task, error)
	ListTasks(ctx context.Context, mandate string) ([]model.Task, error)
	DeleteTask(ctx context.Context, mandate, taskID string) error
	SetEnabled(ctx context.Context, mandate, taskID string, enabled bool) (model.Task, error)
	GetExecution(ctx context.Context, mandate, taskID, executionID string) (model.Execution, error)
}

type Checklist interface {
	Get(ctx context.Context, ref checklist.Ref) (model.Checklist, error)
	Create(ctx context.Context, ref checklist.Ref, spec checklist.StepSpec) (checklist.Mutation, error)
	Update(ctx context.Context, ref checklist.Ref, id string, patch checklist.StepPatch) (checklist.Mutation, error)
	Delete(ctx context.Context, ref checklist.Ref, id, reason string) (checklist.Mutation, error)
}

type Gate interface {
	Terminate(ctx context.Context, req checklist.TerminationRequest) (checklist.Decision, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

type Listings interface {
	Put(mandatePath, family string, records []dispatch.Record)
}

type Scheduler interface {
	Snapshot() scheduler.Snapshot
	Tick(ctx context.Context) scheduler.TickReport
}

type Deps struct {
	Tasks     Tasks
	Checklist Checklist
	Gate      Gate
	Dispatch  Dispatcher
	Listings  Listings
	Scheduler Scheduler
}

type Handler struct {
	deps Deps
	log  logx.Logger
}

func New(deps Deps, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{deps: deps, log: log.With(logx.String("comp", "api"))}
}

// Mount registers the routes; it matches opsserver.Mount.
func (h *Handler) Mount(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/tasks", h.createTask)
	mux.HandleFunc("GET /v1/tasks", h.listTasks)
	mux.HandleFunc("DELETE /v1/tasks", h.deleteTask)
	mux.HandleFunc("POST /v1/tasks/enable", h.enableTask)
	mux.HandleFunc("GET /v1/checklist", h.getChecklist)
	mux.HandleFunc("POST /v1/checklist/steps", h.createStep)
	mux.HandleFunc("PATCH /v1/checklist/steps", h.updateStep)
	mux.HandleFunc("DELETE /v1/checklist/steps", h.deleteStep)
	mux.HandleFunc("POST /v1/terminate", h.terminate)
	mux.HandleFunc("POST /v1/dispatch", h.dispatch)
	mux.HandleFunc("PUT /v1/listings", h.putListing)
	mux.HandleFunc("GET /v1/scheduler", h.schedulerSnapshot)
	mux.HandleFunc("POST /v1/scheduler/tick", h.schedulerTick)
}

// Errors map to HTTP statuses and carry a remediation message.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

func statusOf(err error) (int, string, any) {
	var (
		bad badRequest
		ve  *store.ValidationError
		nf  *store.NotFoundError
		ce  *store.ConflictError
		ise *schedule.InvalidScheduleError
		se  *checklist.StepError
		ice *checklist.IncompleteChecklistError
		re  *dispatch.RequestError
		ufe *dispatch.UnknownFamilyError
		ire *dispatch.InvalidReferenceError
		ibe *dispatch.InsufficientBalanceError
		te  *dispatch.TransportError
	)
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest, "bad_request", nil
	case errors.As(err, &ve), errors.As(err, &re):
		return http.StatusBadRequest, "validation", nil
	case errors.As(err, &ise):
		return http.StatusBadRequest, "invalid_schedule", map[string]string{"cron_expression": ise.Expr, "timezone": ise.Timezone}
	case errors.As(err, &ufe):
		return http.StatusBadRequest, "unknown_family", map[string]any{"families": ufe.Known}
	case errors.As(err, &ire):
		return http.StatusBadRequest, "invalid_reference", ire
	case errors.As(err, &se):
		switch se.Code {
		case checklist.CodeMissing:
			return http.StatusNotFound, string(se.Code), nil
		case checklist.CodeDuplicate, checklist.CodeNotDeletable:
			return http.StatusConflict, string(se.Code), nil
		}
		return http.StatusBadRequest, string(se.Code), nil
	case errors.As(err, &nf), store.IsNotFound(err):
		return http.StatusNotFound, "not_found", nil
	case errors.As(err, &ce):
		return http.StatusConflict, "conflict", nil
	case errors.As(err, &ice):
		return http.StatusConflict, "incomplete_checklist", map[string]any{
			"blocking_steps":  ice.Blocking,
			"completed_steps": ice.Completed,
			"total_steps":     ice.Total,
		}
	case errors.As(err, &ibe):
		return http.StatusPaymentRequired, "insufficient_balance", ibe.Balance
	case errors.As(err, &te):
		return http.StatusBadGateway, string(te.Kind), nil
	}
	return http.StatusInternalServerError, "internal", nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, kind, details := statusOf(err)
	msg := err.Error()
	var rem interface{ Remediation() string }
	if errors.As(err, &rem) {
		msg = rem.Remediation()
	}
	if code >= 500 {
		h.log.Warn("request failed", logx.String("path", r.URL.Path), logx.Int("status", code), logx.Err(err))
	} else {
		h.log.Debug("request rejected", logx.String("path", r.URL.Path), logx.Int("status", code), logx.Err(err))
	}
	writeJSON(w, code, errorBody{Error: kind, Message: msg, Details: details})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return badRequest{msg: "invalid JSON body: " + err.Error()}
	}
	return nil
}

func required(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return badRequest{msg: name + " is required"}
	}
	return nil
}
