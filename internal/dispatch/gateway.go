// Package dispatch sends batches of long-running work to external worker services.
//
// A dispatch resolves opaque references against a cached listing, checks the
// tenant balance, posts one envelope to the family's worker and records the
// accepted batch locally with one notification per unit of work.
package dispatch

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"autopilot/internal/docstore"
	"autopilot/internal/eventbus"
	"autopilot/internal/ledger"
	"autopilot/internal/task/jobs"
	"autopilot/internal/task/model"
	logx "autopilot/pkg/logx"

	"github.com/google/uuid"
)

type Config struct {
	// Endpoints maps job family to worker URL.
	Endpoints       map[string]string
	UnitCosts       map[string]float64
	DefaultUnitCost float64
	SafetyMargin    float64
	HTTPTimeout     time.Duration
	AsyncTimeout    time.Duration
	MaxAlternatives int
	Source          string
}

func withDefaults(cfg Config) Config {
	if cfg.DefaultUnitCost <= 0 {
		cfg.DefaultUnitCost = 1.0
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = 1.2
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.AsyncTimeout <= 0 {
		cfg.AsyncTimeout = 120 * time.Second
	}
	if cfg.MaxAlternatives <= 0 {
		cfg.MaxAlternatives = 10
	}
	if strings.TrimSpace(cfg.Source) == "" {
		cfg.Source = "autopilot"
	}
	endpoints := make(map[string]string, len(cfg.Endpoints))
	for k, v := range cfg.Endpoints {
		endpoints[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	cfg.Endpoints = endpoints
	costs := make(map[string]float64, len(cfg.UnitCosts))
	for k, v := range cfg.UnitCosts {
		costs[strings.ToLower(strings.TrimSpace(k))] = v
	}
	cfg.UnitCosts = costs
	return cfg
}

// Session is the caller context resolved by the host, never supplied by the agent.
type Session struct {
	MandatePath   string     `json:"mandate_path"`
	CompanyID     string     `json:"company_id,omitempty"`
	UserID        string     `json:"user_id,omitempty"`
	ThreadKey     string     `json:"thread_key,omitempty"`
	ExecutionID   string     `json:"execution_id,omitempty"`
	ExecutionPlan model.Plan `json:"execution_plan,omitempty"`
	TaskID        string     `json:"task_id,omitempty"`
}

// Tenant is the ledger account charged for the session.
func (s Session) Tenant() string {
	if c := strings.TrimSpace(NormalizeString(s.CompanyID)); c != "" {
		return c
	}
	return strings.Trim(s.MandatePath, "/")
}

type Request struct {
	Session      Session  `json:"session"`
	Family       string   `json:"family"`
	References   []string `json:"references"`
	Instructions string   `json:"instructions,omitempty"`
	Async        bool     `json:"async,omitempty"`
}

type Status string

const (
	StatusDispatched          Status = "dispatched"
	StatusQueued              Status = "queued"
	StatusInvalidReference    Status = "invalid_reference"
	StatusInsufficientBalance Status = "insufficient_balance"
	StatusError               Status = "error"
)

// BalanceCheck is the outcome of the balance gate.
type BalanceCheck struct {
	Checked   bool    `json:"checked"`
	Current   float64 `json:"current"`
	UnitCost  float64 `json:"unit_cost"`
	Count     int     `json:"count"`
	Estimated float64 `json:"estimated"`
	Required  float64 `json:"required"`
	Missing   float64 `json:"missing"`
}

type Result struct {
	Status       Status        `json:"status"`
	BatchID      string        `json:"batch_id,omitempty"`
	Family       string        `json:"family"`
	JobIDs       []string      `json:"job_ids,omitempty"`
	InvalidIDs   []string      `json:"invalid_ids,omitempty"`
	Alternatives []Alternative `json:"alternatives,omitempty"`
	Balance      *BalanceCheck `json:"balance,omitempty"`
	ErrorKind    string        `json:"error_kind,omitempty"`
	Message      string        `json:"message,omitempty"`
	// Job is set for queued dispatches.
	Job *jobs.Handle `json:"-"`
}

// LocalTask is the record UIs poll for a dispatched batch.
type LocalTask struct {
	BatchID     string    `json:"batch_id"`
	Family      string    `json:"family"`
	Status      Status    `json:"status"`
	JobIDs      []string  `json:"job_ids"`
	ThreadKey   string    `json:"thread_key,omitempty"`
	ExecutionID string    `json:"execution_id,omitempty"`
	TaskID      string    `json:"task_id,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Notification is written once per unit of work of an accepted batch.
type Notification struct {
	BatchID   string    `json:"batch_id"`
	JobID     string    `json:"job_id"`
	Family    string    `json:"family"`
	Label     string    `json:"label,omitempty"`
	Status    string    `json:"status"`
	Read      bool      `json:"read"`
	ThreadKey string    `json:"thread_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Executions links a batch to the execution that launched it.
type Executions interface {
	AttachLPT(ctx context.Context, mandate, taskID, executionID string, ref model.LPTRef) error
}

type JobRunner interface {
	Submit(ctx context.Context, j jobs.Job) (*jobs.Handle, error)
}

type Deps struct {
	Listing    Listing
	Ledger     ledger.Ledger
	Transport  Transport
	Docs       docstore.Store
	Executions Executions
	Jobs       JobRunner
	Now        func() time.Time
}

type Gateway struct {
	mu   sync.RWMutex
	cfg  Config
	deps Deps
	log  logx.Logger
	bus  eventbus.Bus
}

func New(cfg Config, deps Deps, log logx.Logger, bus eventbus.Bus) *Gateway {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Transport == nil {
		deps.Transport = NewHTTPTransport(nil, "")
	}
	return &Gateway{cfg: withDefaults(cfg), deps: deps, log: log.With(logx.String("comp", "dispatch")), bus: bus}
}

func (g *Gateway) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
}

func (g *Gateway) config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// Families lists the configured job families.
func (g *Gateway) Families() []string {
	cfg := g.config()
	out := make([]string, 0, len(cfg.Endpoints))
	for k := range cfg.Endpoints {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs resolve, balance gate, payload build and send. Rejections
// return both a Result describing them and a typed error.
func (g *Gateway) Dispatch(ctx context.Context, req Request) (*Result, error) {
	cfg := g.config()
	family := strings.ToLower(strings.TrimSpace(req.Family))
	mandate := strings.Trim(strings.TrimSpace(req.Session.MandatePath), "/")
	req.Session.MandatePath = mandate
	res := &Result{Family: family}

	switch {
	case mandate == "":
		return g.reject(res, StatusError, &RequestError{Field: "session.mandate_path", Reason: "required"})
	case family == "":
		return g.reject(res, StatusError, &RequestError{Field: "family", Reason: "required"})
	case len(req.References) == 0:
		return g.reject(res, StatusError, &RequestError{Field: "references", Reason: "at least one id is required"})
	}
	endpoint, ok := cfg.Endpoints[family]
	if !ok || endpoint == "" {
		return g.reject(res, StatusError, &UnknownFamilyError{Family: family, Known: g.Families()})
	}

	var records []Record
	if g.deps.Listing != nil {
		records, _ = g.deps.Listing.Lookup(mandate, family)
	}
	rs := Resolve(records, req.References, cfg.MaxAlternatives)
	res.InvalidIDs = rs.InvalidIDs
	if len(rs.Resolved) == 0 {
		res.Alternatives = rs.Alternatives
		return g.reject(res, StatusInvalidReference, &InvalidReferenceError{Family: family, InvalidIDs: rs.InvalidIDs, Alternatives: rs.Alternatives})
	}

	bal := g.checkBalance(ctx, cfg, req.Session, family, len(rs.Resolved))
	res.Balance = &bal
	if bal.Checked && bal.Current < bal.Required {
		return g.reject(res, StatusInsufficientBalance, &InsufficientBalanceError{Balance: bal})
	}

	now := g.deps.Now().UTC()
	batch := buildBatch(uuid.NewString(), family, cfg.Source, req.Session, rs.Resolved, req.Instructions, req.Async, now)
	res.BatchID = batch.BatchID
	res.JobIDs = batch.JobIDs()
	log := g.log.With(
		logx.String("mandate_path", mandate),
		logx.String("family", family),
		logx.String("batch_id", batch.BatchID),
		logx.String("execution_id", req.Session.ExecutionID),
	)

	if req.Async {
		return g.dispatchAsync(ctx, cfg, endpoint, req.Session, batch, res, log)
	}

	sendCtx, cancel := context.WithTimeout(ctx, cfg.HTTPTimeout)
	err := g.deps.Transport.Send(sendCtx, endpoint, batch)
	cancel()
	if err != nil {
		return g.reject(res, StatusError, err)
	}
	g.recordAccepted(ctx, req.Session, batch, false, log)
	res.Status = StatusDispatched
	res.Message = acceptedMessage(res)
	log.Info("batch dispatched", logx.Int("items", len(batch.Items)), logx.Int("invalid", len(res.InvalidIDs)))
	g.publish(res)
	return res, nil
}

func (g *Gateway) dispatchAsync(ctx context.Context, cfg Config, endpoint string, s Session, batch Batch, res *Result, log logx.Logger) (*Result, error) {
	if g.deps.Jobs == nil {
		return g.reject(res, StatusError, errors.New("dispatch: background jobs are not available"))
	}
	now := batch.Traceability.InitiatedAt
	local := LocalTask{
		BatchID:     batch.BatchID,
		Family:      batch.Family,
		Status:      StatusQueued,
		JobIDs:      batch.JobIDs(),
		ThreadKey:   s.ThreadKey,
		ExecutionID: s.ExecutionID,
		TaskID:      s.TaskID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	localPath := model.LPTTaskPath(s.MandatePath, batch.BatchID)
	if g.deps.Docs != nil {
		if err := g.deps.Docs.Set(ctx, localPath, local); err != nil {
			return g.reject(res, StatusError, err)
		}
	}

	h, err := g.deps.Jobs.Submit(ctx, jobs.Job{
		ID:      batch.BatchID,
		Name:    "dispatch." + batch.Family,
		Timeout: cfg.AsyncTimeout,
		Run: func(jctx context.Context) error {
			if err := g.deps.Transport.Send(jctx, endpoint, batch); err != nil {
				return err
			}
			g.recordAccepted(jctx, s, batch, true, log)
			log.Info("queued batch accepted", logx.Int("items", len(batch.Items)))
			return nil
		},
		OnFailure: func(fctx context.Context, err error) {
			g.markError(fctx, localPath, err, log)
			eventbus.Publish(g.bus, eventbus.DispatchCompleted, eventbus.Outcome{Kind: batch.Family, Label: string(StatusError), Detail: batch.BatchID})
		},
	})
	if err != nil {
		g.markError(ctx, localPath, err, log)
		return g.reject(res, StatusError, err)
	}
	res.Status = StatusQueued
	res.Job = h
	res.Message = acceptedMessage(res)
	g.publish(res)
	return res, nil
}

// recordAccepted writes the local record and the per-unit notifications in one
// batch, then links the batch to the execution. Failures are logged only: the
// worker already owns the batch.
func (g *Gateway) recordAccepted(ctx context.Context, s Session, batch Batch, update bool, log logx.Logger) {
	now := g.deps.Now().UTC()
	if g.deps.Docs != nil {
		localPath := model.LPTTaskPath(s.MandatePath, batch.BatchID)
		ops := make([]docstore.Op, 0, len(batch.Items)+1)
		if update {
			ops = append(ops, docstore.UpdateOp(localPath, map[string]any{
				"status":     StatusDispatched,
				"updated_at": now,
			}))
		} else {
			ops = append(ops, docstore.SetOp(localPath, LocalTask{
				BatchID:     batch.BatchID,
				Family:      batch.Family,
				Status:      StatusDispatched,
				JobIDs:      batch.JobIDs(),
				ThreadKey:   s.ThreadKey,
				ExecutionID: s.ExecutionID,
				TaskID:      s.TaskID,
				CreatedAt:   now,
				UpdatedAt:   now,
			}))
		}
		for _, it := range batch.Items {
			ops = append(ops, docstore.SetOp(model.NotificationPath(s.MandatePath, batch.BatchID, it.JobID), Notification{
				BatchID:   batch.BatchID,
				JobID:     it.JobID,
				Family:    batch.Family,
				Label:     it.Label,
				Status:    "pending",
				ThreadKey: s.ThreadKey,
				CreatedAt: now,
			}))
		}
		if err := g.deps.Docs.Batch(ctx, ops...); err != nil {
			log.Warn("persist dispatched batch failed", logx.Err(err))
		}
	}
	if g.deps.Executions != nil && s.ExecutionID != "" && s.TaskID != "" {
		ref := model.LPTRef{
			BatchID:   batch.BatchID,
			Family:    batch.Family,
			Status:    string(StatusDispatched),
			JobIDs:    batch.JobIDs(),
			CreatedAt: now,
		}
		if err := g.deps.Executions.AttachLPT(ctx, s.MandatePath, s.TaskID, s.ExecutionID, ref); err != nil {
			log.Warn("attach batch to execution failed", logx.Err(err))
		}
	}
}

func (g *Gateway) markError(ctx context.Context, localPath string, cause error, log logx.Logger) {
	log.Warn("queued dispatch failed", logx.Err(cause))
	if g.deps.Docs == nil {
		return
	}
	err := g.deps.Docs.Update(ctx, localPath, map[string]any{
		"status":     StatusError,
		"error":      cause.Error(),
		"updated_at": g.deps.Now().UTC(),
	})
	if err != nil {
		log.Warn("mark queued dispatch failed", logx.Err(err))
	}
}

func (g *Gateway) checkBalance(ctx context.Context, cfg Config, s Session, family string, count int) BalanceCheck {
	unit := cfg.DefaultUnitCost
	if c, ok := cfg.UnitCosts[family]; ok && c >= 0 {
		unit = c
	}
	bal := BalanceCheck{UnitCost: unit, Count: count}
	bal.Estimated = unit * float64(count)
	bal.Required = bal.Estimated * cfg.SafetyMargin
	if g.deps.Ledger == nil {
		return bal
	}
	cur, err := g.deps.Ledger.GetBalance(ctx, s.Tenant())
	if err != nil {
		g.log.Warn("balance lookup failed; dispatch proceeds",
			logx.String("tenant", s.Tenant()),
			logx.Float64("required", bal.Required),
			logx.Err(err),
		)
		return bal
	}
	bal.Checked = true
	bal.Current = cur
	if cur < bal.Required {
		bal.Missing = bal.Required - cur
	}
	return bal
}

func (g *Gateway) reject(res *Result, status Status, err error) (*Result, error) {
	res.Status = status
	res.Message = err.Error()
	var rem interface{ Remediation() string }
	if errors.As(err, &rem) {
		res.Message = rem.Remediation()
	}
	var te *TransportError
	if errors.As(err, &te) {
		res.ErrorKind = string(te.Kind)
	}
	g.log.Info("dispatch rejected",
		logx.String("family", res.Family),
		logx.String("status", string(status)),
		logx.Err(err),
	)
	g.publish(res)
	return res, err
}

func (g *Gateway) publish(res *Result) {
	eventbus.Publish(g.bus, eventbus.DispatchCompleted, eventbus.Outcome{Kind: res.Family, Label: string(res.Status), Detail: res.BatchID})
}

func acceptedMessage(res *Result) string {
	var b strings.Builder
	if res.Status == StatusQueued {
		b.WriteString("Batch queued for the worker")
	} else {
		b.WriteString("Batch accepted by the worker")
	}
	b.WriteString(" (")
	b.WriteString(res.BatchID)
	b.WriteString(").")
	if len(res.InvalidIDs) > 0 {
		b.WriteString(" Skipped unknown ids: ")
		b.WriteString(strings.Join(res.InvalidIDs, ", "))
		b.WriteString(".")
	}
	return b.String()
}
