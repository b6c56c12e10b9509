// Package agent triggers the conversation engine that performs a task's steps.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"autopilot/internal/task/model"
	logx "autopilot/pkg/logx"
)

// Trigger is the payload handed to the engine for one execution.
type Trigger struct {
	MandatePath   string        `json:"mandate_path"`
	TaskID        string        `json:"task_id"`
	ExecutionID   string        `json:"execution_id"`
	ThreadKey     string        `json:"thread_key"`
	ExecutionPlan model.Plan    `json:"execution_plan"`
	Mission       model.Mission `json:"mission"`
	TriggeredAt   time.Time     `json:"triggered_at"`
}

// Engine performs the work of one execution. Run may take as long as the work does.
type Engine interface {
	Run(ctx context.Context, t Trigger) error
}

// Func adapts a function to Engine.
type Func func(ctx context.Context, t Trigger) error

func (f Func) Run(ctx context.Context, t Trigger) error { return f(ctx, t) }

type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// Client posts triggers to an HTTP engine endpoint.
type Client struct {
	url   string
	token string
	http  *http.Client
	log   logx.Logger
}

// New returns an HTTP client, or a logging engine when no URL is configured.
func New(cfg Config, log logx.Logger) Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "agent"))
	if strings.TrimSpace(cfg.URL) == "" {
		return logEngine{log: log}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:   strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
		token: strings.TrimSpace(cfg.Token),
		http:  &http.Client{Timeout: timeout},
		log:   log,
	}
}

func (c *Client) Run(ctx context.Context, t Trigger) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/v1/runs", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("agent run failed: http=%d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	c.log.Debug("agent run accepted",
		logx.String("task_id", t.TaskID),
		logx.String("execution_id", t.ExecutionID),
		logx.String("thread_key", t.ThreadKey),
	)
	return nil
}

type logEngine struct{ log logx.Logger }

func (e logEngine) Run(_ context.Context, t Trigger) error {
	e.log.Info("agent not configured; trigger logged only",
		logx.String("mandate_path", t.MandatePath),
		logx.String("task_id", t.TaskID),
		logx.String("execution_id", t.ExecutionID),
		logx.String("thread_key", t.ThreadKey),
	)
	return nil
}
