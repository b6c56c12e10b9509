// Package ledger reads tenant balances for the dispatch balance gate.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "autopilot/pkg/logx"
)

var ErrUnknownTenant = errors.New("ledger: unknown tenant")

type Ledger interface {
	GetBalance(ctx context.Context, tenant string) (float64, error)
}

type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
	// Static balances are used when URL is empty.
	Static map[string]float64
}

// New returns an HTTP ledger client, or a static table when no URL is configured.
func New(cfg Config, log logx.Logger) Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return NewStatic(cfg.Static)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base:  strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
		token: strings.TrimSpace(cfg.Token),
		http:  &http.Client{Timeout: timeout},
		log:   log.With(logx.String("comp", "ledger")),
	}
}

// Static is a fixed tenant→balance table.
type Static struct {
	balances map[string]float64
}

func NewStatic(balances map[string]float64) *Static {
	m := make(map[string]float64, len(balances))
	for k, v := range balances {
		m[strings.Trim(k, "/")] = v
	}
	return &Static{balances: m}
}

func (s *Static) GetBalance(_ context.Context, tenant string) (float64, error) {
	v, ok := s.balances[strings.Trim(tenant, "/")]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTenant, tenant)
	}
	return v, nil
}

// Client queries GET {url}/v1/balances/{tenant}.
type Client struct {
	base  string
	token string
	http  *http.Client
	log   logx.Logger
}

type balanceResponse struct {
	Tenant  string   `json:"tenant"`
	Balance *float64 `json:"balance"`
}

func (c *Client) GetBalance(ctx context.Context, tenant string) (float64, error) {
	u := c.base + "/v1/balances/" + url.PathEscape(strings.Trim(tenant, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ledger request: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, fmt.Errorf("%w: %s", ErrUnknownTenant, tenant)
	case resp.StatusCode/100 != 2:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("ledger: http=%d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out balanceResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return 0, fmt.Errorf("ledger: decode: %w", err)
	}
	if out.Balance == nil {
		return 0, errors.New("ledger: response has no balance")
	}
	c.log.Debug("balance fetched", logx.String("tenant", tenant), logx.Float64("balance", *out.Balance))
	return *out.Balance, nil
}
