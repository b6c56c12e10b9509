package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
)

// Transport posts one batch to a worker endpoint. Deadlines come from ctx.
type Transport interface {
	Send(ctx context.Context, endpoint string, b Batch) error
}

// HTTPTransport is the default Transport.
type HTTPTransport struct {
	client *http.Client
	token  string
}

func NewHTTPTransport(client *http.Client, token string) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{client: client, token: strings.TrimSpace(token)}
}

func accepted(status int) bool {
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		return true
	}
	return false
}

func (t *HTTPTransport) Send(ctx context.Context, endpoint string, b Batch) error {
	body, err := json.Marshal(b)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &TransportError{Kind: KindConnection, URL: endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Batch-Id", b.BatchID)
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return classify(endpoint, err)
	}
	defer resp.Body.Close()
	if !accepted(resp.StatusCode) {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &TransportError{Kind: KindHTTPStatus, URL: endpoint, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return nil
}

func classify(endpoint string, err error) *TransportError {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &TransportError{Kind: KindTimeout, URL: endpoint, Err: err}
	}
	return &TransportError{Kind: KindConnection, URL: endpoint, Err: err}
}
