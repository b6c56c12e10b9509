package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"strings"
	"time"

	logx "autopilot/pkg/logx"
)

var (
	ErrNotFound    = errors.New("document not found")
	ErrInvalidPath = errors.New("invalid document path")
	ErrClosed      = errors.New("document store closed")
)

// Store is the document-store collaborator consumed by the core.
type Store interface {
	// Get decodes the document at p into dst. Returns ErrNotFound if absent.
	Get(ctx context.Context, p string, dst any) error
	// Set creates or replaces the document at p.
	Set(ctx context.Context, p string, v any) error
	// Update merges fields into an existing document. Dotted keys
	// ("schedule.next_execution_utc") address nested objects.
	Update(ctx context.Context, p string, fields map[string]any) error
	// Delete removes the document at p. Deleting a missing document is not an error.
	Delete(ctx context.Context, p string) error
	// Query returns the direct children of collection whose fields equal every Where clause.
	Query(ctx context.Context, collection string, where ...Where) ([]Document, error)
	// Batch applies ops all-or-nothing.
	Batch(ctx context.Context, ops ...Op) error
	Close() error
}

// Where is a field-equality filter. Field may be dotted.
type Where struct {
	Field string
	Value any
}

// Eq builds a Where clause.
func Eq(field string, value any) Where { return Where{Field: field, Value: value} }

type OpKind int

const (
	OpSet OpKind = iota
	OpUpdate
	OpDelete
)

// Op is one write inside a Batch.
type Op struct {
	Kind   OpKind
	Path   string
	Value  any
	Fields map[string]any
}

func SetOp(p string, v any) Op                     { return Op{Kind: OpSet, Path: p, Value: v} }
func UpdateOp(p string, fields map[string]any) Op { return Op{Kind: OpUpdate, Path: p, Fields: fields} }
func DeleteOp(p string) Op                        { return Op{Kind: OpDelete, Path: p} }

// Document is a raw query result.
type Document struct {
	Path string
	Data json.RawMessage
}

// ID returns the last path segment.
func (d Document) ID() string { return path.Base(d.Path) }

// Decode unmarshals the document into dst.
func (d Document) Decode(dst any) error { return json.Unmarshal(d.Data, dst) }

// Config configures the store.
//
// Driver values: "memory" (default), "sqlite", "postgres".
type Config struct {
	Driver      string
	Path        string        // sqlite file
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}

// Join builds a document path from segments, trimming stray slashes.
func Join(parts ...string) string {
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			clean = append(clean, p)
		}
	}
	return strings.Join(clean, "/")
}

func normalizePath(p string) (string, error) {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" || strings.Contains(p, "//") {
		return "", ErrInvalidPath
	}
	return p, nil
}

func parentOf(p string) string {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return ""
	}
	return p[:i]
}
