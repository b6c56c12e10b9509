package docstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "autopilot/pkg/logx"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqlStore struct {
	db  *sqlx.DB
	log logx.Logger
}

type row struct {
	Path string `db:"path"`
	Data string `db:"data"`
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	p := strings.TrimSpace(cfg.Path)
	if p == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}
	db, err := sqlx.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	return newSQLStore(db, log)
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return newSQLStore(db, log)
}

func newSQLStore(db *sqlx.DB, log logx.Logger) (*sqlStore, error) {
	st := &sqlStore{db: db, log: log.With(logx.String("comp", "docstore"), logx.String("driver", db.DriverName()))}
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(string(b)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	st.log.Debug("document store ready")
	return st, nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Get(ctx context.Context, p string, dst any) error {
	p, err := normalizePath(p)
	if err != nil {
		return err
	}
	var data string
	err = s.db.GetContext(ctx, &data, s.db.Rebind(`SELECT data FROM documents WHERE path = ?`), p)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), dst)
}

func (s *sqlStore) Set(ctx context.Context, p string, v any) error {
	return s.Batch(ctx, SetOp(p, v))
}

func (s *sqlStore) Update(ctx context.Context, p string, fields map[string]any) error {
	return s.Batch(ctx, UpdateOp(p, fields))
}

func (s *sqlStore) Delete(ctx context.Context, p string) error {
	return s.Batch(ctx, DeleteOp(p))
}

func (s *sqlStore) Query(ctx context.Context, collection string, where ...Where) ([]Document, error) {
	collection = strings.Trim(strings.TrimSpace(collection), "/")
	var rows []row
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT path, data FROM documents WHERE collection = ? ORDER BY path`), collection)
	if err != nil {
		return nil, err
	}
	out := make([]Document, 0, len(rows))
	for _, r := range rows {
		var doc map[string]any
		if err := json.Unmarshal([]byte(r.Data), &doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", r.Path, err)
		}
		ok, err := matches(doc, where)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, Document{Path: r.Path, Data: json.RawMessage(r.Data)})
		}
	}
	return out, nil
}

func (s *sqlStore) Batch(ctx context.Context, ops ...Op) error {
	if len(ops) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, op := range ops {
		if err := s.apply(ctx, tx, op); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) apply(ctx context.Context, tx *sqlx.Tx, op Op) error {
	p, err := normalizePath(op.Path)
	if err != nil {
		return err
	}
	switch op.Kind {
	case OpSet:
		obj, err := toObject(op.Value)
		if err != nil {
			return err
		}
		return s.upsert(ctx, tx, p, obj)
	case OpUpdate:
		var data string
		err := tx.GetContext(ctx, &data, tx.Rebind(`SELECT data FROM documents WHERE path = ?`), p)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(data), &doc); err != nil {
			return err
		}
		if doc == nil {
			doc = map[string]any{}
		}
		if err := mergeFields(doc, op.Fields); err != nil {
			return err
		}
		return s.upsert(ctx, tx, p, doc)
	case OpDelete:
		_, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM documents WHERE path = ?`), p)
		return err
	default:
		return fmt.Errorf("unknown op kind %d", op.Kind)
	}
}

func (s *sqlStore) upsert(ctx context.Context, tx *sqlx.Tx, p string, doc map[string]any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO documents(path, collection, data, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(path) DO UPDATE SET collection=excluded.collection, data=excluded.data, updated_at=excluded.updated_at`),
		p, parentOf(p), string(b), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}
