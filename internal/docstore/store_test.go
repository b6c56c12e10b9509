package docstore

import (
	"context"
	"path/filepath"
	"testing"

	logx "autopilot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name    string         `json:"name"`
	Enabled bool           `json:"enabled"`
	Count   int            `json:"count"`
	Nested  map[string]any `json:"nested,omitempty"`
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "docs.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestStoreCRUD(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.Set(ctx, "/acme/tasks/t1/", sample{Name: "a", Enabled: true, Count: 1}))

			var got sample
			require.NoError(t, st.Get(ctx, "acme/tasks/t1", &got))
			assert.Equal(t, "a", got.Name)

			require.NoError(t, st.Update(ctx, "acme/tasks/t1", map[string]any{
				"count":        2,
				"nested.child": "x",
				"nested.other": true,
			}))
			got = sample{}
			require.NoError(t, st.Get(ctx, "acme/tasks/t1", &got))
			assert.Equal(t, 2, got.Count)
			assert.Equal(t, "a", got.Name)
			assert.Equal(t, "x", got.Nested["child"])

			require.ErrorIs(t, st.Update(ctx, "acme/tasks/missing", map[string]any{"a": 1}), ErrNotFound)

			require.NoError(t, st.Delete(ctx, "acme/tasks/t1"))
			require.ErrorIs(t, st.Get(ctx, "acme/tasks/t1", &got), ErrNotFound)
			require.NoError(t, st.Delete(ctx, "acme/tasks/t1"))

			require.ErrorIs(t, st.Set(ctx, "  ", sample{}), ErrInvalidPath)
		})
	}
}

func TestStoreQueryDirectChildren(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.Set(ctx, "scheduler/a", sample{Name: "a", Enabled: true}))
			require.NoError(t, st.Set(ctx, "scheduler/b", sample{Name: "b", Enabled: false}))
			require.NoError(t, st.Set(ctx, "scheduler/c", sample{Name: "c", Enabled: true, Nested: map[string]any{"k": "v"}}))
			require.NoError(t, st.Set(ctx, "scheduler/c/deep/d", sample{Name: "d", Enabled: true}))

			docs, err := st.Query(ctx, "scheduler", Eq("enabled", true))
			require.NoError(t, err)
			require.Len(t, docs, 2)
			assert.Equal(t, "a", docs[0].ID())
			assert.Equal(t, "c", docs[1].ID())

			docs, err = st.Query(ctx, "scheduler", Eq("nested.k", "v"))
			require.NoError(t, err)
			require.Len(t, docs, 1)
			var s sample
			require.NoError(t, docs[0].Decode(&s))
			assert.Equal(t, "c", s.Name)

			docs, err = st.Query(ctx, "scheduler")
			require.NoError(t, err)
			assert.Len(t, docs, 3)
		})
	}
}

func TestStoreBatchIsAllOrNothing(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.Set(ctx, "x/one", sample{Name: "one"}))

			err := st.Batch(ctx,
				SetOp("x/two", sample{Name: "two"}),
				DeleteOp("x/one"),
				UpdateOp("x/missing", map[string]any{"name": "boom"}),
			)
			require.ErrorIs(t, err, ErrNotFound)

			var s sample
			require.NoError(t, st.Get(ctx, "x/one", &s))
			require.ErrorIs(t, st.Get(ctx, "x/two", &s), ErrNotFound)

			require.NoError(t, st.Batch(ctx,
				SetOp("x/two", sample{Name: "two"}),
				UpdateOp("x/two", map[string]any{"count": 7}),
				DeleteOp("x/one"),
			))
			require.NoError(t, st.Get(ctx, "x/two", &s))
			assert.Equal(t, 7, s.Count)
			require.ErrorIs(t, st.Get(ctx, "x/one", &s), ErrNotFound)
		})
	}
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "a/b/c", Join("/a/", "", "b", "c/"))
}
