package optimistic

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockvoid/cachebay/document"
	"github.com/lockvoid/cachebay/graph"
	"github.com/lockvoid/cachebay/internal/canon"
	"github.com/lockvoid/cachebay/internal/ident"
	"github.com/lockvoid/cachebay/plan"
)

const postsCanonical = `@connection.posts({})`

func newEngine(t *testing.T) (*graph.Graph, *canon.Manager, *Engine) {
	t.Helper()
	g := graph.New()
	cm := canon.New(g, nil)
	plans := plan.NewRegistry()
	docs := document.New(document.Config{
		Graph: g,
		Canon: cm,
		Ident: ident.New(nil, nil),
	})
	e := New(Config{
		Graph: g,
		Canon: cm,
		Ident: ident.New(nil, nil),
		Plans: plans,
		Docs:  docs,
	})
	return g, cm, e
}

func seedUser(g *graph.Graph) {
	g.PutRecord("User:u1", map[string]graph.Value{
		graph.TypenameField: graph.Scalar("User"),
		"id":                graph.Scalar("u1"),
		"email":             graph.Scalar("a@x"),
	})
	g.Flush()
}

func fieldScalar(t *testing.T, g *graph.Graph, id, key string) any {
	t.Helper()
	rec, ok := g.GetRecord(id)
	require.True(t, ok, "record %s missing", id)
	v, ok := rec.Get(key)
	require.True(t, ok, "field %s missing on %s", key, id)
	s, _ := v.ScalarValue()
	return s
}

func TestPatch_MergeAndRevert(t *testing.T) {
	g, _, e := newEngine(t)
	seedUser(g)

	tx, err := e.Modify(func(ctx *Context) error {
		ctx.Patch("User:u1", map[string]any{"email": "opt@x"})
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "opt@x", fieldScalar(t, g, "User:u1", "email"))

	tx.Revert()
	assert.Equal(t, "a@x", fieldScalar(t, g, "User:u1", "email"))

	// Reverting twice is idempotent.
	tx.Revert()
	assert.Equal(t, "a@x", fieldScalar(t, g, "User:u1", "email"))
}

func TestPatch_Replace(t *testing.T) {
	g, _, e := newEngine(t)
	seedUser(g)

	_, err := e.Modify(func(ctx *Context) error {
		ctx.Patch("User:u1", map[string]any{"name": "N"}, Replace)
		return nil
	})
	require.NoError(t, err)

	rec, _ := g.GetRecord("User:u1")
	assert.Equal(t, "User", rec.Typename(), "replace preserves __typename")
	_, hasEmail := rec.Get("email")
	assert.False(t, hasEmail, "replace drops fields the patch omits")
	assert.Equal(t, "N", fieldScalar(t, g, "User:u1", "name"))
}

func TestPatch_FuncForm(t *testing.T) {
	g, _, e := newEngine(t)
	seedUser(g)

	_, err := e.Modify(func(ctx *Context) error {
		ctx.Patch("User:u1", func(prev map[string]any) map[string]any {
			return map[string]any{"email": prev["email"].(string) + "!"}
		})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "a@x!", fieldScalar(t, g, "User:u1", "email"))
}

func TestDelete_Revert(t *testing.T) {
	g, _, e := newEngine(t)
	seedUser(g)

	tx, err := e.Modify(func(ctx *Context) error {
		ctx.Delete("User:u1")
		return nil
	})
	require.NoError(t, err)

	_, ok := g.GetRecord("User:u1")
	assert.False(t, ok)

	tx.Revert()
	assert.Equal(t, "a@x", fieldScalar(t, g, "User:u1", "email"))
}

func TestRevert_RestoresBaselinePerRecord(t *testing.T) {
	g, _, e := newEngine(t)
	seedUser(g)
	baseline, _ := g.GetRecord("User:u1")

	tx, err := e.Modify(func(ctx *Context) error {
		ctx.Patch("User:u1", map[string]any{"email": "x@x", "extra": 1})
		return nil
	})
	require.NoError(t, err)
	tx.Revert()

	restored, _ := g.GetRecord("User:u1")
	assert.Equal(t, baseline.FieldMap(), restored.FieldMap(),
		"revert must restore the record field-for-field")
}

func TestBuilderError_RevertsAndPropagates(t *testing.T) {
	g, _, e := newEngine(t)
	seedUser(g)
	boom := errors.New("boom")

	_, err := e.Modify(func(ctx *Context) error {
		ctx.Patch("User:u1", map[string]any{"email": "partial@x"})
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "a@x", fieldScalar(t, g, "User:u1", "email"))
	assert.Equal(t, 0, e.ActiveLayers())
}

func TestBuilderPanic_RevertsAndRepanics(t *testing.T) {
	g, _, e := newEngine(t)
	seedUser(g)

	assert.Panics(t, func() {
		_, _ = e.Modify(func(ctx *Context) error {
			ctx.Patch("User:u1", map[string]any{"email": "partial@x"})
			panic("boom")
		})
	})
	assert.Equal(t, "a@x", fieldScalar(t, g, "User:u1", "email"))
}

func TestConnection_AddNodeAndWatcherOrder(t *testing.T) {
	g, cm, e := newEngine(t)

	_, err := e.Modify(func(ctx *Context) error {
		conn := ctx.Connection(ConnectionSpec{Key: "posts"})
		conn.AddNode(map[string]any{"__typename": "Post", "id": "tmp-1", "title": "X"})
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Post:tmp-1"}, cm.NodeIDs(postsCanonical))
	assert.Equal(t, "X", fieldScalar(t, g, "Post:tmp-1", "title"))
}

func TestConnection_UnkeyableNodeIgnored(t *testing.T) {
	_, cm, e := newEngine(t)

	tx, err := e.Modify(func(ctx *Context) error {
		conn := ctx.Connection(ConnectionSpec{Key: "posts"})
		conn.AddNode(map[string]any{"title": "no identity"})
		conn.AddNode(map[string]any{"__typename": "Post", "title": "no key"})
		return nil
	})
	require.NoError(t, err)

	assert.Empty(t, cm.NodeIDs(postsCanonical))
	assert.Equal(t, 2, tx.Diagnostics().Len())
}

func TestLayerRevertOrder(t *testing.T) {
	// T1 adds p1, p2; T2 adds p3. Reverting T1 preserves T2's node;
	// reverting T2 empties the connection.
	_, cm, e := newEngine(t)

	t1, err := e.Modify(func(ctx *Context) error {
		conn := ctx.Connection(ConnectionSpec{Key: "posts"})
		conn.AddNode(map[string]any{"__typename": "Post", "id": "p1"})
		conn.AddNode(map[string]any{"__typename": "Post", "id": "p2"})
		return nil
	})
	require.NoError(t, err)

	t2, err := e.Modify(func(ctx *Context) error {
		conn := ctx.Connection(ConnectionSpec{Key: "posts"})
		conn.AddNode(map[string]any{"__typename": "Post", "id": "p3"})
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Post:p1", "Post:p2", "Post:p3"}, cm.NodeIDs(postsCanonical))

	t1.Revert()
	assert.Equal(t, []string{"Post:p3"}, cm.NodeIDs(postsCanonical))

	t2.Revert()
	assert.Empty(t, cm.NodeIDs(postsCanonical))
}

func TestCommit_RewritesPlaceholderIDs(t *testing.T) {
	g, cm, e := newEngine(t)

	builder := func(ctx *Context) error {
		id := "tmp-1"
		if ctx.Phase() == PhaseCommit {
			id = ctx.Data().(map[string]any)["id"].(string)
		}
		conn := ctx.Connection(ConnectionSpec{Key: "posts"})
		conn.AddNode(map[string]any{"__typename": "Post", "id": id, "title": "X"})
		return nil
	}

	tx, err := e.Modify(builder)
	require.NoError(t, err)
	assert.Equal(t, []string{"Post:tmp-1"}, cm.NodeIDs(postsCanonical))

	require.NoError(t, tx.Commit(map[string]any{"id": "p9"}))

	// No record references the placeholder anymore.
	_, ok := g.GetRecord("Post:tmp-1")
	assert.False(t, ok, "placeholder record must be gone")
	assert.Equal(t, "X", fieldScalar(t, g, "Post:p9", "title"))
	assert.Equal(t, []string{"Post:p9"}, cm.NodeIDs(postsCanonical))

	for _, id := range g.IDs() {
		rec, _ := g.GetRecord(id)
		for _, val := range rec.FieldMap() {
			if ref, isRef := val.RefID(); isRef {
				assert.NotEqual(t, "Post:tmp-1", ref, "ref on %s still points at placeholder", id)
			}
			if refs, isList := val.RefIDs(); isList {
				assert.NotContains(t, refs, "Post:tmp-1", "ref-array on %s still holds placeholder", id)
			}
		}
	}

	// Post-commit revert is a no-op.
	tx.Revert()
	assert.Equal(t, []string{"Post:p9"}, cm.NodeIDs(postsCanonical))
	assert.Equal(t, 0, e.ActiveLayers())
}

func TestCommit_PositionPreserved(t *testing.T) {
	_, cm, e := newEngine(t)

	// Baseline union p1, p2 from a non-optimistic source.
	cm.AddNode(postsCanonical, "Post:p1", nil, canon.End, "")
	cm.AddNode(postsCanonical, "Post:p2", nil, canon.End, "")

	builder := func(ctx *Context) error {
		id := "tmp-1"
		if ctx.Phase() == PhaseCommit {
			id = ctx.Data().(map[string]any)["id"].(string)
		}
		conn := ctx.Connection(ConnectionSpec{Key: "posts"})
		conn.AddNode(map[string]any{"__typename": "Post", "id": id}, AddNodeOptions{
			Position: After,
			Anchor:   "Post:p1",
		})
		return nil
	}

	tx, err := e.Modify(builder)
	require.NoError(t, err)
	assert.Equal(t, []string{"Post:p1", "Post:tmp-1", "Post:p2"}, cm.NodeIDs(postsCanonical))

	require.NoError(t, tx.Commit(map[string]any{"id": "p9"}))
	assert.Equal(t, []string{"Post:p1", "Post:p9", "Post:p2"}, cm.NodeIDs(postsCanonical))
}

func TestRemoveNode_LeavesStrictPages(t *testing.T) {
	g, cm, e := newEngine(t)

	cm.PageWritten(postsCanonical, "PostConnection",
		[]canon.Edge{{NodeID: "Post:p1"}, {NodeID: "Post:p2"}},
		nil, nil, canon.Pagination{HasFirst: true},
	)
	g.PutRecord(`@.posts({"first":2})`, map[string]graph.Value{
		graph.TypenameField: graph.Scalar("PostConnection"),
	})
	g.Flush()

	tx, err := e.Modify(func(ctx *Context) error {
		ctx.Connection(ConnectionSpec{Key: "posts"}).RemoveNode("Post:p1")
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Post:p2"}, cm.NodeIDs(postsCanonical))
	if _, ok := g.GetRecord(`@.posts({"first":2})`); !ok {
		t.Error("strict page must survive canonical removal")
	}

	tx.Revert()
	assert.Equal(t, []string{"Post:p1", "Post:p2"}, cm.NodeIDs(postsCanonical))
}

func TestConnectionPatch(t *testing.T) {
	g, _, e := newEngine(t)

	tx, err := e.Modify(func(ctx *Context) error {
		conn := ctx.Connection(ConnectionSpec{Key: "posts"})
		conn.AddNode(map[string]any{"__typename": "Post", "id": "p1"})
		conn.Patch(map[string]any{
			"totalCount": 41,
			"pageInfo":   map[string]any{"hasNextPage": true},
		})
		conn.Patch(func(prev map[string]any) map[string]any {
			return map[string]any{"totalCount": prev["totalCount"].(int) + 1}
		})
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 42, fieldScalar(t, g, postsCanonical, "totalCount"))
	infoID := postsCanonical + ".pageInfo"
	assert.Equal(t, true, fieldScalar(t, g, infoID, "hasNextPage"))

	tx.Revert()
	if _, ok := g.GetRecord(postsCanonical); ok {
		rec, _ := g.GetRecord(postsCanonical)
		if _, has := rec.Get("totalCount"); has {
			t.Error("revert left optimistic container patch")
		}
	}
}

func TestAddNode_FragmentInitializesNestedConnections(t *testing.T) {
	g, _, e := newEngine(t)

	fragment := `
fragment PostFields on Post {
  id
  title
  comments(first: $first) @connection { edges { node { id } } }
}`

	tx, err := e.Modify(func(ctx *Context) error {
		conn := ctx.Connection(ConnectionSpec{Key: "posts"})
		conn.AddNode(
			map[string]any{"__typename": "Post", "id": "p1", "title": "X"},
			AddNodeOptions{Fragment: fragment, Variables: map[string]any{"first": 10}},
		)
		// Re-adding with the same fragment does not re-initialize.
		conn.AddNode(
			map[string]any{"__typename": "Post", "id": "p1", "title": "X"},
			AddNodeOptions{Fragment: fragment, Variables: map[string]any{"first": 10}},
		)
		return nil
	})
	require.NoError(t, err)

	nested := `@connection.Post:p1.comments({})`
	rec, ok := g.GetRecord(nested)
	require.True(t, ok, "nested connection not initialized")
	v, _ := rec.Get("edges")
	refs, _ := v.RefIDs()
	assert.Empty(t, refs, "initialized connection starts empty")

	// Teardown on revert.
	tx.Revert()
	if _, ok := g.GetRecord(nested); ok {
		t.Error("revert must tear down fragment-initialized connections")
	}
	if _, ok := g.GetRecord("Post:p1"); ok {
		t.Error("revert must remove the inserted node record")
	}
}

func TestReplay_Idempotent(t *testing.T) {
	_, cm, e := newEngine(t)

	_, err := e.Modify(func(ctx *Context) error {
		conn := ctx.Connection(ConnectionSpec{Key: "posts"})
		conn.AddNode(map[string]any{"__typename": "Post", "id": "p1"})
		return nil
	})
	require.NoError(t, err)

	scope := Scope{Connections: []string{postsCanonical}}
	r1 := e.Replay(scope)
	assert.Empty(t, r1.Added)
	assert.Empty(t, r1.Removed)
	assert.Equal(t, []string{"Post:p1"}, cm.NodeIDs(postsCanonical))

	r2 := e.Replay(scope)
	assert.Empty(t, r2.Added)
	assert.Empty(t, r2.Removed)
	assert.Equal(t, []string{"Post:p1"}, cm.NodeIDs(postsCanonical))
}
