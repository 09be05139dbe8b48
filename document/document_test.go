package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockvoid/cachebay/graph"
	"github.com/lockvoid/cachebay/internal/canon"
	"github.com/lockvoid/cachebay/internal/ident"
	"github.com/lockvoid/cachebay/plan"
)

func newDocs(t *testing.T, interfaces map[string][]string) (*graph.Graph, *Documents) {
	t.Helper()
	g := graph.New()
	cm := canon.New(g, nil)
	docs := New(Config{
		Graph: g,
		Canon: cm,
		Ident: ident.New(nil, interfaces),
	})
	g.OnChange(func(touched map[string]struct{}) {
		docs.InvalidateTouched(touched)
	})
	return g, docs
}

func compileT(t *testing.T, source string, opts ...plan.CompileOption) *plan.Plan {
	t.Helper()
	p, err := plan.Compile(source, opts...)
	require.NoError(t, err)
	return p
}

const userQuery = `
query User($id: ID!) {
  user(id: $id) { id email }
}`

func TestNormalizeMaterialize_EntityRoundTrip(t *testing.T) {
	g, docs := newDocs(t, nil)
	p := compileT(t, userQuery)
	vars := map[string]any{"id": "u1"}

	response := map[string]any{
		"user": map[string]any{"__typename": "User", "id": "u1", "email": "a@x"},
	}
	res := docs.Normalize(p, vars, response, NormalizeOptions{})
	assert.True(t, res.OK(), res.String())

	rec, ok := g.GetRecord("User:u1")
	require.True(t, ok, "entity record not created")
	assert.Equal(t, "User", rec.Typename())

	out := docs.Materialize(p, vars, MaterializeOptions{Canonical: true})
	require.True(t, out.HasData())
	user, ok := out.Data["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "User", user["__typename"])
	assert.Equal(t, "u1", user["id"])
	assert.Equal(t, "a@x", user["email"])
}

func TestNormalize_EmbeddedWithoutKey(t *testing.T) {
	g, docs := newDocs(t, nil)
	p := compileT(t, `
query {
  user(id: "u1") {
    id
    address { street city }
  }
}`)

	docs.Normalize(p, nil, map[string]any{
		"user": map[string]any{
			"__typename": "User",
			"id":         "u1",
			"address":    map[string]any{"__typename": "Address", "street": "Main", "city": "Berlin"},
		},
	}, NormalizeOptions{})

	// Address has no id: embedded as a sub-record under the parent.
	rec, ok := g.GetRecord("User:u1.address")
	require.True(t, ok, "embedded sub-record missing")
	v, _ := rec.Get("street")
	s, _ := v.ScalarValue()
	assert.Equal(t, "Main", s)

	out := docs.Materialize(p, nil, MaterializeOptions{})
	user := out.Data["user"].(map[string]any)
	address := user["address"].(map[string]any)
	assert.Equal(t, "Berlin", address["city"])
}

func TestNormalize_ScalarArraysStayEmbedded(t *testing.T) {
	g, docs := newDocs(t, nil)
	p := compileT(t, `query { user(id: "u1") { id tags } }`)

	docs.Normalize(p, nil, map[string]any{
		"user": map[string]any{"__typename": "User", "id": "u1", "tags": []any{"a", "b"}},
	}, NormalizeOptions{})

	rec, _ := g.GetRecord("User:u1")
	v, ok := rec.Get("tags")
	require.True(t, ok)
	assert.Equal(t, graph.KindList, v.Kind())

	out := docs.Materialize(p, nil, MaterializeOptions{})
	user := out.Data["user"].(map[string]any)
	assert.Equal(t, []any{"a", "b"}, user["tags"])
}

func TestNormalize_EntityListBecomesRefArray(t *testing.T) {
	g, docs := newDocs(t, nil)
	p := compileT(t, `query { users { id email } }`)

	docs.Normalize(p, nil, map[string]any{
		"users": []any{
			map[string]any{"__typename": "User", "id": "u1", "email": "a@x"},
			map[string]any{"__typename": "User", "id": "u2", "email": "b@x"},
		},
	}, NormalizeOptions{})

	root, _ := g.GetRecord("@")
	v, ok := root.Get("users")
	require.True(t, ok)
	refs, _ := v.RefIDs()
	assert.Equal(t, []string{"User:u1", "User:u2"}, refs)

	out := docs.Materialize(p, nil, MaterializeOptions{})
	users := out.Data["users"].([]any)
	require.Len(t, users, 2)
	assert.Equal(t, "b@x", users[1].(map[string]any)["email"])
}

const pagedQuery = `
query Posts($category: String!, $first: Int, $after: String) {
  posts(category: $category, first: $first, after: $after) @connection(filters: ["category"]) {
    edges {
      cursor
      node { id title }
    }
    pageInfo { startCursor endCursor hasNextPage hasPreviousPage }
  }
}`

func postPage(ids []string, start, end string, hasNext bool) map[string]any {
	edges := make([]any, 0, len(ids))
	for _, id := range ids {
		edges = append(edges, map[string]any{
			"__typename": "PostEdge",
			"cursor":     id,
			"node":       map[string]any{"__typename": "Post", "id": id, "title": "T" + id},
		})
	}
	return map[string]any{
		"posts": map[string]any{
			"__typename": "PostConnection",
			"edges":      edges,
			"pageInfo": map[string]any{
				"__typename":      "PageInfo",
				"startCursor":     start,
				"endCursor":       end,
				"hasNextPage":     hasNext,
				"hasPreviousPage": false,
			},
		},
	}
}

func TestConnection_CanonicalMerge(t *testing.T) {
	g, docs := newDocs(t, nil)
	p := compileT(t, pagedQuery)

	v1 := map[string]any{"category": "tech", "first": 2}
	docs.Normalize(p, v1, postPage([]string{"p1", "p2"}, "p1", "p2", true), NormalizeOptions{})

	v2 := map[string]any{"category": "tech", "first": 2, "after": "p2"}
	docs.Normalize(p, v2, postPage([]string{"p3", "p4"}, "p3", "p4", false), NormalizeOptions{})

	// Strict pages exist independently.
	if _, ok := g.GetRecord(`@.posts({"category":"tech","first":2})`); !ok {
		t.Fatal("strict page 1 missing")
	}
	if _, ok := g.GetRecord(`@.posts({"category":"tech","first":2,"after":"p2"})`); !ok {
		t.Fatal("strict page 2 missing")
	}

	// The canonical union serves all four posts in order.
	out := docs.Materialize(p, v1, MaterializeOptions{Canonical: true})
	require.True(t, out.HasData())
	conn := out.Data["posts"].(map[string]any)
	edges := conn["edges"].([]any)
	require.Len(t, edges, 4)

	var ids []string
	for _, e := range edges {
		node := e.(map[string]any)["node"].(map[string]any)
		ids = append(ids, node["id"].(string))
	}
	assert.Equal(t, []string{"p1", "p2", "p3", "p4"}, ids)

	info := conn["pageInfo"].(map[string]any)
	assert.Equal(t, "p1", info["startCursor"])
	assert.Equal(t, "p4", info["endCursor"])
	assert.Equal(t, false, info["hasNextPage"])

	// Strict mode reads only the one page.
	strict := docs.Materialize(p, v1, MaterializeOptions{})
	strictEdges := strict.Data["posts"].(map[string]any)["edges"].([]any)
	assert.Len(t, strictEdges, 2)
}

func TestMaterialize_MemoIdentity(t *testing.T) {
	g, docs := newDocs(t, nil)
	p := compileT(t, userQuery)
	vars := map[string]any{"id": "u1"}

	docs.Normalize(p, vars, map[string]any{
		"user": map[string]any{"__typename": "User", "id": "u1", "email": "a@x"},
	}, NormalizeOptions{})
	g.Flush()

	r1 := docs.Materialize(p, vars, MaterializeOptions{Canonical: true})
	r2 := docs.Materialize(p, vars, MaterializeOptions{Canonical: true})
	assert.Same(t, r1, r2, "repeat reads without writes must be reference-equal")

	// A write touching a dependency invalidates the memo.
	g.PutRecord("User:u1", map[string]graph.Value{"email": graph.Scalar("b@x")})
	g.Flush()

	r3 := docs.Materialize(p, vars, MaterializeOptions{Canonical: true})
	assert.NotSame(t, r1, r3)
	assert.Equal(t, "b@x", r3.Data["user"].(map[string]any)["email"])

	// A write to an unrelated record leaves the memo intact.
	g.PutRecord("Other:1", map[string]graph.Value{"x": graph.Scalar(1)})
	g.Flush()
	r4 := docs.Materialize(p, vars, MaterializeOptions{Canonical: true})
	assert.Same(t, r3, r4)
}

func TestMaterialize_ForceSkipsMemoRead(t *testing.T) {
	_, docs := newDocs(t, nil)
	p := compileT(t, userQuery)
	vars := map[string]any{"id": "u1"}

	docs.Normalize(p, vars, map[string]any{
		"user": map[string]any{"__typename": "User", "id": "u1", "email": "a@x"},
	}, NormalizeOptions{})

	r1 := docs.Materialize(p, vars, MaterializeOptions{Canonical: true})
	r2 := docs.Materialize(p, vars, MaterializeOptions{Canonical: true, Force: true})
	assert.NotSame(t, r1, r2)
	assert.Equal(t, r1.Hash, r2.Hash)
}

func TestMaterialize_DanglingRef(t *testing.T) {
	g, docs := newDocs(t, nil)
	p := compileT(t, userQuery)
	vars := map[string]any{"id": "u1"}

	g.PutRecord("@", map[string]graph.Value{
		`user({"id":"u1"})`: graph.Ref("User:u1"),
	})
	g.Flush()

	out := docs.Materialize(p, vars, MaterializeOptions{Canonical: true})
	_, present := out.Data["user"]
	assert.False(t, present, "dangling ref must materialize as missing")
	assert.Contains(t, out.Deps, "User:u1", "dangling target must stay watched")

	// Once the target appears, the next read sees it.
	g.PutRecord("User:u1", map[string]graph.Value{
		graph.TypenameField: graph.Scalar("User"),
		"id":                graph.Scalar("u1"),
		"email":             graph.Scalar("a@x"),
	})
	g.Flush()
	out2 := docs.Materialize(p, vars, MaterializeOptions{Canonical: true})
	assert.Equal(t, "a@x", out2.Data["user"].(map[string]any)["email"])
}

func TestTypeConditions_InterfaceExpansion(t *testing.T) {
	_, docs := newDocs(t, map[string][]string{"Node": {"User", "Post"}})
	p := compileT(t, `
query {
  item {
    ... on Node { id }
    ... on User { email }
    ... on Post { title }
  }
}`)

	docs.Normalize(p, nil, map[string]any{
		"item": map[string]any{"__typename": "User", "id": "u1", "email": "a@x", "title": "nope"},
	}, NormalizeOptions{})

	out := docs.Materialize(p, nil, MaterializeOptions{})
	item := out.Data["item"].(map[string]any)
	assert.Equal(t, "u1", item["id"], "interface guard must match implementor")
	assert.Equal(t, "a@x", item["email"])
	_, hasTitle := item["title"]
	assert.False(t, hasTitle, "non-matching guard must not materialize")
}

func TestNormalize_MissingTypenameOnGuardedPath(t *testing.T) {
	_, docs := newDocs(t, nil)
	p := compileT(t, `
query {
  item { ... on User { email } }
}`)

	res := docs.Normalize(p, nil, map[string]any{
		"item": map[string]any{"email": "a@x"},
	}, NormalizeOptions{})

	assert.False(t, res.OK(), "missing __typename on a guarded path must report an issue")
	found := false
	for issue := range res.Issues() {
		if issue.Code().String() == "E_MISSING_TYPENAME" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestNormalize_MalformedFieldDropped(t *testing.T) {
	_, docs := newDocs(t, nil)
	p := compileT(t, userQuery)
	vars := map[string]any{"id": "u1"}

	// user should be an object; a scalar is dropped, not fatal.
	res := docs.Normalize(p, vars, map[string]any{"user": "nope"}, NormalizeOptions{})
	assert.False(t, res.OK())

	out := docs.Materialize(p, vars, MaterializeOptions{})
	_, present := out.Data["user"]
	assert.False(t, present)
}

func TestMaterialize_Fingerprint(t *testing.T) {
	g, docs := newDocs(t, nil)
	p := compileT(t, userQuery)
	vars := map[string]any{"id": "u1"}

	docs.Normalize(p, vars, map[string]any{
		"user": map[string]any{"__typename": "User", "id": "u1", "email": "a@x"},
	}, NormalizeOptions{})
	g.Flush()

	r1 := docs.Materialize(p, vars, MaterializeOptions{Canonical: true, Fingerprint: true, Force: true})
	user := r1.Data["user"].(map[string]any)
	v1, ok := user["__version"].(string)
	require.True(t, ok, "fingerprinted snapshots carry __version")

	g.PutRecord("User:u1", map[string]graph.Value{"email": graph.Scalar("b@x")})
	g.Flush()

	r2 := docs.Materialize(p, vars, MaterializeOptions{Canonical: true, Fingerprint: true, Force: true})
	v2 := r2.Data["user"].(map[string]any)["__version"].(string)
	assert.NotEqual(t, v1, v2)

	// The structural hash ignores __version: plain and fingerprinted
	// reads of the same data hash alike.
	plainRead := docs.Materialize(p, vars, MaterializeOptions{Canonical: true, Force: true})
	assert.Equal(t, plainRead.Hash, r2.Hash)
}

func TestFragment_RootOverride(t *testing.T) {
	_, docs := newDocs(t, nil)
	frag := compileT(t, `fragment UserFields on User { id email }`)

	res := docs.Normalize(frag, nil, map[string]any{
		"__typename": "User", "id": "u1", "email": "a@x",
	}, NormalizeOptions{RootID: "User:u1"})
	assert.True(t, res.OK(), res.String())

	out := docs.Materialize(frag, nil, MaterializeOptions{RootID: "User:u1", Fingerprint: true})
	require.NotNil(t, out.Data)
	assert.Equal(t, "a@x", out.Data["email"])
	assert.Equal(t, "User", out.Data["__typename"])

	missing := docs.Materialize(frag, nil, MaterializeOptions{RootID: "User:none"})
	assert.Nil(t, missing.Data)
}

func TestRefcount_MemoLifetime(t *testing.T) {
	g, docs := newDocs(t, nil)
	p := compileT(t, userQuery)
	vars := map[string]any{"id": "u1"}

	docs.Normalize(p, vars, map[string]any{
		"user": map[string]any{"__typename": "User", "id": "u1", "email": "a@x"},
	}, NormalizeOptions{})
	g.Flush()

	ref := NewRef(p.ID, true, p.MakeVarsKey(true, vars), "", false)
	docs.Retain(ref)
	docs.Materialize(p, vars, MaterializeOptions{Canonical: true})

	// With a live ref, invalidation keeps the slot allocated.
	g.PutRecord("User:u1", map[string]graph.Value{"email": graph.Scalar("b@x")})
	g.Flush()
	assert.GreaterOrEqual(t, docs.MemoLen(), 1)

	// After release plus an overlapping touch, the slot is gone.
	docs.Release(ref)
	g.PutRecord("User:u1", map[string]graph.Value{"email": graph.Scalar("c@x")})
	g.Flush()

	r1 := docs.Materialize(p, vars, MaterializeOptions{Canonical: true})
	assert.Equal(t, "c@x", r1.Data["user"].(map[string]any)["email"])
}
