package plan

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const postsQuery = `
query Posts($category: String!, $first: Int, $after: String) {
  posts(category: $category, first: $first, after: $after) @connection(filters: ["category"]) {
    edges {
      cursor
      node { id title }
    }
    pageInfo { startCursor endCursor hasNextPage hasPreviousPage }
  }
}`

func compileT(t *testing.T, source string, opts ...CompileOption) *Plan {
	t.Helper()
	p, err := Compile(source, opts...)
	require.NoError(t, err)
	return p
}

func rootField(t *testing.T, p *Plan, name string) *Field {
	t.Helper()
	for _, f := range p.Root {
		if f.Name == name {
			return f
		}
	}
	t.Fatalf("root field %q not found", name)
	return nil
}

func TestCompile_Operation(t *testing.T) {
	p := compileT(t, postsQuery)
	assert.Equal(t, Query, p.Operation)
	assert.Equal(t, "Posts", p.Name)
	assert.Equal(t, "Query", p.RootTypename)
	require.Len(t, p.Root, 1)
}

func TestCompile_ConnectionMetadata(t *testing.T) {
	p := compileT(t, postsQuery)
	posts := rootField(t, p, "posts")

	assert.True(t, posts.IsConnection)
	assert.Equal(t, "posts", posts.ConnectionKey)
	assert.Equal(t, []string{"category"}, posts.ConnectionFilters)
	assert.Equal(t, []string{"category", "first", "after"}, posts.ArgNames)
	assert.Equal(t, []string{"first", "after"}, posts.PageArgs)
	assert.Equal(t, []string{"after", "first"}, p.WindowArgs)
}

func TestCompile_ConnectionKeyOverride(t *testing.T) {
	p := compileT(t, `
query {
  posts(first: 2) @connection(key: "feed") { edges { node { id } } }
}`)
	posts := rootField(t, p, "posts")
	assert.True(t, posts.IsConnection)
	assert.Equal(t, "feed", posts.ConnectionKey)
	assert.Nil(t, posts.ConnectionFilters)
}

func TestField_Keys(t *testing.T) {
	p := compileT(t, postsQuery)
	posts := rootField(t, p, "posts")
	vars := map[string]any{"category": "tech", "first": 2}

	assert.Equal(t, `posts({"category":"tech","first":2})`, posts.FieldKey(vars))
	assert.Equal(t, `@.posts({"category":"tech","first":2})`, posts.PageID("@", vars))
	assert.Equal(t, `@connection.posts({"category":"tech"})`, posts.CanonicalID("@", vars))
}

func TestField_UndefinedVariablesDrop(t *testing.T) {
	p := compileT(t, postsQuery)
	posts := rootField(t, p, "posts")

	// first/after undefined: dropped from args and keys.
	assert.Equal(t, `posts({"category":"tech"})`, posts.FieldKey(map[string]any{"category": "tech"}))

	// Explicit null is preserved.
	key := posts.FieldKey(map[string]any{"category": "tech", "after": nil})
	assert.Equal(t, `posts({"category":"tech","after":null})`, key)
}

func TestVarMask_CanonicalExcludesWindowVars(t *testing.T) {
	p := compileT(t, postsQuery)
	assert.Equal(t, []string{"after", "category", "first"}, p.VarMask.Strict)
	assert.Equal(t, []string{"category"}, p.VarMask.Canonical)
}

func TestVarsKey_WindowArgsDoNotAffectCanonical(t *testing.T) {
	p := compileT(t, postsQuery)

	v1 := map[string]any{"category": "tech", "first": 2}
	v2 := map[string]any{"category": "tech", "first": 2, "after": "p2"}

	assert.Equal(t, p.MakeVarsKey(true, v1), p.MakeVarsKey(true, v2))
	assert.NotEqual(t, p.MakeVarsKey(false, v1), p.MakeVarsKey(false, v2))
	assert.Equal(t, p.Signature(true, v1), p.Signature(true, v2))
	assert.NotEqual(t, p.Signature(false, v1), p.Signature(false, v2))

	posts := rootField(t, p, "posts")
	assert.Equal(t, posts.CanonicalID("@", v1), posts.CanonicalID("@", v2))
	assert.NotEqual(t, posts.PageID("@", v1), posts.PageID("@", v2))
}

func TestPlanID_FieldOrderIndependent(t *testing.T) {
	a := compileT(t, `query { user(id: "1") { id email } posts { edges { node { id } } } }`)
	b := compileT(t, `query { posts { edges { node { id } } } user(id: "1") { email id } }`)
	assert.Equal(t, a.ID, b.ID)

	c := compileT(t, `query { user(id: "2") { id email } posts { edges { node { id } } } }`)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestPlanID_OperationKindMatters(t *testing.T) {
	q := compileT(t, `query { ping }`)
	s := compileT(t, `subscription { ping }`)
	assert.NotEqual(t, q.ID, s.ID)
}

func TestCompile_SiblingDedupe(t *testing.T) {
	p := compileT(t, `
query ($id: ID!) {
  user(id: $id) { id }
  user(id: $id) { email }
}`)
	require.Len(t, p.Root, 1)
	user := p.Root[0]
	names := make([]string, 0, len(user.Selection))
	for _, f := range user.Selection {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"id", "email"}, names)
}

func TestCompile_NoMergeAcrossDirectives(t *testing.T) {
	p := compileT(t, `
query ($show: Boolean!) {
  user { id }
  user @include(if: $show) { email }
}`)
	require.Len(t, p.Root, 2)
}

func TestCompile_NoMergeAcrossTypeConditions(t *testing.T) {
	p := compileT(t, `
query {
  node(id: "1") {
    ... on User { name }
    ... on Post { name }
  }
}`)
	node := rootField(t, p, "node")
	require.Len(t, node.Selection, 2)
	assert.Equal(t, "User", node.Selection[0].TypeCondition)
	assert.Equal(t, "Post", node.Selection[1].TypeCondition)
}

func TestCompile_FragmentSpreadsInline(t *testing.T) {
	p := compileT(t, `
query {
  user(id: "1") { ...UserFields }
}
fragment UserFields on User { id email }`)
	user := rootField(t, p, "user")
	require.Len(t, user.Selection, 2)
	for _, f := range user.Selection {
		assert.Equal(t, "User", f.TypeCondition)
	}
}

func TestCompile_FragmentPlan(t *testing.T) {
	p := compileT(t, `fragment UserFields on User { id email }`)
	assert.Equal(t, Fragment, p.Operation)
	assert.Equal(t, "UserFields", p.Name)
	assert.Equal(t, "User", p.RootTypename)
	require.Len(t, p.Root, 2)
}

func TestCompile_FragmentByName(t *testing.T) {
	source := `
fragment A on User { id }
fragment B on Post { title }`
	p := compileT(t, source, WithFragmentName("B"))
	assert.Equal(t, "Post", p.RootTypename)

	_, err := Compile(source, WithFragmentName("C"))
	assert.ErrorIs(t, err, ErrUnknownFragment)
}

func TestCompile_Errors(t *testing.T) {
	_, err := Compile(`query { user { ...Missing } }`)
	assert.ErrorIs(t, err, ErrUnknownFragment)

	_, err = Compile(`
query { user { ...A } }
fragment A on User { ...B }
fragment B on User { ...A }`)
	assert.ErrorIs(t, err, ErrFragmentCycle)

	_, err = Compile(`query {`)
	assert.ErrorIs(t, err, ErrCompile)
}

func TestInclude_Directives(t *testing.T) {
	p := compileT(t, `
query ($show: Boolean!, $hide: Boolean!) {
  a @include(if: $show)
  b @skip(if: $hide)
  c
}`)
	a := rootField(t, p, "a")
	b := rootField(t, p, "b")
	c := rootField(t, p, "c")

	assert.True(t, a.Include(map[string]any{"show": true}))
	assert.False(t, a.Include(map[string]any{"show": false}))
	assert.False(t, a.Include(map[string]any{}))

	assert.True(t, b.Include(map[string]any{"hide": false}))
	assert.False(t, b.Include(map[string]any{"hide": true}))

	assert.True(t, c.Include(nil))
}

func TestNetworkQuery_Rewrite(t *testing.T) {
	p := compileT(t, postsQuery)

	assert.NotContains(t, p.NetworkQuery, "@connection")
	assert.Contains(t, p.NetworkQuery, "__typename")
	assert.Contains(t, p.NetworkQuery, "posts")
}

func TestNetworkQuery_PreservesIncludeAndSpreads(t *testing.T) {
	p := compileT(t, `
query ($show: Boolean!) {
  user(id: "1") @include(if: $show) { ...UserFields }
}
fragment UserFields on User { id }`)

	assert.Contains(t, p.NetworkQuery, "@include")
	assert.Contains(t, p.NetworkQuery, "fragment UserFields on User")
	assert.GreaterOrEqual(t, strings.Count(p.NetworkQuery, "UserFields"), 2)
}

func TestNetworkQuery_DedupesSiblings(t *testing.T) {
	p := compileT(t, `
query ($id: ID!) {
  user(id: $id) { id }
  user(id: $id) { email }
}`)
	assert.Equal(t, 1, strings.Count(p.NetworkQuery, "user("))
}

func TestDependencies_RootConnections(t *testing.T) {
	p := compileT(t, postsQuery)
	vars := map[string]any{"category": "tech", "first": 2}

	deps := p.Dependencies(true, vars)
	assert.Contains(t, deps, "@")
	assert.Contains(t, deps, `@connection.posts({"category":"tech"})`)

	strict := p.Dependencies(false, vars)
	assert.Contains(t, strict, `@.posts({"category":"tech","first":2})`)
}

func TestRegistry_SharesPlans(t *testing.T) {
	r := NewRegistry()

	p1, err := r.Load(postsQuery)
	require.NoError(t, err)
	p2, err := r.Load(postsQuery)
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, 1, r.Len())

	_, err = r.Load(`query {`)
	assert.Error(t, err)
}
