package plan

import (
	"bytes"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
)

// networkQuery rewrites the document for transport and prints it:
// the @connection directive is stripped, __typename is injected into
// every selection set below the operation roots, identical sibling fields
// are merged, and fragment spreads are preserved.
//
// The input document is never mutated; the rewrite builds copies.
func networkQuery(doc *ast.QueryDocument) string {
	out := &ast.QueryDocument{}
	for _, op := range doc.Operations {
		cp := *op
		cp.SelectionSet = rewriteSet(op.SelectionSet, true)
		out.Operations = append(out.Operations, &cp)
	}
	for _, frag := range doc.Fragments {
		cp := *frag
		cp.SelectionSet = rewriteSet(frag.SelectionSet, false)
		out.Fragments = append(out.Fragments, &cp)
	}

	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatQueryDocument(out)
	return buf.String()
}

// rewriteSet rewrites one selection set. root marks operation roots,
// which do not receive an injected __typename.
func rewriteSet(sel ast.SelectionSet, root bool) ast.SelectionSet {
	if len(sel) == 0 {
		return nil
	}

	var out ast.SelectionSet
	index := make(map[string]int)
	hasTypename := false

	for _, s := range sel {
		switch node := s.(type) {
		case *ast.Field:
			cp := *node
			cp.Directives = stripConnection(node.Directives)
			cp.SelectionSet = rewriteSet(node.SelectionSet, false)

			// Dedupe key uses the pre-strip directive list so fields with
			// differing connection keys stay separate.
			key := networkMergeKey(node)
			if at, ok := index[key]; ok {
				prev := out[at].(*ast.Field)
				prev.SelectionSet = mergeNetworkSets(prev.SelectionSet, cp.SelectionSet)
				continue
			}
			index[key] = len(out)
			out = append(out, &cp)
			if node.Name == "__typename" && node.Alias == "" {
				hasTypename = true
			}
		case *ast.InlineFragment:
			cp := *node
			cp.SelectionSet = rewriteSet(node.SelectionSet, false)
			out = append(out, &cp)
		case *ast.FragmentSpread:
			cp := *node
			out = append(out, &cp)
		}
	}

	if !root && !hasTypename {
		typename := &ast.Field{Name: "__typename"}
		out = append(ast.SelectionSet{typename}, out...)
	}
	return out
}

// mergeNetworkSets merges a later duplicate field's children into the
// surviving field, deduping again at the combined level.
func mergeNetworkSets(a, b ast.SelectionSet) ast.SelectionSet {
	if len(b) == 0 {
		return a
	}
	combined := make(ast.SelectionSet, 0, len(a)+len(b))
	combined = append(combined, a...)
	combined = append(combined, b...)
	return rewriteSet(combined, false)
}

// networkMergeKey identifies a sibling field for transport-level dedupe:
// response key, argument vector, and full directive set (connection
// directive included, so differing connection keys never merge).
func networkMergeKey(f *ast.Field) string {
	var sb strings.Builder
	sb.WriteString("f:")
	if f.Alias != "" {
		sb.WriteString(f.Alias)
	} else {
		sb.WriteString(f.Name)
	}
	sb.WriteByte('|')
	sb.WriteString(f.Name)
	sb.WriteByte('|')
	for _, arg := range f.Arguments {
		sb.WriteString(arg.Name)
		sb.WriteByte('=')
		sb.WriteString(valueShape(arg.Value))
		sb.WriteByte(',')
	}
	sb.WriteByte('|')
	for _, d := range f.Directives {
		sb.WriteByte('@')
		sb.WriteString(d.Name)
		for _, arg := range d.Arguments {
			sb.WriteByte('(')
			sb.WriteString(arg.Name)
			sb.WriteByte('=')
			sb.WriteString(valueShape(arg.Value))
			sb.WriteByte(')')
		}
	}
	return sb.String()
}

// stripConnection removes the client-only @connection directive, keeping
// everything else (notably @include/@skip) for the server.
func stripConnection(list ast.DirectiveList) ast.DirectiveList {
	var out ast.DirectiveList
	for _, d := range list {
		if d.Name == connectionDirective {
			continue
		}
		out = append(out, d)
	}
	return out
}
