package plan

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// CompileOption configures a single compilation.
type CompileOption func(*compileConfig)

type compileConfig struct {
	fragmentName string
}

// WithFragmentName compiles the named fragment definition instead of an
// operation. Required when the document holds several fragments and no
// operation; optional when it holds exactly one fragment.
func WithFragmentName(name string) CompileOption {
	return func(cfg *compileConfig) {
		cfg.fragmentName = name
	}
}

// Compile parses source and compiles it into a Plan.
func Compile(source string, opts ...CompileOption) (*Plan, error) {
	doc, err := parser.ParseQuery(&ast.Source{Name: "query", Input: source})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}
	return CompileDocument(doc, opts...)
}

// CompileDocument compiles an already-parsed document into a Plan.
//
// The document is not mutated; the network rewrite operates on a copy.
func CompileDocument(doc *ast.QueryDocument, opts ...CompileOption) (*Plan, error) {
	cfg := compileConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &compiler{doc: doc}

	var (
		operation    Operation
		name         string
		rootTypename string
		rootSel      ast.SelectionSet
	)

	switch {
	case cfg.fragmentName != "" || len(doc.Operations) == 0:
		frag, err := c.fragment(cfg.fragmentName)
		if err != nil {
			return nil, err
		}
		operation = Fragment
		name = frag.Name
		rootTypename = frag.TypeCondition
		rootSel = frag.SelectionSet
	default:
		op := doc.Operations[0]
		switch op.Operation {
		case ast.Mutation:
			operation = Mutation
			rootTypename = "Mutation"
		case ast.Subscription:
			operation = Subscription
			rootTypename = "Subscription"
		default:
			operation = Query
			rootTypename = "Query"
		}
		name = op.Name
		rootSel = op.SelectionSet
	}

	root, err := c.flatten(rootSel, "", make(map[string]bool))
	if err != nil {
		return nil, err
	}

	p := &Plan{
		Operation:    operation,
		Name:         name,
		RootTypename: rootTypename,
		Root:         root,
	}
	p.ID = planID(operation, root)
	p.VarMask = varMask(root)
	p.WindowArgs = windowArgs(root)
	p.NetworkQuery = networkQuery(doc)
	return p, nil
}

// compiler carries per-document state through selection flattening.
type compiler struct {
	doc *ast.QueryDocument
}

func (c *compiler) fragment(name string) (*ast.FragmentDefinition, error) {
	if name == "" {
		if len(c.doc.Fragments) == 0 {
			return nil, ErrNoOperation
		}
		return c.doc.Fragments[0], nil
	}
	frag := c.doc.Fragments.ForName(name)
	if frag == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFragment, name)
	}
	return frag, nil
}

// flatten produces the ordered, deduped field list for one selection set.
// guard is the innermost enclosing type condition; spreads is the set of
// fragment names on the current inlining path, for cycle detection.
func (c *compiler) flatten(sel ast.SelectionSet, guard string, spreads map[string]bool) ([]*Field, error) {
	var fields []*Field
	if err := c.collect(sel, guard, spreads, &fields); err != nil {
		return nil, err
	}
	merged, err := c.merge(fields)
	if err != nil {
		return nil, err
	}
	hoistTypename(merged)
	for _, f := range merged {
		f.SelID = selID(f)
	}
	return merged, nil
}

func (c *compiler) collect(sel ast.SelectionSet, guard string, spreads map[string]bool, out *[]*Field) error {
	for _, s := range sel {
		switch node := s.(type) {
		case *ast.Field:
			f, err := c.field(node, guard, spreads)
			if err != nil {
				return err
			}
			*out = append(*out, f)
		case *ast.InlineFragment:
			inner := guard
			if node.TypeCondition != "" {
				inner = node.TypeCondition
			}
			if err := c.collect(node.SelectionSet, inner, spreads, out); err != nil {
				return err
			}
		case *ast.FragmentSpread:
			if spreads[node.Name] {
				return fmt.Errorf("%w: %q", ErrFragmentCycle, node.Name)
			}
			frag := c.doc.Fragments.ForName(node.Name)
			if frag == nil {
				return fmt.Errorf("%w: %q", ErrUnknownFragment, node.Name)
			}
			spreads[node.Name] = true
			err := c.collect(frag.SelectionSet, frag.TypeCondition, spreads, out)
			delete(spreads, node.Name)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *compiler) field(node *ast.Field, guard string, spreads map[string]bool) (*Field, error) {
	f := &Field{
		ResponseKey:   node.Alias,
		Name:          node.Name,
		TypeCondition: guard,
		arguments:     node.Arguments,
	}
	if f.ResponseKey == "" {
		f.ResponseKey = node.Name
	}

	for _, arg := range node.Arguments {
		f.ArgNames = append(f.ArgNames, arg.Name)
		if isWindowArg(arg.Name) {
			f.PageArgs = append(f.PageArgs, arg.Name)
		}
	}

	for _, d := range node.Directives {
		switch d.Name {
		case connectionDirective:
			f.IsConnection = true
			f.ConnectionKey = node.Name
			if key := d.Arguments.ForName("key"); key != nil && key.Value != nil && key.Value.Raw != "" {
				f.ConnectionKey = key.Value.Raw
			}
			if filters := d.Arguments.ForName("filters"); filters != nil && filters.Value != nil {
				names := make([]string, 0, len(filters.Value.Children))
				for _, child := range filters.Value.Children {
					if child.Value != nil {
						names = append(names, child.Value.Raw)
					}
				}
				f.ConnectionFilters = names
			}
		case "include", "skip":
			f.directives = append(f.directives, d)
		}
	}

	if len(node.SelectionSet) > 0 {
		children, err := c.flatten(node.SelectionSet, "", maps.Clone(spreads))
		if err != nil {
			return nil, err
		}
		f.Selection = children
	}
	return f, nil
}

// connectionDirective is the client-only directive marking connection
// fields. It is honored during compilation and stripped from the network
// query.
const connectionDirective = "connection"

// merge dedupes sibling fields sharing the same response key, argument
// vector, directive set, type condition, and connection key, unioning
// their child selections. Differing type conditions or directives keep
// fields separate.
func (c *compiler) merge(fields []*Field) ([]*Field, error) {
	var out []*Field
	index := make(map[string]int)
	for _, f := range fields {
		key := mergeKey(f)
		if at, ok := index[key]; ok {
			prev := out[at]
			if len(f.Selection) > 0 {
				combined, err := c.mergeChildren(prev.Selection, f.Selection)
				if err != nil {
					return nil, err
				}
				prev.Selection = combined
			}
			continue
		}
		index[key] = len(out)
		out = append(out, f)
	}
	return out, nil
}

func (c *compiler) mergeChildren(a, b []*Field) ([]*Field, error) {
	combined := make([]*Field, 0, len(a)+len(b))
	combined = append(combined, a...)
	combined = append(combined, b...)
	merged, err := c.merge(combined)
	if err != nil {
		return nil, err
	}
	hoistTypename(merged)
	for _, f := range merged {
		f.SelID = selID(f)
	}
	return merged, nil
}

// mergeKey identifies a sibling for dedupe purposes.
func mergeKey(f *Field) string {
	var sb strings.Builder
	sb.WriteString(f.ResponseKey)
	sb.WriteByte('|')
	sb.WriteString(f.Name)
	sb.WriteByte('|')
	sb.WriteString(f.TypeCondition)
	sb.WriteByte('|')
	for _, arg := range f.arguments {
		sb.WriteString(arg.Name)
		sb.WriteByte('=')
		sb.WriteString(valueShape(arg.Value))
		sb.WriteByte(',')
	}
	sb.WriteByte('|')
	for _, d := range f.directives {
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
	if f.IsConnection {
		sb.WriteString("|@connection:")
		sb.WriteString(f.ConnectionKey)
	}
	return sb.String()
}

// hoistTypename moves an explicit __typename selection to the front.
// Plans do not need an injected __typename field — normalization and
// materialization carry typenames implicitly — but when the document
// selects it, it materializes first. The network rewrite injects
// __typename separately.
func hoistTypename(fields []*Field) {
	if len(fields) == 0 {
		return
	}
	for i, f := range fields {
		if f.Name == "__typename" && f.ResponseKey == "__typename" && f.TypeCondition == "" {
			if i != 0 {
				copy(fields[1:i+1], fields[:i])
				fields[0] = f
			}
			return
		}
	}
}

// selID hashes the selection shape rooted at f. Child order does not
// contribute: child ids are sorted before hashing.
func selID(f *Field) string {
	var sb strings.Builder
	sb.WriteString(f.Name)
	sb.WriteByte('|')
	sb.WriteString(f.ResponseKey)
	sb.WriteByte('|')
	sb.WriteString(f.TypeCondition)
	sb.WriteByte('|')
	for _, arg := range f.arguments {
		sb.WriteString(arg.Name)
		sb.WriteByte('=')
		sb.WriteString(valueShape(arg.Value))
		sb.WriteByte(',')
	}
	sb.WriteByte('|')
	for _, d := range f.directives {
		sb.WriteByte('@')
		sb.WriteString(d.Name)
		for _, arg := range d.Arguments {
			sb.WriteString(arg.Name)
			sb.WriteByte('=')
			sb.WriteString(valueShape(arg.Value))
		}
	}
	if f.IsConnection {
		sb.WriteString("|conn:")
		sb.WriteString(f.ConnectionKey)
		sb.WriteByte(':')
		sb.WriteString(strings.Join(f.ConnectionFilters, ","))
	}
	if len(f.Selection) > 0 {
		children := make([]string, 0, len(f.Selection))
		for _, child := range f.Selection {
			children = append(children, child.SelID)
		}
		slices.Sort(children)
		sb.WriteByte('{')
		sb.WriteString(strings.Join(children, ","))
		sb.WriteByte('}')
	}
	return strconv.FormatUint(xxhash.Sum64String(sb.String()), 16)
}

// planID hashes the plan's root shape; field order within the root does
// not contribute, the operation kind does.
func planID(op Operation, root []*Field) string {
	ids := make([]string, 0, len(root))
	for _, f := range root {
		ids = append(ids, f.SelID)
	}
	slices.Sort(ids)
	return strconv.FormatUint(xxhash.Sum64String(op.String()+"|"+strings.Join(ids, ",")), 16)
}

// varMask derives the strict and canonical variable masks. A variable is
// excluded from the canonical mask only when every one of its uses sits
// in a window argument position of a connection field.
func varMask(root []*Field) VarMask {
	strict := make(map[string]struct{})
	window := make(map[string]struct{})
	elsewhere := make(map[string]struct{})
	collectMask(root, strict, window, elsewhere)

	mask := VarMask{Strict: slices.Sorted(maps.Keys(strict))}
	for _, name := range mask.Strict {
		if _, w := window[name]; w {
			if _, e := elsewhere[name]; !e {
				continue
			}
		}
		mask.Canonical = append(mask.Canonical, name)
	}
	return mask
}

func collectMask(fields []*Field, strict, window, elsewhere map[string]struct{}) {
	for _, f := range fields {
		for _, arg := range f.arguments {
			vars := make(map[string]struct{})
			collectVariables(arg.Value, vars)
			for name := range vars {
				strict[name] = struct{}{}
				if f.IsConnection && isWindowArg(arg.Name) {
					window[name] = struct{}{}
				} else {
					elsewhere[name] = struct{}{}
				}
			}
		}
		for _, d := range f.directives {
			for _, arg := range d.Arguments {
				vars := make(map[string]struct{})
				collectVariables(arg.Value, vars)
				for name := range vars {
					strict[name] = struct{}{}
					elsewhere[name] = struct{}{}
				}
			}
		}
		collectMask(f.Selection, strict, window, elsewhere)
	}
}

// windowArgs unions the window argument names across connection fields.
func windowArgs(root []*Field) []string {
	set := make(map[string]struct{})
	var walk func([]*Field)
	walk = func(fields []*Field) {
		for _, f := range fields {
			if f.IsConnection {
				for _, name := range f.PageArgs {
					set[name] = struct{}{}
				}
			}
			walk(f.Selection)
		}
	}
	walk(root)
	return slices.Sorted(maps.Keys(set))
}
