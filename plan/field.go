package plan

import (
	"slices"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/lockvoid/cachebay/internal/keys"
)

// Window argument names recognized on connection fields.
var windowArgNames = []string{"first", "after", "last", "before"}

func isWindowArg(name string) bool {
	return slices.Contains(windowArgNames, name)
}

// Field is one selection in a compiled plan.
//
// Fields are immutable after compilation.
type Field struct {
	// ResponseKey is the alias when present, otherwise the field name.
	ResponseKey string

	// Name is the schema field name.
	Name string

	// TypeCondition guards the field: it is materialized and normalized
	// only when the parent object's __typename matches (directly or via
	// the configured interface map). "" means unguarded.
	TypeCondition string

	// Selection is the field's flattened child selection, nil for leaves.
	Selection []*Field

	// ArgNames lists the declared argument names in document order.
	ArgNames []string

	// SelID is a stable hash of the selection shape rooted at this field,
	// including the type condition.
	SelID string

	// IsConnection marks fields annotated with @connection.
	IsConnection bool

	// ConnectionKey is the directive's key argument, defaulting to the
	// field name.
	ConnectionKey string

	// ConnectionFilters lists the argument names forming the canonical
	// filter set; nil means all non-window arguments.
	ConnectionFilters []string

	// PageArgs lists the window argument names present on this field.
	PageArgs []string

	// arguments holds the raw document arguments for value resolution.
	arguments ast.ArgumentList

	// directives holds the transport-relevant directives (@include/@skip)
	// preserved on the field.
	directives ast.DirectiveList
}

// BuildArgs maps raw variables to the field's concrete argument object.
// Arguments whose value resolves to an undefined variable are dropped;
// explicit nulls are preserved.
func (f *Field) BuildArgs(vars map[string]any) map[string]any {
	if len(f.arguments) == 0 {
		return nil
	}
	args := make(map[string]any, len(f.arguments))
	for _, arg := range f.arguments {
		v, ok := resolveValue(arg.Value, vars)
		if !ok {
			continue
		}
		args[arg.Name] = v
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// StringifyArgs returns the stable JSON of the field's argument object in
// declared order, or "" when no argument is defined.
func (f *Field) StringifyArgs(vars map[string]any) string {
	return keys.MarshalArgs(f.ArgNames, f.BuildArgs(vars))
}

// FieldKey returns the storage key for this field under its parent
// record.
func (f *Field) FieldKey(vars map[string]any) string {
	return keys.FieldKey(f.Name, f.StringifyArgs(vars))
}

// FilterArgs returns the canonical filter subset of the field's
// arguments: the declared filter names, or all non-window arguments when
// no filter set was specified. Window arguments are excluded even when
// explicitly listed as filters.
func (f *Field) FilterArgs(vars map[string]any) map[string]any {
	args := f.BuildArgs(vars)
	if len(args) == 0 {
		return nil
	}
	filters := make(map[string]any, len(args))
	if f.ConnectionFilters != nil {
		for _, name := range f.ConnectionFilters {
			if isWindowArg(name) {
				continue
			}
			if v, ok := args[name]; ok {
				filters[name] = v
			}
		}
	} else {
		for name, v := range args {
			if isWindowArg(name) {
				continue
			}
			filters[name] = v
		}
	}
	if len(filters) == 0 {
		return nil
	}
	return filters
}

// StringifyFilters returns the stable JSON of the canonical filter
// subset, "{}" when empty.
func (f *Field) StringifyFilters(vars map[string]any) string {
	encoded := keys.MarshalArgs(f.ArgNames, f.FilterArgs(vars))
	if encoded == "" {
		return "{}"
	}
	return encoded
}

// PageArguments returns the window argument values present in vars for
// this field (first/after/last/before).
func (f *Field) PageArguments(vars map[string]any) map[string]any {
	args := f.BuildArgs(vars)
	if len(args) == 0 {
		return nil
	}
	page := make(map[string]any, len(f.PageArgs))
	for _, name := range f.PageArgs {
		if v, ok := args[name]; ok {
			page[name] = v
		}
	}
	if len(page) == 0 {
		return nil
	}
	return page
}

// PageID returns the strict-page record id for this connection field
// under the given parent.
func (f *Field) PageID(parent string, vars map[string]any) string {
	return keys.PageID(parent, f.FieldKey(vars))
}

// CanonicalID returns the canonical connection record id for this field
// under the given parent.
func (f *Field) CanonicalID(parent string, vars map[string]any) string {
	return keys.CanonicalID(parent, f.ConnectionKey, f.StringifyFilters(vars))
}

// ConnectionID returns the canonical or strict-page id per the canonical
// flag.
func (f *Field) ConnectionID(parent string, canonical bool, vars map[string]any) string {
	if canonical {
		return f.CanonicalID(parent, vars)
	}
	return f.PageID(parent, vars)
}

// Include reports whether the field passes its @include/@skip directives
// under the given variables. Absent directives include the field.
func (f *Field) Include(vars map[string]any) bool {
	for _, d := range f.directives {
		switch d.Name {
		case "include":
			if !directiveCondition(d, vars) {
				return false
			}
		case "skip":
			if directiveCondition(d, vars) {
				return false
			}
		}
	}
	return true
}

// directiveCondition resolves the boolean if argument of @include/@skip.
// Unresolvable conditions default to false for @include-style usage.
func directiveCondition(d *ast.Directive, vars map[string]any) bool {
	arg := d.Arguments.ForName("if")
	if arg == nil {
		return false
	}
	v, ok := resolveValue(arg.Value, vars)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}
