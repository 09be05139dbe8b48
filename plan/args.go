package plan

import (
	"strconv"

	"github.com/vektah/gqlparser/v2/ast"
)

// resolveValue converts a document value into a Go value under the given
// variables. The second return is false when the value is an undefined
// variable; callers drop such arguments entirely.
//
// Undefined variables inside lists resolve to null rather than shrinking
// the list, mirroring how JSON serialization treats undefined array
// elements.
func resolveValue(v *ast.Value, vars map[string]any) (any, bool) {
	if v == nil {
		return nil, false
	}
	switch v.Kind {
	case ast.Variable:
		val, ok := vars[v.Raw]
		if !ok {
			return nil, false
		}
		return val, true
	case ast.IntValue:
		n, err := strconv.ParseInt(v.Raw, 10, 64)
		if err != nil {
			return v.Raw, true
		}
		return n, true
	case ast.FloatValue:
		f, err := strconv.ParseFloat(v.Raw, 64)
		if err != nil {
			return v.Raw, true
		}
		return f, true
	case ast.StringValue, ast.BlockValue, ast.EnumValue:
		return v.Raw, true
	case ast.BooleanValue:
		return v.Raw == "true", true
	case ast.NullValue:
		return nil, true
	case ast.ListValue:
		list := make([]any, 0, len(v.Children))
		for _, child := range v.Children {
			cv, ok := resolveValue(child.Value, vars)
			if !ok {
				cv = nil
			}
			list = append(list, cv)
		}
		return list, true
	case ast.ObjectValue:
		obj := make(map[string]any, len(v.Children))
		for _, child := range v.Children {
			cv, ok := resolveValue(child.Value, vars)
			if !ok {
				continue
			}
			obj[child.Name] = cv
		}
		return obj, true
	default:
		return nil, false
	}
}

// valueShape returns a canonical string for a document value, used in
// selection hashing and sibling dedupe. Variables render as $name so two
// fields with the same variable wiring share a shape.
func valueShape(v *ast.Value) string {
	if v == nil {
		return ""
	}
	switch v.Kind {
	case ast.Variable:
		return "$" + v.Raw
	case ast.ListValue:
		s := "["
		for i, child := range v.Children {
			if i > 0 {
				s += ","
			}
			s += valueShape(child.Value)
		}
		return s + "]"
	case ast.ObjectValue:
		s := "{"
		for i, child := range v.Children {
			if i > 0 {
				s += ","
			}
			s += child.Name + ":" + valueShape(child.Value)
		}
		return s + "}"
	case ast.StringValue, ast.BlockValue:
		return strconv.Quote(v.Raw)
	default:
		return v.Raw
	}
}

// collectVariables appends the variable names referenced by a value.
func collectVariables(v *ast.Value, into map[string]struct{}) {
	if v == nil {
		return
	}
	if v.Kind == ast.Variable {
		into[v.Raw] = struct{}{}
		return
	}
	for _, child := range v.Children {
		collectVariables(child.Value, into)
	}
}
