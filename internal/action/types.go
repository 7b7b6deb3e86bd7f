package action

import (
	"context"
	"strings"
)

// ParamType is the semantic type tag of one positional argument.
type ParamType int

const (
	Any ParamType = iota
	String
	Int
	Bool
	Float
	List
	Map
)

func (t ParamType) String() string {
	switch t {
	case Any:
		return "any"
	case String:
		return "string"
	case Int:
		return "int"
	case Bool:
		return "bool"
	case Float:
		return "float"
	case List:
		return "list"
	case Map:
		return "map"
	default:
		return "unknown"
	}
}

// Handler is a bound handler operation.
//
// args are already coerced to the descriptor's Params: String -> string,
// Int -> int, Bool -> bool, Float -> float64, List -> []any, Map -> map[string]any.
type Handler func(ctx context.Context, args []any) (any, error)

// Descriptor declares one action.
type Descriptor struct {
	Name        string
	Aliases     []string
	Params      []ParamType
	Group       string
	Description string
	Invoke      Handler
}

// Names returns the canonical name followed by the distinct aliases.
func (d Descriptor) Names() []string {
	out := []string{d.Name}
	seen := map[string]bool{d.Name: true}
	for _, a := range d.Aliases {
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

// Signature renders the parameter shape, e.g. "copyFile(string, string)".
func (d Descriptor) Signature() string {
	parts := make([]string, len(d.Params))
	for i, p := range d.Params {
		parts[i] = p.String()
	}
	return d.Name + "(" + strings.Join(parts, ", ") + ")"
}

func (d Descriptor) clone() *Descriptor {
	cp := d
	cp.Aliases = append([]string(nil), d.Aliases...)
	cp.Params = append([]ParamType(nil), d.Params...)
	return &cp
}
