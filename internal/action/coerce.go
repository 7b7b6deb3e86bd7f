package action

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Coerce converts loosely-typed positional arguments to the given shape.
// It fails on a count mismatch or on the first argument that cannot be converted.
// name labels the error; the dispatcher passes the action signature.
func Coerce(name string, params []ParamType, args []any) ([]any, error) {
	if len(args) != len(params) {
		return nil, mismatch(name, "expects %d argument(s), got %d", len(params), len(args))
	}
	out := make([]any, len(args))
	for i, p := range params {
		v, ok := coerceOne(p, args[i])
		if !ok {
			return nil, mismatch(name, "argument %d: cannot use %T as %s", i, args[i], p)
		}
		out[i] = v
	}
	return out, nil
}

func coerceOne(t ParamType, v any) (any, bool) {
	switch t {
	case Any:
		return v, true
	case String:
		return toString(v)
	case Int:
		return toInt(v)
	case Bool:
		return toBool(v)
	case Float:
		return toFloat(v)
	case List:
		return toList(v)
	case Map:
		return toMap(v)
	default:
		return nil, false
	}
}

func toString(v any) (any, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case []byte:
		return string(x), true
	case json.Number:
		return x.String(), true
	case bool:
		return strconv.FormatBool(x), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	default:
		return nil, false
	}
}

func toInt(v any) (any, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int8:
		return int(x), true
	case int16:
		return int(x), true
	case int32:
		return int(x), true
	case int64:
		if x > math.MaxInt || x < math.MinInt {
			return nil, false
		}
		return int(x), true
	case uint8:
		return int(x), true
	case uint16:
		return int(x), true
	case uint32:
		return int(x), true
	case uint64:
		if x > math.MaxInt {
			return nil, false
		}
		return int(x), true
	case float32:
		return floatToInt(float64(x))
	case float64:
		return floatToInt(x)
	case json.Number:
		return toInt(string(x))
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return nil, false
		}
		return n, true
	default:
		return nil, false
	}
}

func floatToInt(f float64) (any, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return nil, false
	}
	// MinInt is a power of two, so both bounds are exact; MaxInt is not.
	if f >= -float64(math.MinInt) || f < float64(math.MinInt) {
		return nil, false
	}
	return int(f), true
}

func toBool(v any) (any, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return nil, false
		}
		return b, true
	default:
		return nil, false
	}
}

func toFloat(v any) (any, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case json.Number:
		return toFloat(string(x))
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, false
		}
		return f, true
	}
	if n, ok := toInt(v); ok {
		return float64(n.(int)), true
	}
	return nil, false
}

func toList(v any) (any, bool) {
	switch x := v.(type) {
	case nil:
		return []any{}, true
	case []any:
		return append([]any(nil), x...), true
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, true
	case string:
		s := strings.TrimSpace(x)
		if !strings.HasPrefix(s, "[") {
			return nil, false
		}
		var out []any
		if err := jsonAPI.UnmarshalFromString(s, &out); err != nil {
			return nil, false
		}
		if out == nil {
			out = []any{}
		}
		return out, true
	default:
		return nil, false
	}
}

func toMap(v any) (any, bool) {
	switch x := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(x))
		for k, vv := range x {
			cp[k] = vv
		}
		return cp, true
	case string:
		s := strings.TrimSpace(x)
		if !strings.HasPrefix(s, "{") {
			return nil, false
		}
		var out map[string]any
		if err := jsonAPI.UnmarshalFromString(s, &out); err != nil {
			return nil, false
		}
		return out, true
	default:
		return nil, false
	}
}
