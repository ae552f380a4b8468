package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Value is a tagged cell as the primary encodes it on v2/v3 pipelines
type Value struct {
	Type  string  `json:"type"`
	Value *string `json:"value"`
}

func textValue(typ, s string) Value {
	return Value{Type: typ, Value: &s}
}

// FormatValue tags a local engine value. Integral numbers become "integer",
// other numbers "float", nil "null" and everything else "text".
func FormatValue(v any) Value {
	switch x := v.(type) {
	case nil:
		return Value{Type: "null"}
	case int64:
		return textValue("integer", strconv.FormatInt(x, 10))
	case int:
		return textValue("integer", strconv.Itoa(x))
	case int32:
		return textValue("integer", strconv.FormatInt(int64(x), 10))
	case uint64:
		return textValue("integer", strconv.FormatUint(x, 10))
	case float32:
		return formatFloat(float64(x))
	case float64:
		return formatFloat(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return textValue("integer", strconv.FormatInt(i, 10))
		}
		if f, err := x.Float64(); err == nil {
			return formatFloat(f)
		}
		return textValue("text", x.String())
	case string:
		return textValue("text", x)
	case []byte:
		return textValue("text", string(x))
	case bool:
		return textValue("text", strconv.FormatBool(x))
	case time.Time:
		return textValue("text", x.Format(time.RFC3339Nano))
	default:
		return textValue("text", fmt.Sprint(x))
	}
}

func formatFloat(f float64) Value {
	if !math.IsInf(f, 0) && !math.IsNaN(f) && f == math.Trunc(f) {
		return textValue("integer", formatNumber(f))
	}
	return textValue("float", formatNumber(f))
}

// formatNumber renders f the way the primary's clients print numbers:
// shortest round-trip digits, exponent form outside [1e-6, 1e21).
func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}

	abs := math.Abs(f)
	if abs != 0 && (abs < 1e-6 || abs >= 1e21) {
		s := strconv.FormatFloat(f, 'e', -1, 64)
		s = strings.Replace(s, "e-0", "e-", 1)
		return strings.Replace(s, "e+0", "e+", 1)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// decodeArg turns a JSON argument into an engine value. Typed values
// ({type, value} / {type, base64}) and plain JSON scalars are both accepted.
func decodeArg(raw json.RawMessage) (any, error) {
	var v any
	if err := unmarshalNumber(raw, &v); err != nil {
		return nil, err
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return plainArg(v)
	}
	typ, ok := obj["type"].(string)
	if !ok {
		return nil, fmt.Errorf("argument object without type")
	}

	switch typ {
	case "null":
		return nil, nil
	case "integer":
		switch n := obj["value"].(type) {
		case string:
			return strconv.ParseInt(n, 10, 64)
		case json.Number:
			return n.Int64()
		}
		return nil, fmt.Errorf("invalid integer argument")
	case "float":
		switch n := obj["value"].(type) {
		case string:
			return strconv.ParseFloat(n, 64)
		case json.Number:
			return n.Float64()
		}
		return nil, fmt.Errorf("invalid float argument")
	case "text":
		s, ok := obj["value"].(string)
		if !ok {
			return nil, fmt.Errorf("invalid text argument")
		}
		return s, nil
	case "blob":
		s, ok := obj["base64"].(string)
		if !ok {
			return nil, fmt.Errorf("invalid blob argument")
		}
		return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	default:
		return nil, fmt.Errorf("unknown argument type %q", typ)
	}
}

func plainArg(v any) (any, error) {
	switch x := v.(type) {
	case nil, string:
		return x, nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		return x.Float64()
	default:
		return nil, fmt.Errorf("unsupported argument %T", v)
	}
}
