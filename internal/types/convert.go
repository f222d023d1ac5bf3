package types

import (
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

// ToInt64 converts an interface{} to int64.
// Supports the sized int and uint types, floats (truncated), json.Number and numeric strings.
func ToInt64(v interface{}) int64 {
	switch i := v.(type) {
	case int64:
		return i
	case int:
		return int64(i)
	case int32:
		return int64(i)
	case int16:
		return int64(i)
	case int8:
		return int64(i)
	case uint:
		return int64(i)
	case uint64:
		return int64(i)
	case uint32:
		return int64(i)
	case uint16:
		return int64(i)
	case uint8:
		return int64(i)
	case float64:
		return int64(i)
	case float32:
		return int64(i)
	case json.Number:
		if n, err := i.Int64(); err == nil {
			return n
		}
		f, _ := i.Float64()
		return int64(f)
	case string:
		n, _ := strconv.ParseInt(i, 10, 64)
		return n
	default:
		return 0
	}
}

// ToFloat64 converts a numeric interface{} to float64.
// The second result is false when v is not numeric.
func ToFloat64(v interface{}) (float64, bool) {
	switch f := v.(type) {
	case float64:
		return f, true
	case float32:
		return float64(f), true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return float64(ToInt64(f)), true
	case json.Number:
		n, err := f.Float64()
		return n, err == nil
	case *big.Rat:
		n, _ := f.Float64()
		return n, true
	default:
		return 0, false
	}
}

// NormalizeValue converts a source value into a JSON-friendly value:
// timestamps become RFC3339Nano strings in UTC, NUMERIC rationals become
// floats, bytes become base64 and civil date/time values their ISO form.
// Maps and slices are normalized recursively.
func NormalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case string, bool, int64, float64:
		return val
	case int:
		return int64(val)
	case json.Number:
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case *big.Rat:
		if val == nil {
			return nil
		}
		f, _ := val.Float64()
		return f
	case []byte:
		return base64.StdEncoding.EncodeToString(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = NormalizeValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = NormalizeValue(item)
		}
		return out
	case fmt.Stringer:
		// civil.Date, civil.Time, civil.DateTime
		return val.String()
	default:
		return val
	}
}
