package extractor

import (
	"math"
	"strings"

	"github.com/dbsmedya/tap-bigquery/internal/types"
)

// Dropped describes a value removed from a record because JSON cannot
// represent it.
type Dropped struct {
	Path  string // dotted path of the field or array
	Count int    // values removed
}

// SanitizeRecord removes NaN and ±Inf floats from rec in place: object
// fields holding them are deleted and array elements are filtered out.
func SanitizeRecord(rec types.Record) []Dropped {
	var dropped []Dropped
	sanitizeMap(rec, nil, &dropped)
	return dropped
}

func sanitizeMap(m map[string]interface{}, path []string, dropped *[]Dropped) {
	for key, value := range m {
		fieldPath := append(append([]string{}, path...), key)
		switch v := value.(type) {
		case map[string]interface{}:
			sanitizeMap(v, fieldPath, dropped)
		case types.Record:
			sanitizeMap(v, fieldPath, dropped)
		case []interface{}:
			kept := v[:0:0]
			for _, item := range v {
				if nonFinite(item) {
					continue
				}
				if nested, ok := item.(map[string]interface{}); ok {
					sanitizeMap(nested, fieldPath, dropped)
				}
				kept = append(kept, item)
			}
			if n := len(v) - len(kept); n > 0 {
				*dropped = append(*dropped, Dropped{Path: strings.Join(fieldPath, "."), Count: n})
				m[key] = kept
			}
		default:
			if nonFinite(value) {
				delete(m, key)
				*dropped = append(*dropped, Dropped{Path: strings.Join(fieldPath, "."), Count: 1})
			}
		}
	}
}

func nonFinite(v interface{}) bool {
	switch f := v.(type) {
	case float64:
		return math.IsInf(f, 0) || math.IsNaN(f)
	case float32:
		return math.IsInf(float64(f), 0) || math.IsNaN(float64(f))
	default:
		return false
	}
}
