package types

import (
	"cmp"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// timeLayouts are tried in order when a bookmark string looks like a time.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05.999999999 UTC",
	"2006-01-02",
}

// IncomparableError is returned when two replication-key values cannot be ordered.
type IncomparableError struct {
	A, B interface{}
}

func (e *IncomparableError) Error() string {
	return fmt.Sprintf("cannot compare replication key values %v (%T) and %v (%T)", e.A, e.A, e.B, e.B)
}

// CompareFunc orders two replication-key values.
type CompareFunc func(a, b interface{}) (int, error)

// CompareBookmarks orders two replication-key values and returns -1, 0 or +1.
// Timestamps (time.Time or ISO strings) compare chronologically, numbers
// numerically and other strings lexically. Nil sorts before every value,
// matching BigQuery's ascending ORDER BY.
func CompareBookmarks(a, b interface{}) (int, error) {
	switch {
	case a == nil && b == nil:
		return 0, nil
	case a == nil:
		return -1, nil
	case b == nil:
		return 1, nil
	}

	if ta, ok := asTime(a); ok {
		if tb, ok := asTime(b); ok {
			return ta.Compare(tb), nil
		}
	}

	if ia, ok := asInt(a); ok {
		if ib, ok := asInt(b); ok {
			return cmp.Compare(ia, ib), nil
		}
	}

	if fa, ok := ToFloat64(a); ok {
		if fb, ok := ToFloat64(b); ok {
			return cmp.Compare(fa, fb), nil
		}
	}

	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		return strings.Compare(sa, sb), nil
	}

	ba, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		switch {
		case ba == bb:
			return 0, nil
		case bb:
			return -1, nil
		default:
			return 1, nil
		}
	}

	return 0, &IncomparableError{A: a, B: b}
}

// CompareLexical orders two strings byte-wise, the way BigQuery orders a
// STRING column, even when they look like timestamps. Other values fall
// back to CompareBookmarks.
func CompareLexical(a, b interface{}) (int, error) {
	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		return strings.Compare(sa, sb), nil
	}
	return CompareBookmarks(a, b)
}

// MaxBookmark returns the larger of two replication-key values.
func MaxBookmark(a, b interface{}) (interface{}, error) {
	return MaxBookmarkBy(CompareBookmarks, a, b)
}

// MaxBookmarkBy returns the larger of two values under compare.
func MaxBookmarkBy(compare CompareFunc, a, b interface{}) (interface{}, error) {
	c, err := compare(a, b)
	if err != nil {
		return nil, err
	}
	if c >= 0 {
		return a, nil
	}
	return b, nil
}

// ParseTime parses a timestamp bookmark string.
func ParseTime(s string) (time.Time, bool) {
	// Cheap reject for plain numbers and words.
	if len(s) < len("2006-01-02") || s[4] != '-' {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		return ParseTime(t)
	default:
		return time.Time{}, false
	}
}

func asInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32:
		return ToInt64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
