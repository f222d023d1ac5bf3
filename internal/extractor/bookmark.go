package extractor

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	json "github.com/goccy/go-json"

	"github.com/dbsmedya/tap-bigquery/internal/discovery"
	"github.com/dbsmedya/tap-bigquery/internal/singer"
	"github.com/dbsmedya/tap-bigquery/internal/types"
)

// keyKind is how a replication key's values are compared and bound.
type keyKind int

const (
	kindString keyKind = iota
	kindInteger
	kindNumber
	kindTimestamp
	kindDateTime
	kindDate
)

// replicationKeyKind derives the key kind from the column schema and its
// sql-datatype metadata. Hand-written catalogs without metadata get
// TIMESTAMP semantics for date-time strings.
func replicationKeyKind(entry *singer.CatalogEntry, key string) keyKind {
	prop, ok := entry.Schema.Property(key)
	if !ok {
		return kindString
	}
	sqlType := strings.ToUpper(entry.Metadata.String(singer.MetaSQLDatatype, singer.PropertyBreadcrumb(key)...))

	switch prop.PrimaryType() {
	case singer.TypeInteger:
		return kindInteger
	case singer.TypeNumber:
		return kindNumber
	case singer.TypeString:
		switch {
		case prop.Format == "date" || sqlType == "DATE":
			return kindDate
		case sqlType == "DATETIME":
			return kindDateTime
		case prop.Format == "date-time" || sqlType == "TIMESTAMP":
			return kindTimestamp
		}
	}
	return kindString
}

// checkReplicationKeyType rejects keys BigQuery cannot order or compare
// with a typed @bookmark. The sql-datatype metadata decides when present;
// hand-written catalogs are judged by the JSON schema.
func checkReplicationKeyType(entry *singer.CatalogEntry, key string) error {
	prop, ok := entry.Schema.Property(key)
	if !ok {
		return fmt.Errorf("replication key %s is not a property", key)
	}
	sqlType := entry.Metadata.String(singer.MetaSQLDatatype, singer.PropertyBreadcrumb(key)...)
	if sqlType != "" {
		if !discovery.IsReplicationKeyType(sqlType) {
			return fmt.Errorf("replication key %s has type %s, which cannot be used as a replication key", key, sqlType)
		}
		return nil
	}
	switch prop.PrimaryType() {
	case singer.TypeInteger, singer.TypeNumber:
		return nil
	case singer.TypeString:
		if prop.Format != "time" {
			return nil
		}
		return fmt.Errorf("replication key %s has format time, which cannot be used as a replication key", key)
	}
	return fmt.Errorf("replication key %s has type %s, which cannot be used as a replication key", key, prop.PrimaryType())
}

// keyCompare returns the ordering BigQuery applies to the key's column.
// STRING keys compare lexically even when they look like dates.
func keyCompare(kind keyKind) types.CompareFunc {
	if kind == kindString {
		return types.CompareLexical
	}
	return types.CompareBookmarks
}

// canonicalKey converts a replication-key value as read from a row, an
// export file or a state file into the form stored in state: int64,
// float64, RFC3339 timestamps, ISO dates and datetimes, or strings.
// NaN and infinite FLOAT64 keys have no JSON form and are returned as nil.
func canonicalKey(kind keyKind, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case kindInteger:
		switch n := v.(type) {
		case string:
			i, err := strconv.ParseInt(n, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("replication key value %q is not an integer", n)
			}
			return i, nil
		case json.Number:
			i, err := n.Int64()
			if err != nil {
				return nil, fmt.Errorf("replication key value %q is not an integer", n)
			}
			return i, nil
		default:
			return types.ToInt64(n), nil
		}
	case kindNumber:
		var f float64
		if s, ok := v.(string); ok {
			parsed, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("replication key value %q is not a number", s)
			}
			f = parsed
		} else {
			n, ok := types.ToFloat64(v)
			if !ok {
				return nil, fmt.Errorf("replication key value %v (%T) is not a number", v, v)
			}
			f = n
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, nil
		}
		return f, nil
	case kindTimestamp:
		t, err := keyTime(v)
		if err != nil {
			return nil, err
		}
		return t.UTC().Format(time.RFC3339Nano), nil
	case kindDateTime:
		t, err := keyTime(v)
		if err != nil {
			return nil, err
		}
		return civil.DateTimeOf(t).String(), nil
	case kindDate:
		t, err := keyTime(v)
		if err != nil {
			return nil, err
		}
		return civil.DateOf(t).String(), nil
	default:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(types.NormalizeValue(v)), nil
	}
}

func keyTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case civil.Date:
		return t.In(time.UTC), nil
	case civil.DateTime:
		return t.In(time.UTC), nil
	case string:
		if parsed, ok := types.ParseTime(t); ok {
			return parsed, nil
		}
		return time.Time{}, fmt.Errorf("replication key value %q is not a timestamp", t)
	default:
		return time.Time{}, fmt.Errorf("replication key value %v (%T) is not a timestamp", v, v)
	}
}

// queryParam converts a canonical bookmark into the value bound to
// @bookmark, typed to match the column.
func queryParam(kind keyKind, canonical interface{}) (interface{}, error) {
	switch kind {
	case kindTimestamp:
		return keyTime(canonical)
	case kindDateTime:
		t, err := keyTime(canonical)
		if err != nil {
			return nil, err
		}
		return civil.DateTimeOf(t), nil
	case kindDate:
		t, err := keyTime(canonical)
		if err != nil {
			return nil, err
		}
		return civil.DateOf(t), nil
	default:
		return canonical, nil
	}
}

// bookmarkTracker follows the replication key of delivered rows. Rows
// arrive in ascending key order, so every key below the current maximum
// has been fully delivered; ties at the maximum may still be in flight.
type bookmarkTracker struct {
	kind keyKind
	last interface{} // largest key delivered
	safe interface{} // largest key known to be fully delivered
	nulls int64
}

func newBookmarkTracker(kind keyKind) *bookmarkTracker {
	return &bookmarkTracker{kind: kind}
}

// Observe records the key of a delivered row and returns its canonical form.
// Null and non-finite keys return nil and never move the bookmark.
func (t *bookmarkTracker) Observe(raw interface{}) (interface{}, error) {
	key, err := canonicalKey(t.kind, raw)
	if err != nil {
		return nil, err
	}
	if key == nil {
		// NaN and -Inf sort before finite keys, +Inf after them.
		if raw == nil && t.last != nil {
			return nil, fmt.Errorf("null replication key after %v: rows are not in key order", t.last)
		}
		t.nulls++
		return nil, nil
	}
	if t.last == nil {
		t.last = key
		return key, nil
	}

	c, err := keyCompare(t.kind)(key, t.last)
	if err != nil {
		return nil, err
	}
	switch {
	case c < 0:
		return nil, fmt.Errorf("replication key %v arrived after %v: rows are not in key order", key, t.last)
	case c > 0:
		t.safe = t.last
		t.last = key
	}
	return key, nil
}

// Safe returns the bookmark that may be committed mid-stream.
func (t *bookmarkTracker) Safe() interface{} {
	return t.safe
}

// Final returns the bookmark to commit once the read is exhausted.
func (t *bookmarkTracker) Final() interface{} {
	return t.last
}

// Nulls returns how many rows had a null or non-finite key.
func (t *bookmarkTracker) Nulls() int64 {
	return t.nulls
}
