package engine

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// System fields owned exclusively by the storage engine.
const (
	FieldID        = "_id"
	FieldCreatedAt = "_created_at"
	FieldUpdatedAt = "_updated_at"
	FieldVersion   = "_version"
)

// TimestampFormat is the fixed-width UTC layout used for every stored timestamp,
// so lexical order equals chronological order.
const TimestampFormat = "2006-01-02T15:04:05.000000000Z"

// FormatTimestamp renders t in TimestampFormat.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// ParseTimestamp parses a timestamp written by FormatTimestamp or any RFC 3339 value.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(TimestampFormat, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// IsSystemField reports whether name is one of the four storage-owned fields.
func IsSystemField(name string) bool {
	switch name {
	case FieldID, FieldCreatedAt, FieldUpdatedAt, FieldVersion:
		return true
	}
	return false
}

// Record is a mapping from field name to value plus the four system fields.
type Record map[string]interface{}

// ID returns the record's _id.
func (r Record) ID() string {
	id, _ := r[FieldID].(string)
	return id
}

// Version returns the record's _version as an integer.
func (r Record) Version() int64 {
	v, _ := AsInt(r[FieldVersion])
	return v
}

// UpdatedAt returns the record's _updated_at.
func (r Record) UpdatedAt() time.Time {
	s, _ := r[FieldUpdatedAt].(string)
	t, _ := ParseTimestamp(s)
	return t
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Sort orders accepted by Query.
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

// Query pagination bounds.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Query describes a list request: exact-match filters, one sort key and a page window.
type Query struct {
	Filters   map[string]interface{} `json:"filters,omitempty"`
	SortBy    string                 `json:"sort_by,omitempty"`
	SortOrder string                 `json:"sort_order,omitempty"`
	Limit     int                    `json:"limit,omitempty"`
	Offset    int                    `json:"offset,omitempty"`
}

// Normalized returns a copy with limit clamped to [1, MaxLimit] and a non-negative offset.
func (q Query) Normalized() Query {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if !strings.EqualFold(q.SortOrder, SortDesc) {
		q.SortOrder = SortAsc
	} else {
		q.SortOrder = SortDesc
	}
	return q
}

// Pagination describes where a page sits in the full result.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// Page is one window of a list result.
type Page struct {
	Data       []Record   `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// AsMap renders the page the way it appears on the wire, for use in execution contexts.
func (p *Page) AsMap() map[string]interface{} {
	data := make([]interface{}, len(p.Data))
	for i, r := range p.Data {
		data[i] = map[string]interface{}(r)
	}
	return map[string]interface{}{
		"data": data,
		"pagination": map[string]interface{}{
			"total":    p.Pagination.Total,
			"limit":    p.Pagination.Limit,
			"offset":   p.Pagination.Offset,
			"has_more": p.Pagination.HasMore,
		},
	}
}

// Caller identifies who is invoking an operation.
type Caller struct {
	ID         string                 `json:"id"`
	Role       string                 `json:"role,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Field returns a caller field by name: id, role, or an attribute.
func (c Caller) Field(name string) (interface{}, bool) {
	switch name {
	case "id":
		return c.ID, c.ID != ""
	case "role":
		return c.Role, c.Role != ""
	}
	v, ok := c.Attributes[name]
	return v, ok
}

// AsMap renders the caller for resolver and policy input.
func (c Caller) AsMap() map[string]interface{} {
	m := map[string]interface{}{"id": c.ID, "role": c.Role}
	for k, v := range c.Attributes {
		if _, reserved := m[k]; !reserved {
			m[k] = v
		}
	}
	return m
}

// AsFloat converts any numeric value to float64.
func AsFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// AsInt converts an integral numeric value to int64.
func AsInt(v interface{}) (int64, bool) {
	f, ok := AsFloat(v)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int64(f), true
}

// ValuesEqual compares two decoded values, treating all numeric types alike.
func ValuesEqual(a, b interface{}) bool {
	if fa, ok := AsFloat(a); ok {
		fb, ok := AsFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return reflect.DeepEqual(a, b)
}

// Stringify renders a value as an index key.
func Stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	}
	if f, ok := AsFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}

// IsEmpty reports whether v is absent, null, an empty string, or an empty collection.
func IsEmpty(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []interface{}:
		return len(val) == 0
	case map[string]interface{}:
		return len(val) == 0
	}
	return false
}
