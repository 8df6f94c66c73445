package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Result is a fully materialized rowset. Values are int64, float64, string,
// []byte, bool or nil locally; over the wire numbers arrive as json.Number.
type Result struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Len is the number of rows.
func (r *Result) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// Row returns row i for scanning.
func (r *Result) Row(i int) Row {
	return Row{values: r.Rows[i]}
}

// Each calls fn for every row in order, stopping at the first error.
func (r *Result) Each(fn func(Row) error) error {
	for i := range r.Rows {
		if err := fn(r.Row(i)); err != nil {
			return err
		}
	}
	return nil
}

// Row is one result row.
type Row struct {
	values []any
}

// Scan copies columns into dest in order. Supported destinations: *int64,
// *int, *float64, *string, *bool, *[]byte, *any, and **int64 / **string for
// nullable columns.
func (r Row) Scan(dest ...any) error {
	if len(dest) > len(r.values) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(r.values))
	}
	for i, d := range dest {
		if err := assign(d, r.values[i]); err != nil {
			return fmt.Errorf("scan column %d: %w", i, err)
		}
	}
	return nil
}

func assign(dest, src any) error {
	switch d := dest.(type) {
	case *any:
		*d = src
		return nil
	case **int64:
		if src == nil {
			*d = nil
			return nil
		}
		n, err := asInt(src)
		if err != nil {
			return err
		}
		*d = &n
		return nil
	case **string:
		if src == nil {
			*d = nil
			return nil
		}
		s := asString(src)
		*d = &s
		return nil
	}
	if src == nil {
		return assignZero(dest)
	}
	switch d := dest.(type) {
	case *int64:
		n, err := asInt(src)
		*d = n
		return err
	case *int:
		n, err := asInt(src)
		*d = int(n)
		return err
	case *bool:
		n, err := asInt(src)
		*d = n != 0
		return err
	case *float64:
		f, err := asFloat(src)
		*d = f
		return err
	case *string:
		*d = asString(src)
		return nil
	case *[]byte:
		switch v := src.(type) {
		case []byte:
			*d = append([]byte(nil), v...)
		default:
			*d = []byte(asString(src))
		}
		return nil
	}
	return fmt.Errorf("unsupported destination %T", dest)
}

func assignZero(dest any) error {
	switch d := dest.(type) {
	case *int64:
		*d = 0
	case *int:
		*d = 0
	case *bool:
		*d = false
	case *float64:
		*d = 0
	case *string:
		*d = ""
	case *[]byte:
		*d = nil
	default:
		return fmt.Errorf("unsupported destination %T", dest)
	}
	return nil
}

func asInt(src any) (int64, error) {
	switch v := src.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, nil
		}
		f, err := v.Float64()
		return int64(f), err
	case string:
		return strconv.ParseInt(v, 10, 64)
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	}
	return 0, fmt.Errorf("cannot convert %T to integer", src)
}

func asFloat(src any) (float64, error) {
	switch v := src.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		return strconv.ParseFloat(v, 64)
	}
	return 0, fmt.Errorf("cannot convert %T to float", src)
}

func asString(src any) string {
	switch v := src.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case json.Number:
		return v.String()
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return fmt.Sprint(src)
}

// NormalizeArgs converts values decoded from JSON into driver-friendly
// types: whole json.Numbers become int64, the rest float64.
func NormalizeArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if n, ok := a.(json.Number); ok {
			if v, err := n.Int64(); err == nil {
				out[i] = v
				continue
			}
			if f, err := n.Float64(); err == nil {
				out[i] = f
				continue
			}
			out[i] = n.String()
			continue
		}
		out[i] = a
	}
	return out
}
