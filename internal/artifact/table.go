package artifact

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
)

// columnSep joins nested keys into one column name.
const columnSep = " / "

type field struct {
	key string
	val any
}

// object keeps the key order of a decoded JSON object.
type object []field

// decodeOrdered decodes raw JSON into object, []any, json.Number, string,
// bool or nil values.
func decodeOrdered(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after json value")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := object{}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, fmt.Errorf("read key: %w", err)
				}
				key, _ := keyTok.(string)
				val, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				obj = append(obj, field{key: key, val: val})
			}
			if _, err := dec.Token(); err != nil {
				return nil, fmt.Errorf("close object: %w", err)
			}
			return obj, nil
		case '[':
			arr := []any{}
			for dec.More() {
				val, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, val)
			}
			if _, err := dec.Token(); err != nil {
				return nil, fmt.Errorf("close array: %w", err)
			}
			return arr, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %v", t)
	default:
		return t, nil
	}
}

type row map[string]any

// table is a set of rows sharing an ordered list of columns.
type table struct {
	columns []string
	rows    []row
}

func (t *table) addColumn(name string) {
	if !slices.Contains(t.columns, name) {
		t.columns = append(t.columns, name)
	}
}

// flatten turns a decoded value into rows. Nested object keys are joined with
// columnSep; arrays are exploded into one row per element, and sibling arrays
// are exploded in parallel.
func flatten(v any, prefix string) table {
	switch val := v.(type) {
	case object:
		out := table{rows: []row{{}}}
		for _, f := range val {
			name := f.key
			if prefix != "" {
				name = prefix + columnSep + f.key
			}
			out = merge(out, flatten(f.val, name))
		}
		return out
	case []any:
		out := table{}
		if len(val) == 0 {
			out.addColumn(prefix)
			out.rows = []row{{}}
			return out
		}
		for _, el := range val {
			sub := flatten(el, prefix)
			for _, c := range sub.columns {
				out.addColumn(c)
			}
			out.rows = append(out.rows, sub.rows...)
		}
		return out
	default:
		return table{columns: []string{prefix}, rows: []row{{prefix: val}}}
	}
}

// merge combines two tables column-wise. A single-row side is broadcast to
// every row of the other; otherwise rows are zipped by position.
func merge(a, b table) table {
	out := table{columns: slices.Clone(a.columns)}
	for _, c := range b.columns {
		out.addColumn(c)
	}
	n := max(len(a.rows), len(b.rows))
	out.rows = make([]row, n)
	for i := range n {
		r := row{}
		for k, v := range pick(a.rows, i) {
			r[k] = v
		}
		for k, v := range pick(b.rows, i) {
			r[k] = v
		}
		out.rows[i] = r
	}
	return out
}

func pick(rows []row, i int) row {
	switch {
	case len(rows) == 1:
		return rows[0]
	case i < len(rows):
		return rows[i]
	default:
		return nil
	}
}
