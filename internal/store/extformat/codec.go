package extformat

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/hanpama/planexec/internal/graphfetch"
)

// plain turns records into maps so every codec sees the same shape.
func plain(v any) any {
	switch t := v.(type) {
	case *graphfetch.Record:
		return plain(t.Props)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = plain(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = plain(x)
		}
		return out
	}
	return v
}

func payload(values []any, single bool) any {
	if single && len(values) == 1 {
		return plain(values[0])
	}
	return plain(values)
}

type jsonCodec struct{}

func (jsonCodec) Encode(w io.Writer, values []any, single bool) error {
	return json.NewEncoder(w).Encode(payload(values, single))
}

func (jsonCodec) Decode(data []byte) ([]map[string]any, error) {
	data = bytes.TrimSpace(data)
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return objects(normalizeNumbers(v))
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, x := range t {
			t[k] = normalizeNumbers(x)
		}
		return t
	case []any:
		for i, x := range t {
			t[i] = normalizeNumbers(x)
		}
		return t
	}
	return v
}

func objects(v any) ([]map[string]any, error) {
	switch t := v.(type) {
	case map[string]any:
		return []map[string]any{t}, nil
	case []any:
		out := make([]map[string]any, 0, len(t))
		for i, x := range t {
			m, ok := x.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("element %d is %T, not an object", i, x)
			}
			out = append(out, m)
		}
		return out, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("expected an object or a list of objects, got %T", v)
}

type yamlCodec struct{}

func (yamlCodec) Encode(w io.Writer, values []any, single bool) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(payload(values, single)); err != nil {
		return err
	}
	return enc.Close()
}

func (yamlCodec) Decode(data []byte) ([]map[string]any, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return objects(v)
}

// csvCodec writes one row per value with a header of the sorted union of
// property names. Nested values are written as JSON.
type csvCodec struct{}

func (csvCodec) Encode(w io.Writer, values []any, _ bool) error {
	rows := make([]map[string]any, 0, len(values))
	seen := map[string]bool{}
	var header []string
	for _, v := range values {
		m, ok := plain(v).(map[string]any)
		if !ok {
			m = map[string]any{"value": v}
		}
		for k := range m {
			if !seen[k] {
				seen[k] = true
				header = append(header, k)
			}
		}
		rows = append(rows, m)
	}
	sort.Strings(header)

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	rec := make([]string, len(header))
	for _, m := range rows {
		for i, h := range header {
			s, err := cell(m[h])
			if err != nil {
				return err
			}
			rec[i] = s
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func cell(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case map[string]any, []any:
		b, err := json.Marshal(t)
		return string(b), err
	}
	return fmt.Sprint(v), nil
}

func (csvCodec) Decode(data []byte) ([]map[string]any, error) {
	recs, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	header := recs[0]
	out := make([]map[string]any, 0, len(recs)-1)
	for _, r := range recs[1:] {
		m := make(map[string]any, len(header))
		for i, h := range header {
			if i < len(r) && r[i] != "" {
				m[h] = r[i]
			}
		}
		out = append(out, m)
	}
	return out, nil
}
