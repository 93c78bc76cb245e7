package resultmgr

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/hanpama/planexec/internal/checked"
	"github.com/hanpama/planexec/internal/graphfetch"
	"github.com/hanpama/planexec/internal/result"
)

// pureEnvelope is the PURE response shape.
type pureEnvelope struct {
	Builder result.Builder `json:"builder"`
	Values  any            `json:"values"`
}

// writeJSON writes r as JSON. Streaming results are written object by
// object without being realized.
func (m *Manager) writeJSON(ctx context.Context, w http.ResponseWriter, r result.Result, pure bool) error {
	w.Header().Set("Content-Type", "application/json")
	if s, ok := r.(*result.StreamResult); ok {
		// a stream is already serialized by its store
		w.Header().Set("Content-Type", contentType(s.Builder))
		w.WriteHeader(http.StatusOK)
		_, err := io.Copy(w, s.Stream)
		return err
	}
	if it, ok := r.(*result.StreamingObjectResult); ok {
		w.WriteHeader(http.StatusOK)
		return m.streamObjects(ctx, w, it, pure)
	}
	v, err := result.Realize(ctx, r)
	if err != nil {
		return m.WriteError(ctx, w, LegacyErrorCode, err.Error(), "serialize")
	}
	w.WriteHeader(http.StatusOK)
	if pure {
		return m.encode(w, pureEnvelope{Builder: builderOf(r), Values: v})
	}
	return m.encode(w, v)
}

func builderOf(r result.Result) result.Builder {
	b := result.BuilderOf(r)
	if _, ok := r.(*result.MultiResult); ok {
		b.Kind = result.BuilderJSON
	}
	return b
}

func contentType(b result.Builder) string {
	if b.Type != "" {
		return b.Type
	}
	return "application/octet-stream"
}

func (m *Manager) streamObjects(ctx context.Context, w io.Writer, r *result.StreamingObjectResult, pure bool) error {
	bw := bufio.NewWriter(w)
	if pure {
		b, err := json.Marshal(r.Builder)
		if err != nil {
			return err
		}
		fmt.Fprintf(bw, `{"builder":%s,"values":`, b)
	}
	bw.WriteByte('[')
	first := true
	for r.Iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := json.Marshal(r.Iter.Object())
		if err != nil {
			return err
		}
		if !first {
			bw.WriteByte(',')
		}
		first = false
		bw.Write(b)
	}
	if err := r.Iter.Err(); err != nil {
		return err
	}
	bw.WriteByte(']')
	if pure {
		bw.WriteByte('}')
	}
	bw.WriteByte('\n')
	return bw.Flush()
}

func (m *Manager) writeRaw(ctx context.Context, w http.ResponseWriter, r result.Result) error {
	if s, ok := r.(*result.StreamResult); ok {
		w.Header().Set("Content-Type", contentType(s.Builder))
		w.WriteHeader(http.StatusOK)
		_, err := io.Copy(w, s.Stream)
		return err
	}
	return m.writeJSON(ctx, w, r, false)
}

// writeCSV writes object results as CSV. Columns come from the builder when
// it names them, otherwise from the sorted union of property names.
func (m *Manager) writeCSV(ctx context.Context, w http.ResponseWriter, r result.Result) error {
	objects, err := result.Objects(ctx, r)
	if err != nil {
		return m.WriteError(ctx, w, LegacyErrorCode, err.Error(), "serialize")
	}
	rows := make([]map[string]any, 0, len(objects))
	for _, o := range objects {
		rows = append(rows, rowOf(o))
	}
	var columns []string
	for _, c := range result.BuilderOf(r).Columns {
		columns = append(columns, c.Name)
	}
	if len(columns) == 0 {
		seen := map[string]bool{}
		for _, row := range rows {
			for k := range row {
				if !seen[k] {
					seen[k] = true
					columns = append(columns, k)
				}
			}
		}
		sort.Strings(columns)
	}

	w.Header().Set("Content-Type", "text/csv")
	w.WriteHeader(http.StatusOK)
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return err
	}
	record := make([]string, len(columns))
	for _, row := range rows {
		for i, c := range columns {
			record[i] = cell(row[c])
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func rowOf(o any) map[string]any {
	switch t := o.(type) {
	case map[string]any:
		return t
	case *graphfetch.Record:
		return t.Props
	case *checked.Checked:
		return rowOf(t.Value)
	}
	return map[string]any{"value": o}
}

func cell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any, []any, *graphfetch.Record:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
	return fmt.Sprint(v)
}
