package relational

import (
	"database/sql"

	"github.com/hanpama/planexec/internal/graphfetch"
	"github.com/hanpama/planexec/internal/result"
)

// rowIterator yields each row as a map keyed by column label, or as a
// graph fetch record when class is set.
type rowIterator struct {
	rows    *sql.Rows
	columns []string
	class   string
	current any
	err     error
}

func newRowIterator(rows *sql.Rows, class string) (*rowIterator, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	return &rowIterator{rows: rows, columns: cols, class: class}, nil
}

func (it *rowIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	vals := make([]any, len(it.columns))
	ptrs := make([]any, len(it.columns))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := it.rows.Scan(ptrs...); err != nil {
		it.err = err
		return false
	}
	row := make(map[string]any, len(it.columns))
	for i, c := range it.columns {
		if b, ok := vals[i].([]byte); ok {
			row[c] = string(b)
			continue
		}
		row[c] = vals[i]
	}
	if it.class != "" {
		it.current = graphfetch.NewRecord(it.class, row)
	} else {
		it.current = row
	}
	return true
}

func (it *rowIterator) Object() any { return it.current }

func (it *rowIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *rowIterator) Close() error { return it.rows.Close() }

func (it *rowIterator) builder(declared []result.Column) result.Builder {
	if it.class != "" {
		return result.Builder{Kind: result.BuilderClass, Class: it.class}
	}
	cols := declared
	if len(cols) == 0 {
		cols = make([]result.Column, len(it.columns))
		for i, c := range it.columns {
			cols[i] = result.Column{Name: c}
		}
	}
	return result.Builder{Kind: result.BuilderTDS, Columns: cols}
}
