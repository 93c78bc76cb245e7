package relational

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/spf13/afero"
)

// insertBatchSize bounds the rows per INSERT statement.
const insertBatchSize = 500

// writeKeysFile writes the key tuples as CSV with a header row and returns
// the file path.
func writeKeysFile(fs afero.Fs, dir, table string, columns []string, tuples []map[string]any) (string, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := path.Join(dir, table+"_"+uuid.NewString()+".csv")
	f, err := fs.Create(name)
	if err != nil {
		return "", err
	}
	fail := func(err error) (string, error) {
		f.Close()
		_ = fs.Remove(name)
		return "", err
	}
	w := csv.NewWriter(f)
	if err := w.Write(columns); err != nil {
		return fail(err)
	}
	rec := make([]string, len(columns))
	for _, t := range tuples {
		for i, c := range columns {
			rec[i] = csvValue(t[c])
		}
		if err := w.Write(rec); err != nil {
			return fail(err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fail(err)
	}
	return name, f.Close()
}

func csvValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// readKeysFile reads back the CSV written by writeKeysFile, skipping the
// header.
func readKeysFile(fs afero.Fs, name string) ([][]string, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	recs, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[1:], nil
}

// loadTempTable fills table from the CSV file using the vendor's ingestion
// method. All statements run on conn because temp tables are session scoped.
func loadTempTable(ctx context.Context, conn *sql.Conn, cmds DatabaseCommands, fs afero.Fs, file, table string, columns []string) error {
	switch cmds.IngestionMethod() {
	case IngestCopy:
		rows, err := readKeysFile(fs, file)
		if err != nil {
			return err
		}
		return copyIn(ctx, conn, table, columns, rows)
	case IngestLocalInfile:
		return loadLocalInfile(ctx, conn, cmds, fs, file, table, columns)
	default:
		rows, err := readKeysFile(fs, file)
		if err != nil {
			return err
		}
		return batchInsert(ctx, conn, cmds, table, columns, rows)
	}
}

func copyIn(ctx context.Context, conn *sql.Conn, table string, columns []string, rows [][]string) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(table, columns...))
	if err != nil {
		tx.Rollback()
		return err
	}
	for _, r := range rows {
		args := make([]any, len(r))
		for i, v := range r {
			args[i] = v
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			stmt.Close()
			tx.Rollback()
			return err
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		tx.Rollback()
		return err
	}
	if err := stmt.Close(); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func batchInsert(ctx context.Context, conn *sql.Conn, cmds DatabaseCommands, table string, columns []string, rows [][]string) error {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = cmds.Quote(c)
	}
	head := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", cmds.Quote(table), strings.Join(quoted, ", "))
	for start := 0; start < len(rows); start += insertBatchSize {
		end := min(start+insertBatchSize, len(rows))
		var b strings.Builder
		b.WriteString(head)
		args := make([]any, 0, (end-start)*len(columns))
		for i, r := range rows[start:end] {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('(')
			for j, v := range r {
				if j > 0 {
					b.WriteString(", ")
				}
				args = append(args, v)
				b.WriteString(cmds.Placeholder(len(args)))
			}
			b.WriteByte(')')
		}
		if _, err := conn.ExecContext(ctx, b.String(), args...); err != nil {
			return fmt.Errorf("insert into %s: %w", table, err)
		}
	}
	return nil
}

func loadLocalInfile(ctx context.Context, conn *sql.Conn, cmds DatabaseCommands, fs afero.Fs, file, table string, columns []string) error {
	f, err := fs.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	handler := "planexec_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	mysql.RegisterReaderHandler(handler, func() io.Reader { return f })
	defer mysql.DeregisterReaderHandler(handler)

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = cmds.Quote(c)
	}
	q := fmt.Sprintf(
		"LOAD DATA LOCAL INFILE 'Reader::%s' INTO TABLE %s FIELDS TERMINATED BY ',' OPTIONALLY ENCLOSED BY '\"' IGNORE 1 LINES (%s)",
		handler, cmds.Quote(table), strings.Join(quoted, ", "))
	_, err = conn.ExecContext(ctx, q)
	return err
}
